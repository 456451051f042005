/*
Copyright 2026 The hsnlab/matflow team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hsnlab/matflow/internal/buildinfo"
	"github.com/hsnlab/matflow/pkg/coord"
	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

func main() {
	var configPath string
	var verbosity int
	var visualize bool

	flag.StringVar(&configPath, "config", "", "Path to the YAML engine config; defaults apply when empty.")
	flag.IntVar(&verbosity, "v", 0, "Log verbosity level.")
	flag.BoolVar(&visualize, "visualize", false, "Print the demo dataflow graph in Graphviz dot format and exit.")
	flag.Parse()

	zc := zap.NewDevelopmentConfig()
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zlog, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %s\n", err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zlog).WithName("matflow")
	setupLog := logger.WithName("setup")

	info := buildinfo.BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	setupLog.Info(fmt.Sprintf("starting matflow %s", info.String()))

	cfg := coord.DefaultConfig()
	if configPath != "" {
		if cfg, err = coord.LoadConfig(configPath); err != nil {
			setupLog.Error(err, "failed to load config")
			os.Exit(1)
		}
	}

	c, err := coord.New(cfg, logger)
	if err != nil {
		setupLog.Error(err, "failed to create coordinator")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := c.Start(ctx); err != nil {
		setupLog.Error(err, "failed to start coordinator")
		os.Exit(1)
	}
	defer c.Stop()

	if err := runDemo(ctx, c, setupLog, visualize); err != nil && ctx.Err() == nil {
		setupLog.Error(err, "demo failed")
		os.Exit(1)
	}
}

// runDemo maintains a revenue-per-customer view over an interactively fed
// orders table and streams its changes to stdout.
func runDemo(ctx context.Context, c *coord.Coordinator, log logr.Logger, visualize bool) error {
	ordersTyp := repr.RelationType{Columns: []repr.ColumnType{
		{Name: "customer", Type: repr.TypeString},
		{Name: "amount", Type: repr.TypeInt64},
	}}
	if err := c.CreateSource(ctx, "orders", ordersTyp, nil); err != nil {
		return err
	}

	revenue := &plan.Reduce{
		Input:    &plan.Scan{Source: "orders", Typ: ordersTyp},
		GroupKey: []int{0},
		Aggregates: []plan.Aggregate{
			{Func: plan.AggSum, Col: 1},
			{Func: plan.AggCount},
		},
		Typ: repr.RelationType{Columns: []repr.ColumnType{
			{Name: "customer", Type: repr.TypeString},
			{Name: "revenue", Type: repr.TypeInt64},
			{Name: "orders", Type: repr.TypeInt64},
		}},
	}
	if err := c.CreateView(ctx, "revenue", revenue); err != nil {
		return err
	}

	if visualize {
		dot, err := c.RenderDot(ctx, "revenue")
		if err != nil {
			return err
		}
		fmt.Println(dot)
		return nil
	}

	sub, err := c.Subscribe(ctx, "revenue", 0)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	orders := []struct {
		customer string
		amount   int64
	}{
		{"alice", 120}, {"bob", 40}, {"alice", 15}, {"carol", 300},
	}
	for _, o := range orders {
		row := repr.Row{repr.String(o.customer), repr.Int64(o.amount)}
		if _, err := c.Insert(ctx, "orders", []repr.Row{row}, nil); err != nil {
			return err
		}
	}
	log.Info("demo orders inserted", "count", len(orders))

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-sub.Updates():
			if !ok {
				return sub.Err()
			}
			for _, u := range batch.Updates {
				fmt.Printf("@%d %+d %s\n", u.Time, u.Diff, u.Row)
			}
		}
	}
}
