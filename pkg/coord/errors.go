package coord

import (
	"errors"
	"fmt"
)

type ErrNameAlreadyExists = error
type ErrNameNotFound = error
type ErrDataflowNotReady = error
type ErrDataflowDropped = error
type ErrDataflowFailed = error
type ErrSinkBackpressureTimeout = error

var (
	errNameAlreadyExists       = errors.New("name already exists")
	errNameNotFound            = errors.New("name not found")
	errDataflowNotReady        = errors.New("dataflow not ready")
	errDataflowDropped         = errors.New("dataflow dropped")
	errDataflowFailed          = errors.New("dataflow failed")
	errSinkBackpressureTimeout = errors.New("sink backpressure timeout")
)

func NewNameAlreadyExistsError(name string) ErrNameAlreadyExists {
	return fmt.Errorf("%w: %q", errNameAlreadyExists, name)
}

func NewNameNotFoundError(name string) ErrNameNotFound {
	return fmt.Errorf("%w: %q", errNameNotFound, name)
}

func NewDataflowNotReadyError(name string, ts uint64) ErrDataflowNotReady {
	return fmt.Errorf("%w: output of %q has not reached timestamp %d", errDataflowNotReady, name, ts)
}

func NewDataflowDroppedError(name string) ErrDataflowDropped {
	return fmt.Errorf("%w: %q", errDataflowDropped, name)
}

func NewDataflowFailedError(name string, cause error) ErrDataflowFailed {
	return fmt.Errorf("%w: %q: %v", errDataflowFailed, name, cause)
}

func NewSinkBackpressureTimeoutError(name string) ErrSinkBackpressureTimeout {
	return fmt.Errorf("%w: sink %q did not accept pushed updates in time", errSinkBackpressureTimeout, name)
}

// IsNameAlreadyExists reports whether err is a name conflict.
func IsNameAlreadyExists(err error) bool { return errors.Is(err, errNameAlreadyExists) }

// IsNameNotFound reports whether err refers to an unknown catalog name.
func IsNameNotFound(err error) bool { return errors.Is(err, errNameNotFound) }

// IsDataflowNotReady reports whether a peek timed out waiting for its
// timestamp to close.
func IsDataflowNotReady(err error) bool { return errors.Is(err, errDataflowNotReady) }

// IsDataflowDropped reports whether the target dataflow was dropped.
func IsDataflowDropped(err error) bool { return errors.Is(err, errDataflowDropped) }

// IsDataflowFailed reports whether the target dataflow failed.
func IsDataflowFailed(err error) bool { return errors.Is(err, errDataflowFailed) }

// IsSinkBackpressureTimeout reports whether a sink push timed out.
func IsSinkBackpressureTimeout(err error) bool { return errors.Is(err, errSinkBackpressureTimeout) }
