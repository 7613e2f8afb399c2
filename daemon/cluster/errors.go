package cluster

import "github.com/containerd/errdefs"

const (
	// errNotJoined is returned when sending to a group this node has left
	// or is leaving.
	errNotJoined notFoundError = "This node is not joined to the group of the log"

	// errCheckpointIncomplete is returned while a checkpoint has fewer
	// sections than a complete one.
	errCheckpointIncomplete notAvailableError = "Checkpoint is not complete yet"

	// errBadExchange is returned when the transport refuses a multicast
	// for good.
	errBadExchange internalError = "Multicast to the group failed"
)

type notFoundError string

func (e notFoundError) Error() string {
	return string(e)
}

func (e notFoundError) NotFound() {}

func (notFoundError) Is(target error) bool { return target == errdefs.ErrNotFound }

type notAvailableError string

func (e notAvailableError) Error() string {
	return string(e)
}

func (e notAvailableError) Unavailable() {}

func (notAvailableError) Is(target error) bool { return target == errdefs.ErrUnavailable }

type internalError string

func (e internalError) Error() string {
	return string(e)
}

func (e internalError) System() {}

func (internalError) Is(target error) bool { return target == errdefs.ErrInternal }

type corruptCheckpointError struct {
	name string
	err  error
}

func (e corruptCheckpointError) Error() string {
	return "checkpoint " + e.name + " is corrupt: " + e.err.Error()
}

func (e corruptCheckpointError) Unwrap() error {
	return e.err
}

func (corruptCheckpointError) DataLoss() {}

func (corruptCheckpointError) Is(target error) bool { return target == errdefs.ErrDataLoss }
