package runtime

import (
	"github.com/pkg/errors"
)

// Error classes returned by Network operations, matched with errors.Is.
var (
	// ErrConfig reports a bad arena or an inconsistent network, detected at initialization.
	ErrConfig = errors.New("configuration error")
	// ErrInput reports a caller buffer whose format or size does not match the network I/O.
	ErrInput = errors.New("input contract violation")
	// ErrState reports an operation not allowed in the network's current state.
	ErrState = errors.New("invalid network state")
	// ErrInternal reports a kernel invariant violation during a run.
	ErrInternal = errors.New("internal invariant violation")
	// ErrBusy reports a run attempted while another run holds the network.
	ErrBusy = errors.New("network busy")
)

func configErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrConfig, format, args...)
}

func inputErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrInput, format, args...)
}

func stateErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrState, format, args...)
}
