package dberrors

import (
	"errors"
	"fmt"
)

// codes names every sentinel on the wire.
var codes = []struct {
	code string
	err  error
}{
	{"not_found", ErrNotFound},
	{"corrupt", ErrCorrupt},
	{"io_failure", ErrIOFailure},
	{"index_exists", ErrIndexExists},
	{"index_not_found", ErrIndexNotFound},
	{"dimension_mismatch", ErrDimensionMismatch},
	{"unknown_shard", ErrUnknownShard},
	{"migration_in_progress", ErrMigrationInProgress},
	{"read_only", ErrReadOnly},
	{"not_leader", ErrNotLeader},
	{"quorum_unreachable", ErrQuorumUnreachable},
	{"timeout", ErrTimeout},
	{"closed", ErrClosed},
	{"invalid_argument", ErrInvalidArgument},
}

// Code returns the wire name of the first sentinel err wraps, or "internal".
// A nil error has no code.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode rebuilds an error received from a peer so that errors.Is keeps
// working across the wire.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			return fmt.Errorf("%w: %s", c.err, msg)
		}
	}
	return errors.New(msg)
}
