// Package source defines the capability surface of a sync source.
package source

import (
	"context"

	"github.com/famedly/famedly-sync/internal/model"
)

// Buffer bounds the channel between a source's fetcher and the engine
// so I/O can overlap with consumption.
const Buffer = 64

// Record is one source entry: either a user or a per-record failure.
// Per-record failures (a row that cannot be parsed, an entry missing a
// mandatory attribute) do not abort the run; they are counted and the
// run exits non-zero.
type Record struct {
	User model.User
	Err  error
}

// Source yields the authoritative user set. Records arrive in source
// order; a fatal fetch failure is reported once on the error channel
// after the record channel closes.
type Source interface {
	Name() string

	// DeletesByAbsence reports whether the source is authoritative
	// for presence: when true, Zitadel users missing from the source
	// are deleted.
	DeletesByAbsence() bool

	Users(ctx context.Context) (<-chan Record, <-chan error)
}

// DeletionLister is the capability of sources that only name users to
// remove, keyed by email. Such sources never create or update.
type DeletionLister interface {
	DeletionEmails(ctx context.Context) (map[string]bool, error)
}
