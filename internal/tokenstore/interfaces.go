package tokenstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when nothing has been stored yet.
var ErrNotFound = errors.New("no stored token")

// TokenStore reads and writes token records to persistent storage.
type TokenStore interface {
	// Read returns the stored record. Returns ErrNotFound if nothing is stored.
	Read(ctx context.Context) (Record, error)

	// Write persists the record, replacing any previous one.
	Write(ctx context.Context, record Record) error
}
