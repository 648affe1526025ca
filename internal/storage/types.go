package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrConflict reports that a document read inside a transaction changed
	// before commit. RunTx retries it internally.
	ErrConflict = errors.New("storage: transaction conflict")
	// ErrTooManyConflicts is returned once RunTx exhausted its retries.
	ErrTooManyConflicts = errors.New("storage: too many transaction conflicts")
	ErrClosed           = errors.New("storage: closed")
	ErrBadQuery         = errors.New("storage: bad query")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on exit
//   - "file": memory driver plus a JSON Lines journal and snapshot
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// MaxTxRetries bounds conflict retries per RunTx call (default 8).
	MaxTxRetries int
}

// Store is a transactional JSON document store with optimistic concurrency.
//
// Documents live in flat collections and are addressed by (collection, id).
// Readers decode straight into Go values; a transaction records the version
// of every document it reads and commit fails with ErrConflict when any of
// them moved. RunTx re-runs the function on conflict, so fn must not have
// side effects outside the transaction.
type Store interface {
	Get(ctx context.Context, coll, id string, out any) (bool, error)
	RunTx(ctx context.Context, fn func(tx Tx) error) error
	Query(ctx context.Context, q Query) ([]Doc, error)
	Close() error
}

// Tx is the per-attempt view handed to RunTx callbacks.
type Tx interface {
	Get(coll, id string, out any) (bool, error)
	Set(coll, id string, v any) error
	Delete(coll, id string) error
}

// Doc is a raw stored document.
type Doc struct {
	Collection string
	ID         string
	Version    int64
	Body       []byte
}

// Decode unmarshals the document body into out.
func (d Doc) Decode(out any) error { return json.Unmarshal(d.Body, out) }

type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter compares a top-level JSON field of the document body.
// Value must be a string, bool, or integer.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of one collection ordered by id.
// StartAfter pages through results; Limit <= 0 means unlimited.
type Query struct {
	Collection string
	Where      []Filter
	StartAfter string
	Limit      int
}

func Where(field string, op Op, v any) Filter { return Filter{Field: field, Op: op, Value: v} }

type key struct {
	coll string
	id   string
}
