package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaysync/internal/transport"
)

var (
	ErrFetchInProgress        = errors.New("fetch already in progress")
	ErrDisposed               = errors.New("synchronizer disposed")
	ErrNotFound               = errors.New("record not found")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrPending                = errors.New("operation still pending")
)

// ConflictError reports an authoritative record whose clientTempId no longer
// matches a pending record. The record is applied as a new item instead.
type ConflictError struct {
	TempID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("no pending record for clientTempId %s", e.TempID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrReconciliationConflict
}

// RequestError is a mutation rejected by the remote side. The affected
// record is left visible with StatusError.
type RequestError struct {
	Op  string
	Key string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusError     Status = "error"
)

// Entity is implemented by value types tracked by an Engine. Records are
// treated as immutable values: the With methods return modified copies.
type Entity[T any] interface {
	Key() string
	TempKey() string
	SyncStatus() Status
	WithTempKey(tempID string) T
	WithStatus(status Status) T
}

type Page[T any] struct {
	Items      []T `json:"items"`
	TotalPages int `json:"totalPages"`
}

type Fetcher[T any] interface {
	FetchPage(ctx context.Context, page, limit int) (Page[T], error)
}

type FetchFunc[T any] func(ctx context.Context, page, limit int) (Page[T], error)

func (f FetchFunc[T]) FetchPage(ctx context.Context, page, limit int) (Page[T], error) {
	return f(ctx, page, limit)
}

// Transport is the part of transport.Manager a synchronizer uses.
type Transport interface {
	Subscribe(scope string, h transport.Handler) func()
	Send(ctx context.Context, env transport.Envelope) bool
	Connection() transport.Connection
}

type Snapshot[T any] struct {
	Items   []T
	Page    int
	HasMore bool
	Loading bool
	Version uint64
}

type EventKind string

const (
	EventNew    EventKind = EventKind(transport.TypeNewItem)
	EventUpdate EventKind = EventKind(transport.TypeUpdateItem)
	EventDelete EventKind = EventKind(transport.TypeDeleteItem)
)

type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeInserted
	ChangeReplaced
	ChangeReconciled
	ChangeRemoved
	ChangeDuplicate
	ChangeReset
)

// Change describes one mutation of the collection. Items is only set for
// ChangeReset and holds the whole collection after a fetch.
type Change[T any] struct {
	Kind   ChangeKind
	Before T
	After  T
	Items  []T
}
