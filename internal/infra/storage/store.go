// Package storage defines the durable key/value contract the credential pool is
// built on. Records are flat string maps grouped into enumerable buckets.
package storage

import (
	"context"
	"errors"
)

// ErrUnavailable wraps every failure to reach the backing store.
var ErrUnavailable = errors.New("store unavailable")

// Bucket names one enumerable group of records.
type Bucket string

// OpKind identifies a transaction op.
type OpKind int

const (
	OpWrite OpKind = iota
	OpMove
	OpCount
)

// Op is one step of a Transaction.
type Op struct {
	Kind   OpKind
	ID     string
	Fields map[string]string // OpWrite
	From   Bucket            // OpMove
	To     Bucket            // OpMove
	Count  *Counter          // OpCount
}

// Counter is a windowed request counter kept in two fields of a record.
// Counting adds one when WindowField already holds Window and restarts at
// one otherwise. A positive Limit fails the transaction when the new count
// would exceed it.
type Counter struct {
	Field       string
	WindowField string
	Window      string
	Limit       int
}

// Write returns an op that sets fields on id. An empty value clears the field.
func Write(id string, fields map[string]string) Op {
	return Op{Kind: OpWrite, ID: id, Fields: fields}
}

// Count returns an op that bumps the windowed counter c on id. Counters see
// the record as it was before the transaction.
func Count(id string, c Counter) Op {
	return Op{Kind: OpCount, ID: id, Count: &c}
}

// Move returns an op that moves id from one bucket to another.
func Move(id string, from, to Bucket) Op {
	return Op{Kind: OpMove, ID: id, From: from, To: to}
}

// Store is the durable state backing the pool.
//
// Every method is atomic at the store level. Implementations wrap transport
// failures with ErrUnavailable.
type Store interface {
	// ListCandidates returns the ids currently in bucket. The result is a
	// fresh snapshot and may be stale by the time the caller acts on it.
	ListCandidates(ctx context.Context, bucket Bucket) ([]string, error)

	// ReadFields returns the named fields of id, or all fields when none are
	// named. An absent record yields an empty map.
	ReadFields(ctx context.Context, id string, fields ...string) (map[string]string, error)

	// WriteFields sets fields on an existing record in one step. It returns
	// ErrNotFound when the record is absent.
	WriteFields(ctx context.Context, id string, fields map[string]string) error

	// MoveBucket moves id from one bucket to another and stamps the
	// "status" field. It returns false when id is not in from or already in to.
	MoveBucket(ctx context.Context, id string, from, to Bucket) (bool, error)

	// Transaction applies ops all-or-nothing. It returns false, applying
	// nothing, when any move precondition fails, a counter would pass its
	// limit, or a written record is absent.
	Transaction(ctx context.Context, ops ...Op) (bool, error)

	// Insert creates id with fields in bucket. It returns false when the
	// record already exists.
	Insert(ctx context.Context, id string, fields map[string]string, bucket Bucket) (bool, error)

	// Remove deletes id and its bucket membership. It returns false when the
	// record does not exist.
	Remove(ctx context.Context, id string) (bool, error)

	Ping(ctx context.Context) error
}

// StatusField is the record field every bucket move stamps.
const StatusField = "status"
