// Package store archives compiled programs and task runs in a pebble
// database. Programs are keyed by their content hash, runs by program
// hash and sequence number.
package store

import "io"

// KVDB is the key/value surface the archive runs on.
type KVDB interface {
	Get(key []byte) ([]byte, io.Closer, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewBatch(indexed bool) Transaction
	NewIter(lowerBound []byte, upperBound []byte) (Iterator, error)
	DeleteRange(start, end []byte) error
	Close() error
}

// Transaction groups writes so that multi-key records land atomically.
type Transaction interface {
	Get(key []byte) ([]byte, io.Closer, error)
	Set(key []byte, value []byte) error
	Delete(key []byte) error
	Commit() error
	Abort() error
}

// Iterator walks a key range in ascending order.
type Iterator interface {
	First() bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}
