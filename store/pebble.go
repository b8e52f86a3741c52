package store

import (
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/config"
)

// PebbleDB backs the archive with a pebble instance on disk, or in memory
// for tests.
type PebbleDB struct {
	config *config.DBConfig
	db     *pebble.DB
}

// NewPebbleDB opens the database at the configured path.
func NewPebbleDB(cfg *config.DBConfig) (*PebbleDB, error) {
	opts := &pebble.Options{}
	if cfg.InMemoryDONOTUSE {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open database at %s", cfg.Path)
	}
	return &PebbleDB{config: cfg, db: db}, nil
}

func (p *PebbleDB) Get(key []byte) ([]byte, io.Closer, error) {
	return p.db.Get(key)
}

func (p *PebbleDB) Set(key, value []byte) error {
	return p.db.Set(key, value, &pebble.WriteOptions{Sync: true})
}

func (p *PebbleDB) Delete(key []byte) error {
	return p.db.Delete(key, &pebble.WriteOptions{Sync: true})
}

func (p *PebbleDB) NewBatch(indexed bool) Transaction {
	if indexed {
		return &PebbleTransaction{b: p.db.NewIndexedBatch()}
	}
	return &PebbleTransaction{b: p.db.NewBatch()}
}

func (p *PebbleDB) NewIter(lowerBound []byte, upperBound []byte) (
	Iterator,
	error,
) {
	return p.db.NewIter(&pebble.IterOptions{
		LowerBound: lowerBound,
		UpperBound: upperBound,
	})
}

func (p *PebbleDB) DeleteRange(start, end []byte) error {
	return p.db.DeleteRange(start, end, &pebble.WriteOptions{Sync: true})
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}

var _ KVDB = (*PebbleDB)(nil)

// PebbleTransaction wraps a pebble batch.
type PebbleTransaction struct {
	b *pebble.Batch
}

func (t *PebbleTransaction) Get(key []byte) ([]byte, io.Closer, error) {
	return t.b.Get(key)
}

func (t *PebbleTransaction) Set(key []byte, value []byte) error {
	return t.b.Set(key, value, &pebble.WriteOptions{Sync: true})
}

func (t *PebbleTransaction) Delete(key []byte) error {
	return t.b.Delete(key, &pebble.WriteOptions{Sync: true})
}

func (t *PebbleTransaction) Commit() error {
	return t.b.Commit(&pebble.WriteOptions{Sync: true})
}

func (t *PebbleTransaction) Abort() error {
	return t.b.Close()
}

var _ Transaction = (*PebbleTransaction)(nil)
