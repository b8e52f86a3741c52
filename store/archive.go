package store

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/qicode/compiler"
)

// Key prefixes. Program data lives under the program's base58 content
// hash; runs append a big-endian sequence number so iteration yields them
// in execution order.
const (
	programPrefix = "p/"
	listingPrefix = "l/"
	runPrefix     = "r/"
	counterPrefix = "c/"
)

// Archive stores compiled programs and the task runs executed against
// them.
type Archive struct {
	db     KVDB
	logger *zap.Logger
}

// NewArchive builds the archive on a database.
func NewArchive(db KVDB, logger *zap.Logger) *Archive {
	return &Archive{db: db, logger: logger}
}

func programKey(hash string) []byte { return []byte(programPrefix + hash) }
func listingKey(hash string) []byte { return []byte(listingPrefix + hash) }
func counterKey(hash string) []byte { return []byte(counterPrefix + hash) }

func runKey(hash string, seq uint64) []byte {
	key := make([]byte, 0, len(runPrefix)+len(hash)+9)
	key = append(key, runPrefix...)
	key = append(key, hash...)
	key = append(key, '/')
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], seq)
	return append(key, tail[:]...)
}

// SaveProgram writes the program binary and its assembly listing,
// returning the content hash. Saving the same program twice is a no-op.
func (a *Archive) SaveProgram(p *compiler.Program) (string, error) {
	hash := p.Hash()
	tx := a.db.NewBatch(false)
	if err := tx.Set(programKey(hash), p.Binary()); err != nil {
		_ = tx.Abort()
		return "", errors.Wrap(err, "save program")
	}
	var listing []string
	for _, cp := range p.Cells {
		listing = append(listing, cp.Assembly()...)
	}
	if err := tx.Set(listingKey(hash), []byte(strings.Join(listing, "\n"))); err != nil {
		_ = tx.Abort()
		return "", errors.Wrap(err, "save program listing")
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "save program")
	}
	a.logger.Debug("program archived", zap.String("hash", hash))
	return hash, nil
}

// Program loads the archived binary and listing of a program hash.
func (a *Archive) Program(hash string) (*compiler.Program, string, error) {
	raw, closer, err := a.db.Get(programKey(hash))
	if err != nil {
		return nil, "", errors.Wrapf(err, "program %s", hash)
	}
	data := append([]byte(nil), raw...)
	_ = closer.Close()

	p, err := compiler.ParseBinary(data)
	if err != nil {
		return nil, "", errors.Wrapf(err, "program %s", hash)
	}

	listing := ""
	if raw, closer, err := a.db.Get(listingKey(hash)); err == nil {
		listing = string(raw)
		_ = closer.Close()
	}
	return p, listing, nil
}

// RunRecord is one archived task execution.
type RunRecord struct {
	Task   string
	Status uint32
	Params []uint32
	// Boxes holds the finished databox payloads in finish order, Modes
	// the matching element types.
	Boxes [][]byte
	Modes []uint8
}

func (r *RunRecord) encode() ([]byte, error) {
	if len(r.Boxes) != len(r.Modes) {
		return nil, errors.Errorf(
			"%d box(es) but %d mode(s)", len(r.Boxes), len(r.Modes))
	}
	var buf bytes.Buffer
	writeU32 := func(v uint32) {
		binary.Write(&buf, binary.BigEndian, v)
	}
	writeU32(uint32(len(r.Task)))
	buf.WriteString(r.Task)
	writeU32(r.Status)
	writeU32(uint32(len(r.Params)))
	for _, p := range r.Params {
		writeU32(p)
	}
	writeU32(uint32(len(r.Boxes)))
	for i, box := range r.Boxes {
		buf.WriteByte(r.Modes[i])
		writeU32(uint32(len(box)))
		buf.Write(box)
	}
	return buf.Bytes(), nil
}

func decodeRunRecord(data []byte) (*RunRecord, error) {
	r := bytes.NewReader(data)
	readU32 := func() (uint32, error) {
		var v uint32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	}
	fail := func(err error) (*RunRecord, error) {
		return nil, errors.Wrap(err, "decode run record")
	}

	nameLen, err := readU32()
	if err != nil {
		return fail(err)
	}
	name := make([]byte, nameLen)
	if _, err := r.Read(name); err != nil {
		return fail(err)
	}
	rec := &RunRecord{Task: string(name)}
	if rec.Status, err = readU32(); err != nil {
		return fail(err)
	}
	paramCount, err := readU32()
	if err != nil {
		return fail(err)
	}
	for i := uint32(0); i < paramCount; i++ {
		p, err := readU32()
		if err != nil {
			return fail(err)
		}
		rec.Params = append(rec.Params, p)
	}
	boxCount, err := readU32()
	if err != nil {
		return fail(err)
	}
	for i := uint32(0); i < boxCount; i++ {
		mode, err := r.ReadByte()
		if err != nil {
			return fail(err)
		}
		size, err := readU32()
		if err != nil {
			return fail(err)
		}
		box := make([]byte, size)
		if _, err := r.Read(box); err != nil && size > 0 {
			return fail(err)
		}
		rec.Modes = append(rec.Modes, mode)
		rec.Boxes = append(rec.Boxes, box)
	}
	return rec, nil
}

// SaveRun appends a run record under the program hash, returning its
// sequence number. The sequence counter and the record commit together.
func (a *Archive) SaveRun(hash string, rec *RunRecord) (uint64, error) {
	payload, err := rec.encode()
	if err != nil {
		return 0, errors.Wrap(err, "save run")
	}

	tx := a.db.NewBatch(true)
	seq := uint64(0)
	if raw, closer, err := tx.Get(counterKey(hash)); err == nil {
		seq = binary.BigEndian.Uint64(raw)
		_ = closer.Close()
	}

	var next [8]byte
	binary.BigEndian.PutUint64(next[:], seq+1)
	if err := tx.Set(counterKey(hash), next[:]); err != nil {
		_ = tx.Abort()
		return 0, errors.Wrap(err, "save run")
	}
	if err := tx.Set(runKey(hash, seq), payload); err != nil {
		_ = tx.Abort()
		return 0, errors.Wrap(err, "save run")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "save run")
	}
	return seq, nil
}

// Runs iterates the archived runs of a program in sequence order.
func (a *Archive) Runs(hash string) ([]*RunRecord, error) {
	lower := []byte(runPrefix + hash + "/")
	upper := append(append([]byte(nil), lower...), 0xFF,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)

	iter, err := a.db.NewIter(lower, upper)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer iter.Close()

	var out []*RunRecord
	for valid := iter.First(); valid; valid = iter.Next() {
		rec, err := decodeRunRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteProgram removes a program, its listing and all its runs.
func (a *Archive) DeleteProgram(hash string) error {
	if err := a.db.Delete(programKey(hash)); err != nil {
		return errors.Wrap(err, "delete program")
	}
	if err := a.db.Delete(listingKey(hash)); err != nil {
		return errors.Wrap(err, "delete program")
	}
	if err := a.db.Delete(counterKey(hash)); err != nil {
		return errors.Wrap(err, "delete program")
	}
	lower := []byte(runPrefix + hash + "/")
	upper := append(append([]byte(nil), lower...), 0xFF,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	return errors.Wrap(a.db.DeleteRange(lower, upper), "delete program runs")
}
