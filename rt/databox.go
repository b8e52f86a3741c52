package rt

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DataMode is the element type of a databox, matching the wire protocol's
// typed retrieval modes.
type DataMode int

const (
	ModeInt8 DataMode = iota
	ModeUint8
	ModeInt16
	ModeUint16
	ModeInt32
	ModeUint32
	ModeInt64
	ModeUint64
)

var modeSizes = map[DataMode]int{
	ModeInt8:   1,
	ModeUint8:  1,
	ModeInt16:  2,
	ModeUint16: 2,
	ModeInt32:  4,
	ModeUint32: 4,
	ModeInt64:  8,
	ModeUint64: 8,
}

// ElementSize is the byte width of one element in the given mode.
func (m DataMode) ElementSize() int {
	return modeSizes[m]
}

type boxState int

const (
	boxAcquired boxState = iota
	boxFinished
	boxDiscarded
)

// DataBox is one result buffer a task fills during its repetition loop.
// Boxes are either finished (handed to the host) or discarded (freed
// without transfer); a box must end in exactly one of the two states.
type DataBox struct {
	id    int
	mode  DataMode
	data  []byte
	state boxState
}

// ID is the box's allocation index, stable for the lifetime of the pool.
func (b *DataBox) ID() int { return b.id }

// Mode is the box's element type.
func (b *DataBox) Mode() DataMode { return b.mode }

// Len is the element count.
func (b *DataBox) Len() int { return len(b.data) / b.mode.ElementSize() }

// Bytes is the raw little-endian payload.
func (b *DataBox) Bytes() []byte { return b.data }

func (b *DataBox) Uint32(i int) uint32 {
	return binary.LittleEndian.Uint32(b.data[i*4:])
}

func (b *DataBox) SetUint32(i int, v uint32) {
	binary.LittleEndian.PutUint32(b.data[i*4:], v)
}

func (b *DataBox) Int32(i int) int32 {
	return int32(binary.LittleEndian.Uint32(b.data[i*4:]))
}

func (b *DataBox) SetInt32(i int, v int32) {
	binary.LittleEndian.PutUint32(b.data[i*4:], uint32(v))
}

func (b *DataBox) AddInt32(i int, delta int32) {
	b.SetInt32(i, b.Int32(i)+delta)
}

func (b *DataBox) Int64(i int) int64 {
	return int64(binary.LittleEndian.Uint64(b.data[i*8:]))
}

func (b *DataBox) SetInt64(i int, v int64) {
	binary.LittleEndian.PutUint64(b.data[i*8:], uint64(v))
}

func (b *DataBox) AddInt64(i int, delta int64) {
	b.SetInt64(i, b.Int64(i)+delta)
}

// DataBoxPool hands out result buffers against a fixed heap budget and
// tracks their resolution. The pool is the task's only result channel to
// the host: finished boxes become visible to observers, discarded ones
// free their budget silently.
type DataBoxPool struct {
	mu sync.Mutex

	logger *zap.Logger
	budget uint64
	inUse  uint64
	nextID int

	acquired  int
	live      map[int]*DataBox
	finished  []*DataBox
	discarded int

	metrics *Metrics
}

// NewDataBoxPool builds a pool with the given heap budget in bytes.
func NewDataBoxPool(
	budgetBytes uint64,
	logger *zap.Logger,
	metrics *Metrics,
) *DataBoxPool {
	return &DataBoxPool{
		logger:  logger,
		budget:  budgetBytes,
		live:    make(map[int]*DataBox),
		metrics: metrics,
	}
}

// Get allocates a zeroed box of count elements. Exceeding the heap budget
// fails without side effects.
func (p *DataBoxPool) Get(count int, mode DataMode) (*DataBox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if count <= 0 {
		return nil, errors.Errorf("databox size %d must be positive", count)
	}
	size := uint64(count) * uint64(mode.ElementSize())
	if p.inUse+size > p.budget {
		return nil, errors.Errorf(
			"databox heap exhausted: %d bytes requested, %d of %d in use",
			size, p.inUse, p.budget,
		)
	}
	box := &DataBox{
		id:   p.nextID,
		mode: mode,
		data: make([]byte, size),
	}
	p.nextID++
	p.inUse += size
	p.acquired++
	p.live[box.id] = box
	if p.metrics != nil {
		p.metrics.HeapInUse.Set(float64(p.inUse))
	}
	return box, nil
}

func (p *DataBoxPool) resolve(b *DataBox, to boxState) error {
	switch b.state {
	case boxFinished:
		return errors.Errorf("databox %d already finished", b.id)
	case boxDiscarded:
		return errors.Errorf("databox %d already discarded", b.id)
	}
	b.state = to
	delete(p.live, b.id)
	return nil
}

// Finish marks the box for host transfer.
func (p *DataBoxPool) Finish(b *DataBox) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.resolve(b, boxFinished); err != nil {
		return err
	}
	p.finished = append(p.finished, b)
	if p.metrics != nil {
		p.metrics.BoxesFinished.Inc()
	}
	return nil
}

// FinishGroup commits several boxes atomically: either every box becomes
// visible to observers or, when any of them is already resolved, none
// does.
func (p *DataBoxPool) FinishGroup(boxes ...*DataBox) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range boxes {
		if b.state != boxAcquired {
			return errors.Errorf("databox %d already resolved", b.id)
		}
	}
	for _, b := range boxes {
		b.state = boxFinished
		delete(p.live, b.id)
		p.finished = append(p.finished, b)
		if p.metrics != nil {
			p.metrics.BoxesFinished.Inc()
		}
	}
	return nil
}

// Discard frees the box without transferring it.
func (p *DataBoxPool) Discard(b *DataBox) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.resolve(b, boxDiscarded); err != nil {
		return err
	}
	p.discarded++
	p.inUse -= uint64(len(b.data))
	if p.metrics != nil {
		p.metrics.BoxesDiscarded.Inc()
		p.metrics.HeapInUse.Set(float64(p.inUse))
	}
	return nil
}

// Finished snapshots the boxes marked for transfer, in finish order.
func (p *DataBoxPool) Finished() []*DataBox {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*DataBox, len(p.finished))
	copy(out, p.finished)
	return out
}

// Unresolved counts boxes that are neither finished nor discarded. A task
// leaving unresolved boxes behind is a defect and fails the task.
func (p *DataBoxPool) Unresolved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired - len(p.finished) - p.discarded
}

// DiscardUnresolved discards every outstanding allocation after a
// cancellation or task failure. Finished boxes stay visible.
func (p *DataBoxPool) DiscardUnresolved() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.live) == 0 {
		return
	}
	p.logger.Warn(
		"discarding unresolved databoxes",
		zap.Int("count", len(p.live)),
	)
	for id, b := range p.live {
		b.state = boxDiscarded
		p.discarded++
		p.inUse -= uint64(len(b.data))
		delete(p.live, id)
	}
	if p.metrics != nil {
		p.metrics.HeapInUse.Set(float64(p.inUse))
	}
}

// Reset drops all boxes and frees the whole budget. Used when a task is
// unloaded.
func (p *DataBoxPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = nil
	p.live = make(map[int]*DataBox)
	p.acquired = 0
	p.discarded = 0
	p.inUse = 0
	p.nextID = 0
	if p.metrics != nil {
		p.metrics.HeapInUse.Set(0)
	}
}
