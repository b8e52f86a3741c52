// Package protocol defines the wire messages between the host driver and
// the controller daemon: a canonical big-endian binary serialization with
// type-prefixed frames, plus the Transport abstraction carrying them.
package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Message type prefixes, grouped by range: 0x00xx generic responses,
// 0x01xx status queries, 0x02xx task control, 0x03xx data retrieval,
// 0x04xx sequencer programming.
const (
	TypeAck   uint16 = 0x0001
	TypeError uint16 = 0x0002

	TypeGetStatus        uint16 = 0x0100
	TypeStatus           uint16 = 0x0101
	TypeGetTaskState     uint16 = 0x0102
	TypeTaskState        uint16 = 0x0103
	TypeGetErrorMessages uint16 = 0x0104
	TypeErrorMessages    uint16 = 0x0105

	TypeProgramTask   uint16 = 0x0200
	TypeStartTask     uint16 = 0x0201
	TypeStopTask      uint16 = 0x0202
	TypeSetParameters uint16 = 0x0203

	TypeGetDataBoxes uint16 = 0x0300
	TypeDataBoxChunk uint16 = 0x0301
	TypeDataBoxesEnd uint16 = 0x0302

	TypeLoadProgram uint16 = 0x0400
	TypeStartAt     uint16 = 0x0401
	TypeSetRegister uint16 = 0x0402
)

// maxFieldLength bounds variable-length fields against hostile frames.
const maxFieldLength = 64 << 20

// Message is one canonical wire message.
type Message interface {
	Type() uint16
	ToCanonicalBytes() []byte
	FromCanonicalBytes(data []byte) error
}

type canonicalWriter struct {
	buf bytes.Buffer
}

func newCanonicalWriter(msgType uint16) *canonicalWriter {
	w := &canonicalWriter{}
	w.writeUint16(msgType)
	return w
}

func (w *canonicalWriter) writeUint8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *canonicalWriter) writeUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *canonicalWriter) writeUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *canonicalWriter) writeBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *canonicalWriter) writeBytes(b []byte) {
	w.writeUint32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *canonicalWriter) writeString(s string) {
	w.writeBytes([]byte(s))
}

func (w *canonicalWriter) writeUint32Slice(vals []uint32) {
	w.writeUint32(uint32(len(vals)))
	for _, v := range vals {
		w.writeUint32(v)
	}
}

func (w *canonicalWriter) finish() []byte {
	return w.buf.Bytes()
}

type canonicalReader struct {
	data []byte
	off  int
	err  error
}

func newCanonicalReader(data []byte, wantType uint16) *canonicalReader {
	r := &canonicalReader{data: data}
	if got := r.readUint16(); r.err == nil && got != wantType {
		r.err = errors.Errorf("message type %#04x, expected %#04x", got, wantType)
	}
	return r
}

func (r *canonicalReader) fail(what string) {
	if r.err == nil {
		r.err = errors.Errorf("truncated message reading %s at offset %d", what, r.off)
	}
}

func (r *canonicalReader) readUint8() uint8 {
	if r.err != nil || r.off+1 > len(r.data) {
		r.fail("uint8")
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *canonicalReader) readUint16() uint16 {
	if r.err != nil || r.off+2 > len(r.data) {
		r.fail("uint16")
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *canonicalReader) readUint32() uint32 {
	if r.err != nil || r.off+4 > len(r.data) {
		r.fail("uint32")
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *canonicalReader) readBool() bool {
	return r.readUint8() != 0
}

func (r *canonicalReader) readBytes() []byte {
	n := r.readUint32()
	if r.err != nil {
		return nil
	}
	if uint64(n) > maxFieldLength || r.off+int(n) > len(r.data) {
		r.fail("bytes")
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return out
}

func (r *canonicalReader) readString() string {
	return string(r.readBytes())
}

func (r *canonicalReader) readUint32Slice() []uint32 {
	n := r.readUint32()
	if r.err != nil {
		return nil
	}
	if uint64(n)*4 > maxFieldLength || r.off+int(n)*4 > len(r.data) {
		r.fail("uint32 slice")
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = r.readUint32()
	}
	return out
}

func (r *canonicalReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return errors.Errorf("%d trailing byte(s) after message", len(r.data)-r.off)
	}
	return nil
}

// PeekType reads the type prefix of a raw frame.
func PeekType(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, errors.New("frame shorter than a type prefix")
	}
	return binary.BigEndian.Uint16(data), nil
}

// Ack is the empty success response to state-changing requests.
type Ack struct{}

func (*Ack) Type() uint16 { return TypeAck }

func (*Ack) ToCanonicalBytes() []byte {
	return newCanonicalWriter(TypeAck).finish()
}

func (*Ack) FromCanonicalBytes(data []byte) error {
	return newCanonicalReader(data, TypeAck).finish()
}

// Error carries a request failure back to the caller.
type Error struct {
	Message string
}

func (*Error) Type() uint16 { return TypeError }

func (m *Error) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeError)
	w.writeString(m.Message)
	return w.finish()
}

func (m *Error) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeError)
	m.Message = r.readString()
	return r.finish()
}

// GetStatus requests the daemon status snapshot.
type GetStatus struct{}

func (*GetStatus) Type() uint16 { return TypeGetStatus }

func (*GetStatus) ToCanonicalBytes() []byte {
	return newCanonicalWriter(TypeGetStatus).finish()
}

func (*GetStatus) FromCanonicalBytes(data []byte) error {
	return newCanonicalReader(data, TypeGetStatus).finish()
}

// Status is the daemon status snapshot.
type Status struct {
	Version            string
	TaskName           string
	State              string
	Progress           uint32
	StatusCode         uint32
	DataBoxesAvailable uint32
	ErrorsAvailable    uint32
}

func (*Status) Type() uint16 { return TypeStatus }

func (m *Status) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeStatus)
	w.writeString(m.Version)
	w.writeString(m.TaskName)
	w.writeString(m.State)
	w.writeUint32(m.Progress)
	w.writeUint32(m.StatusCode)
	w.writeUint32(m.DataBoxesAvailable)
	w.writeUint32(m.ErrorsAvailable)
	return w.finish()
}

func (m *Status) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeStatus)
	m.Version = r.readString()
	m.TaskName = r.readString()
	m.State = r.readString()
	m.Progress = r.readUint32()
	m.StatusCode = r.readUint32()
	m.DataBoxesAvailable = r.readUint32()
	m.ErrorsAvailable = r.readUint32()
	return r.finish()
}

// GetTaskState requests the executor's busy/done flags.
type GetTaskState struct{}

func (*GetTaskState) Type() uint16 { return TypeGetTaskState }

func (*GetTaskState) ToCanonicalBytes() []byte {
	return newCanonicalWriter(TypeGetTaskState).finish()
}

func (*GetTaskState) FromCanonicalBytes(data []byte) error {
	return newCanonicalReader(data, TypeGetTaskState).finish()
}

// TaskState reports the executor's run state.
type TaskState struct {
	Busy            bool
	Done            bool
	Failed          bool
	ErrorsAvailable uint32
	ErrorQueueFull  bool
}

func (*TaskState) Type() uint16 { return TypeTaskState }

func (m *TaskState) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeTaskState)
	w.writeBool(m.Busy)
	w.writeBool(m.Done)
	w.writeBool(m.Failed)
	w.writeUint32(m.ErrorsAvailable)
	w.writeBool(m.ErrorQueueFull)
	return w.finish()
}

func (m *TaskState) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeTaskState)
	m.Busy = r.readBool()
	m.Done = r.readBool()
	m.Failed = r.readBool()
	m.ErrorsAvailable = r.readUint32()
	m.ErrorQueueFull = r.readBool()
	return r.finish()
}

// GetErrorMessages drains the executor's error queue.
type GetErrorMessages struct{}

func (*GetErrorMessages) Type() uint16 { return TypeGetErrorMessages }

func (*GetErrorMessages) ToCanonicalBytes() []byte {
	return newCanonicalWriter(TypeGetErrorMessages).finish()
}

func (*GetErrorMessages) FromCanonicalBytes(data []byte) error {
	return newCanonicalReader(data, TypeGetErrorMessages).finish()
}

// ErrorMessages carries the drained error queue.
type ErrorMessages struct {
	Messages []string
}

func (*ErrorMessages) Type() uint16 { return TypeErrorMessages }

func (m *ErrorMessages) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeErrorMessages)
	w.writeUint32(uint32(len(m.Messages)))
	for _, msg := range m.Messages {
		w.writeString(msg)
	}
	return w.finish()
}

func (m *ErrorMessages) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeErrorMessages)
	n := r.readUint32()
	if r.err == nil && uint64(n) > maxFieldLength {
		r.fail("message count")
	}
	m.Messages = nil
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Messages = append(m.Messages, r.readString())
	}
	return r.finish()
}

// ProgramTask loads the named task routine.
type ProgramTask struct {
	Name string
	// Binary optionally carries a task payload for platforms with
	// loadable routines; the built-in registry ignores it beyond name
	// verification.
	Binary []byte
}

func (*ProgramTask) Type() uint16 { return TypeProgramTask }

func (m *ProgramTask) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeProgramTask)
	w.writeString(m.Name)
	w.writeBytes(m.Binary)
	return w.finish()
}

func (m *ProgramTask) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeProgramTask)
	m.Name = r.readString()
	m.Binary = r.readBytes()
	return r.finish()
}

// StartTask launches the loaded task.
type StartTask struct {
	// Looping restarts the task whenever it finishes.
	Looping bool
	// StopRunning stops a running task first instead of failing.
	StopRunning bool
}

func (*StartTask) Type() uint16 { return TypeStartTask }

func (m *StartTask) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeStartTask)
	w.writeBool(m.Looping)
	w.writeBool(m.StopRunning)
	return w.finish()
}

func (m *StartTask) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeStartTask)
	m.Looping = r.readBool()
	m.StopRunning = r.readBool()
	return r.finish()
}

// StopTask cancels a running task; Reset additionally unloads it.
type StopTask struct {
	Reset bool
}

func (*StopTask) Type() uint16 { return TypeStopTask }

func (m *StopTask) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeStopTask)
	w.writeBool(m.Reset)
	return w.finish()
}

func (m *StopTask) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeStopTask)
	m.Reset = r.readBool()
	return r.finish()
}

// SetParameters validates and stores the task parameter list.
type SetParameters struct {
	Params []uint32
}

func (*SetParameters) Type() uint16 { return TypeSetParameters }

func (m *SetParameters) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeSetParameters)
	w.writeUint32Slice(m.Params)
	return w.finish()
}

func (m *SetParameters) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeSetParameters)
	m.Params = r.readUint32Slice()
	return r.finish()
}

// GetDataBoxes requests the finished boxes as a chunk stream.
type GetDataBoxes struct {
	// Mode is the element type the host wants the payload decoded as,
	// matching rt.DataMode.
	Mode uint16
}

func (*GetDataBoxes) Type() uint16 { return TypeGetDataBoxes }

func (m *GetDataBoxes) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeGetDataBoxes)
	w.writeUint16(m.Mode)
	return w.finish()
}

func (m *GetDataBoxes) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeGetDataBoxes)
	m.Mode = r.readUint16()
	return r.finish()
}

// DataBoxChunk is one streamed slice of a finished box. A chunk with a
// new box index starts the next box; chunks of one box arrive in order.
type DataBoxChunk struct {
	BoxIndex uint32
	Mode     uint16
	Payload  []byte
}

func (*DataBoxChunk) Type() uint16 { return TypeDataBoxChunk }

func (m *DataBoxChunk) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeDataBoxChunk)
	w.writeUint32(m.BoxIndex)
	w.writeUint16(m.Mode)
	w.writeBytes(m.Payload)
	return w.finish()
}

func (m *DataBoxChunk) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeDataBoxChunk)
	m.BoxIndex = r.readUint32()
	m.Mode = r.readUint16()
	m.Payload = r.readBytes()
	return r.finish()
}

// DataBoxesEnd terminates a databox stream.
type DataBoxesEnd struct {
	BoxCount uint32
}

func (*DataBoxesEnd) Type() uint16 { return TypeDataBoxesEnd }

func (m *DataBoxesEnd) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeDataBoxesEnd)
	w.writeUint32(m.BoxCount)
	return w.finish()
}

func (m *DataBoxesEnd) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeDataBoxesEnd)
	m.BoxCount = r.readUint32()
	return r.finish()
}

// LoadProgram installs a serialized cell program.
type LoadProgram struct {
	// Binary is the program serialization produced by the compiler.
	Binary []byte
}

func (*LoadProgram) Type() uint16 { return TypeLoadProgram }

func (m *LoadProgram) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeLoadProgram)
	w.writeBytes(m.Binary)
	return w.finish()
}

func (m *LoadProgram) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeLoadProgram)
	m.Binary = r.readBytes()
	return r.finish()
}

// StartAt starts one cell's sequencer at an explicit instruction index.
type StartAt struct {
	Cell uint32
	PC   uint32
}

func (*StartAt) Type() uint16 { return TypeStartAt }

func (m *StartAt) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeStartAt)
	w.writeUint32(m.Cell)
	w.writeUint32(m.PC)
	return w.finish()
}

func (m *StartAt) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeStartAt)
	m.Cell = r.readUint32()
	m.PC = r.readUint32()
	return r.finish()
}

// SetRegister writes one sequencer register before a start.
type SetRegister struct {
	Cell  uint32
	Reg   uint8
	Value uint32
}

func (*SetRegister) Type() uint16 { return TypeSetRegister }

func (m *SetRegister) ToCanonicalBytes() []byte {
	w := newCanonicalWriter(TypeSetRegister)
	w.writeUint32(m.Cell)
	w.writeUint8(m.Reg)
	w.writeUint32(m.Value)
	return w.finish()
}

func (m *SetRegister) FromCanonicalBytes(data []byte) error {
	r := newCanonicalReader(data, TypeSetRegister)
	m.Cell = r.readUint32()
	m.Reg = r.readUint8()
	m.Value = r.readUint32()
	return r.finish()
}
