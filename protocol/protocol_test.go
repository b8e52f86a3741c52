package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/config"
	"github.com/quantuminterface/qiclib/rt"
	"github.com/quantuminterface/qiclib/rt/sim"
	"github.com/quantuminterface/qiclib/rt/tasks"
)

func TestMessageRoundTrips(t *testing.T) {
	tests := []struct {
		name  string
		msg   Message
		fresh func() Message
	}{
		{"error", &Error{Message: "it broke"}, func() Message { return &Error{} }},
		{"status", &Status{
			Version:            "1.2.3",
			TaskName:           "state_count",
			State:              "running",
			Progress:           17,
			StatusCode:         42,
			DataBoxesAvailable: 3,
			ErrorsAvailable:    1,
		}, func() Message { return &Status{} }},
		{"task state", &TaskState{Busy: true, ErrorsAvailable: 2, ErrorQueueFull: true},
			func() Message { return &TaskState{} }},
		{"error messages", &ErrorMessages{Messages: []string{"first", "second"}},
			func() Message { return &ErrorMessages{} }},
		{"program task", &ProgramTask{Name: "iq_collect", Binary: []byte{1, 2, 3}},
			func() Message { return &ProgramTask{} }},
		{"start task", &StartTask{Looping: true, StopRunning: true},
			func() Message { return &StartTask{} }},
		{"stop task", &StopTask{Reset: true}, func() Message { return &StopTask{} }},
		{"set parameters", &SetParameters{Params: []uint32{8, 2, 0, 1, 1, 1}},
			func() Message { return &SetParameters{} }},
		{"get databoxes", &GetDataBoxes{Mode: uint16(rt.ModeInt32)},
			func() Message { return &GetDataBoxes{} }},
		{"databox chunk", &DataBoxChunk{BoxIndex: 2, Mode: 4, Payload: []byte{9, 8, 7}},
			func() Message { return &DataBoxChunk{} }},
		{"databoxes end", &DataBoxesEnd{BoxCount: 5}, func() Message { return &DataBoxesEnd{} }},
		{"load program", &LoadProgram{Binary: []byte{0xDE, 0xAD}},
			func() Message { return &LoadProgram{} }},
		{"start at", &StartAt{Cell: 3, PC: 12}, func() Message { return &StartAt{} }},
		{"set register", &SetRegister{Cell: 1, Reg: 31, Value: 0xFFFF},
			func() Message { return &SetRegister{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.msg.ToCanonicalBytes()
			decoded := tt.fresh()
			require.NoError(t, decoded.FromCanonicalBytes(raw))
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestCanonicalEncodingRejectsGarbage(t *testing.T) {
	var st Status
	assert.Error(t, st.FromCanonicalBytes(nil))
	assert.Error(t, st.FromCanonicalBytes([]byte{0x01}))
	// Wrong type prefix.
	assert.Error(t, st.FromCanonicalBytes((&Ack{}).ToCanonicalBytes()))
	// Trailing bytes.
	raw := append((&Ack{}).ToCanonicalBytes(), 0xFF)
	var ack Ack
	assert.Error(t, ack.FromCanonicalBytes(raw))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.EngineConfig{CellCount: 4, DataBoxHeapBytes: 1 << 20}.WithDefaults()
	ctrl := sim.New(cfg.CellCount, logger)
	engine := rt.NewEngine(&cfg, ctrl, logger, nil)
	require.NoError(t, tasks.RegisterAll(engine))
	return NewServer(engine, "test", logger)
}

func callMsg(t *testing.T, tr Transport, req Message, resp Message) {
	t.Helper()
	raw, err := tr.Call(context.Background(), req.ToCanonicalBytes())
	require.NoError(t, err)
	msgType, err := PeekType(raw)
	require.NoError(t, err)
	if msgType == TypeError {
		var e Error
		require.NoError(t, e.FromCanonicalBytes(raw))
		t.Fatalf("request failed: %s", e.Message)
	}
	require.NoError(t, resp.FromCanonicalBytes(raw))
}

func TestLoopbackStatusAndTaskFlow(t *testing.T) {
	srv := newTestServer(t)
	tr := NewLoopback(srv)

	var status Status
	callMsg(t, tr, &GetStatus{}, &status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "idle", status.State)

	var ack Ack
	callMsg(t, tr, &ProgramTask{Name: "databox_probe"}, &ack)
	callMsg(t, tr, &SetParameters{Params: []uint32{16, uint32(rt.ModeUint8)}}, &ack)
	callMsg(t, tr, &StartTask{}, &ack)

	deadline := time.Now().Add(5 * time.Second)
	var ts TaskState
	for {
		callMsg(t, tr, &GetTaskState{}, &ts)
		if ts.Done || ts.Failed || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, ts.Done, "task did not finish")

	var chunks []DataBoxChunk
	var end *DataBoxesEnd
	err := tr.Stream(
		context.Background(),
		(&GetDataBoxes{Mode: uint16(rt.ModeUint8)}).ToCanonicalBytes(),
		func(frame []byte) error {
			msgType, err := PeekType(frame)
			if err != nil {
				return err
			}
			switch msgType {
			case TypeDataBoxChunk:
				var c DataBoxChunk
				if err := c.FromCanonicalBytes(frame); err != nil {
					return err
				}
				chunks = append(chunks, c)
			case TypeDataBoxesEnd:
				end = &DataBoxesEnd{}
				return end.FromCanonicalBytes(frame)
			}
			return nil
		},
	)
	require.NoError(t, err)
	require.NotNil(t, end)
	assert.Equal(t, uint32(1), end.BoxCount)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Payload, 16)
}

func TestLoopbackUnknownTaskFails(t *testing.T) {
	srv := newTestServer(t)
	tr := NewLoopback(srv)

	raw, err := tr.Call(
		context.Background(),
		(&ProgramTask{Name: "no-such-task"}).ToCanonicalBytes(),
	)
	require.NoError(t, err)
	var e Error
	require.NoError(t, e.FromCanonicalBytes(raw))
	assert.Contains(t, e.Message, "unknown task")
}

func TestTCPTransportRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Serve(ctx, ln, srv, zap.NewNop())
	}()

	tr, err := Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer tr.Close()

	var status Status
	callMsg(t, tr, &GetStatus{}, &status)
	assert.Equal(t, "test", status.Version)

	var ack Ack
	callMsg(t, tr, &ProgramTask{Name: "databox_probe"}, &ack)
}

func TestFrameCodec(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte{1, 2, 3, 4, 5}
	done := make(chan error, 1)
	go func() {
		done <- WriteFrame(server, payload)
	}()
	got, err := ReadFrame(client)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, payload, got)
}
