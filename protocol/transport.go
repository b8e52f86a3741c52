package protocol

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Transport carries canonical message frames to the daemon. Call performs
// one request/response exchange; Stream delivers every response frame of a
// streaming request, ending with the stream's terminal frame.
type Transport interface {
	Call(ctx context.Context, req []byte) ([]byte, error)
	Stream(ctx context.Context, req []byte, fn func(frame []byte) error) error
	Close() error
}

// Loopback is the in-process transport wiring a client directly to a
// server instance.
type Loopback struct {
	srv *Server
}

// NewLoopback wraps a server into a Transport.
func NewLoopback(srv *Server) *Loopback {
	return &Loopback{srv: srv}
}

func (l *Loopback) Call(ctx context.Context, req []byte) ([]byte, error) {
	return l.srv.Handle(ctx, req), nil
}

func (l *Loopback) Stream(
	ctx context.Context,
	req []byte,
	fn func(frame []byte) error,
) error {
	return l.srv.HandleStream(ctx, req, fn)
}

func (l *Loopback) Close() error { return nil }

// Frame length prefix: one big-endian uint32 per frame.
const maxFrameLength = 64 << 20

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLength {
		return errors.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	_, err := w.Write(payload)
	return errors.Wrap(err, "write frame payload")
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > maxFrameLength {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}
