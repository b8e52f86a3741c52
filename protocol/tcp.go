package protocol

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TCPTransport is the client side of the daemon link: one connection,
// one outstanding exchange at a time.
type TCPTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a daemon.
func Dial(addr string, timeout time.Duration) (*TCPTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &TCPTransport{conn: conn}, nil
}

func (t *TCPTransport) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(deadline)
	} else {
		_ = t.conn.SetDeadline(time.Time{})
	}
}

func (t *TCPTransport) Call(ctx context.Context, req []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyDeadline(ctx)
	if err := WriteFrame(t.conn, req); err != nil {
		return nil, err
	}
	return ReadFrame(t.conn)
}

func (t *TCPTransport) Stream(
	ctx context.Context,
	req []byte,
	fn func(frame []byte) error,
) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyDeadline(ctx)
	if err := WriteFrame(t.conn, req); err != nil {
		return err
	}
	for {
		frame, err := ReadFrame(t.conn)
		if err != nil {
			return err
		}
		msgType, err := PeekType(frame)
		if err != nil {
			return err
		}
		if msgType == TypeError {
			var e Error
			if err := e.FromCanonicalBytes(frame); err != nil {
				return err
			}
			return errors.New(e.Message)
		}
		if err := fn(frame); err != nil {
			return err
		}
		if msgType == TypeDataBoxesEnd {
			return nil
		}
	}
}

func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

// Serve accepts daemon connections until the context is cancelled. Each
// connection serves exchanges sequentially.
func Serve(ctx context.Context, ln net.Listener, srv *Server, logger *zap.Logger) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go serveConn(ctx, conn, srv, logger)
	}
}

func serveConn(ctx context.Context, conn net.Conn, srv *Server, logger *zap.Logger) {
	defer conn.Close()
	for {
		req, err := ReadFrame(conn)
		if err != nil {
			return
		}
		msgType, err := PeekType(req)
		if err != nil {
			_ = WriteFrame(conn, errorFrame(err))
			continue
		}
		if msgType == TypeGetDataBoxes {
			err := srv.HandleStream(ctx, req, func(frame []byte) error {
				return WriteFrame(conn, frame)
			})
			if err != nil {
				if werr := WriteFrame(conn, errorFrame(err)); werr != nil {
					return
				}
			}
			continue
		}
		if err := WriteFrame(conn, srv.Handle(ctx, req)); err != nil {
			logger.Debug("connection write failed", zap.Error(err))
			return
		}
	}
}
