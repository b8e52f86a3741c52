// Package taskrunner is the host-side driver of a controller daemon: an
// explicit session over a protocol transport, typed task control, and the
// databox retrieval path.
package taskrunner

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/protocol"
)

// Session owns the link to one controller daemon. Sessions are opened and
// closed explicitly; nothing in this package holds global state.
type Session struct {
	logger    *zap.Logger
	transport protocol.Transport
}

// OpenSession dials the daemon at addr.
func OpenSession(addr string, logger *zap.Logger) (*Session, error) {
	tr, err := protocol.Dial(addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "open session")
	}
	logger.Info("session opened", zap.String("addr", addr))
	return &Session{logger: logger, transport: tr}, nil
}

// NewSession wraps an existing transport, typically an in-process
// loopback.
func NewSession(tr protocol.Transport, logger *zap.Logger) *Session {
	return &Session{logger: logger, transport: tr}
}

// Runner builds the task control surface of this session.
func (s *Session) Runner() *TaskRunner {
	return &TaskRunner{logger: s.logger, transport: s.transport}
}

// Close releases the transport.
func (s *Session) Close() error {
	return s.transport.Close()
}
