package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/qicode/compiler"
	"github.com/quantuminterface/qiclib/rt"
)

// databoxChunkBytes is the payload size of one streamed databox chunk.
const databoxChunkBytes = 64 << 10

// Server dispatches wire requests onto the engine.
type Server struct {
	logger  *zap.Logger
	engine  *rt.Engine
	version string

	mu         sync.Mutex
	loopCancel context.CancelFunc
}

// NewServer builds the request dispatcher.
func NewServer(engine *rt.Engine, version string, logger *zap.Logger) *Server {
	return &Server{
		logger:  logger,
		engine:  engine,
		version: version,
	}
}

func errorFrame(err error) []byte {
	return (&Error{Message: err.Error()}).ToCanonicalBytes()
}

// Handle serves one request/response exchange. Failures come back as an
// Error message, never as a dropped connection.
func (s *Server) Handle(ctx context.Context, req []byte) []byte {
	msgType, err := PeekType(req)
	if err != nil {
		return errorFrame(err)
	}

	switch msgType {
	case TypeGetStatus:
		var m GetStatus
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		st := s.engine.TaskStatus()
		return (&Status{
			Version:            s.version,
			TaskName:           st.TaskName,
			State:              string(st.State),
			Progress:           st.Progress,
			StatusCode:         st.StatusCode,
			DataBoxesAvailable: uint32(st.DataBoxesAvailable),
			ErrorsAvailable:    uint32(st.ErrorsAvailable),
		}).ToCanonicalBytes()

	case TypeGetTaskState:
		var m GetTaskState
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		st := s.engine.TaskStatus()
		return (&TaskState{
			Busy:            s.engine.Busy(),
			Done:            st.State == rt.TaskStateFinished,
			Failed:          st.State == rt.TaskStateFailed,
			ErrorsAvailable: uint32(st.ErrorsAvailable),
			ErrorQueueFull:  s.engine.ErrorQueueFull(),
		}).ToCanonicalBytes()

	case TypeGetErrorMessages:
		var m GetErrorMessages
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		return (&ErrorMessages{Messages: s.engine.DrainErrors()}).ToCanonicalBytes()

	case TypeProgramTask:
		var m ProgramTask
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		if err := s.engine.ProgramTask(m.Name); err != nil {
			return errorFrame(err)
		}
		return (&Ack{}).ToCanonicalBytes()

	case TypeSetParameters:
		var m SetParameters
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		if err := s.engine.SetParameters(m.Params); err != nil {
			return errorFrame(err)
		}
		return (&Ack{}).ToCanonicalBytes()

	case TypeStartTask:
		var m StartTask
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		if err := s.startTask(&m); err != nil {
			return errorFrame(err)
		}
		return (&Ack{}).ToCanonicalBytes()

	case TypeStopTask:
		var m StopTask
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		s.stopLooping()
		if err := s.engine.StopTask(m.Reset); err != nil {
			return errorFrame(err)
		}
		return (&Ack{}).ToCanonicalBytes()

	case TypeLoadProgram:
		var m LoadProgram
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		program, err := compiler.ParseBinary(m.Binary)
		if err != nil {
			return errorFrame(err)
		}
		if err := s.engine.Controller().LoadProgram(program); err != nil {
			return errorFrame(err)
		}
		return (&Ack{}).ToCanonicalBytes()

	case TypeStartAt:
		var m StartAt
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		if err := s.engine.Controller().StartAt(int(m.Cell), m.PC); err != nil {
			return errorFrame(err)
		}
		return (&Ack{}).ToCanonicalBytes()

	case TypeSetRegister:
		var m SetRegister
		if err := m.FromCanonicalBytes(req); err != nil {
			return errorFrame(err)
		}
		if err := s.engine.Controller().SetRegister(int(m.Cell), m.Reg, m.Value); err != nil {
			return errorFrame(err)
		}
		return (&Ack{}).ToCanonicalBytes()
	}

	return errorFrame(errors.Errorf("unknown request type %#04x", msgType))
}

// HandleStream serves a streaming request, emitting one frame per chunk
// and a terminal frame.
func (s *Server) HandleStream(
	ctx context.Context,
	req []byte,
	emit func(frame []byte) error,
) error {
	msgType, err := PeekType(req)
	if err != nil {
		return err
	}
	if msgType != TypeGetDataBoxes {
		return errors.Errorf("request type %#04x is not streamable", msgType)
	}
	var m GetDataBoxes
	if err := m.FromCanonicalBytes(req); err != nil {
		return err
	}

	boxes := s.engine.Pool().Finished()
	for i, box := range boxes {
		data := box.Bytes()
		for off := 0; off < len(data); off += databoxChunkBytes {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := off + databoxChunkBytes
			if end > len(data) {
				end = len(data)
			}
			chunk := &DataBoxChunk{
				BoxIndex: uint32(i),
				Mode:     uint16(box.Mode()),
				Payload:  data[off:end],
			}
			if err := emit(chunk.ToCanonicalBytes()); err != nil {
				return err
			}
		}
	}
	return emit((&DataBoxesEnd{BoxCount: uint32(len(boxes))}).ToCanonicalBytes())
}

func (s *Server) startTask(m *StartTask) error {
	if s.engine.Busy() {
		if !m.StopRunning {
			return errors.New("a task is already running")
		}
		s.stopLooping()
		if err := s.engine.StopTask(false); err != nil {
			return err
		}
	}
	if err := s.engine.StartTask(context.Background()); err != nil {
		return err
	}
	if m.Looping {
		s.startLooping()
	}
	return nil
}

// startLooping restarts the task whenever it finishes, until a StopTask
// arrives or a run fails.
func (s *Server) startLooping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if s.engine.TaskStatus().State != rt.TaskStateFinished {
				continue
			}
			if err := s.engine.StartTask(context.Background()); err != nil {
				s.logger.Warn("looping restart failed", zap.Error(err))
				return
			}
		}
	}()
}

func (s *Server) stopLooping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
}
