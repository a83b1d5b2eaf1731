package relay

import (
	"github.com/raskyld/relay/pkg/frame"
)

// Direction of a task relative to the session it belongs to.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (dir Direction) String() string {
	if dir == Outbound {
		return "outbound"
	}
	return "inbound"
}

// TaskChannel is the isolation key of session tasks. Two tasks with
// equal channels never run concurrently and run in submission order.
type TaskChannel struct {
	SessionID uint64
	Direction Direction

	// Isolation further splits the tasks of a session, it must be
	// comparable.
	Isolation any
}

// TaskMapper chooses the isolation key of the task delivering env.
// Returning nil lets the task run without ordering guarantees.
type TaskMapper interface {
	MapTask(s *Session, dir Direction, env frame.Envelope) any
}

type TaskMapperFunc func(s *Session, dir Direction, env frame.Envelope) any

func (fn TaskMapperFunc) MapTask(s *Session, dir Direction, env frame.Envelope) any {
	return fn(s, dir, env)
}

// OrderedBySessions processes the messages of a session one at a time,
// in the order they were received.
func OrderedBySessions() TaskMapper {
	return TaskMapperFunc(func(s *Session, dir Direction, _ frame.Envelope) any {
		return TaskChannel{SessionID: s.ID(), Direction: dir}
	})
}

// OrderedByMessageTypes keeps messages of the same type ordered within
// a session, while different types are processed concurrently.
func OrderedByMessageTypes() TaskMapper {
	return TaskMapperFunc(func(s *Session, dir Direction, env frame.Envelope) any {
		return TaskChannel{SessionID: s.ID(), Direction: dir, Isolation: env.Type}
	})
}

// Unordered processes every message concurrently.
func Unordered() TaskMapper {
	return TaskMapperFunc(func(*Session, Direction, frame.Envelope) any {
		return nil
	})
}

// NewTaskMapper isolates the messages of a session by the key returned
// by fn. A nil key falls back to per-session ordering.
func NewTaskMapper(fn func(env frame.Envelope) any) TaskMapper {
	return TaskMapperFunc(func(s *Session, dir Direction, env frame.Envelope) any {
		return TaskChannel{SessionID: s.ID(), Direction: dir, Isolation: fn(env)}
	})
}
