package relay

import (
	"github.com/raskyld/relay/pkg/frame"
)

// MessageListener receives the messages of a `Session` matched by the
// `Selector` it was registered with.
//
// Listeners are identified with ==, so implementations must be
// comparable, pointers usually.
type MessageListener interface {
	// OnMessage runs on a pool worker, never hold it for long.
	OnMessage(s *Session, env frame.Envelope)

	// OnCancel is invoked once if the session closes while the
	// listener is still registered.
	OnCancel()
}

type funcListener struct {
	onMessage func(*Session, frame.Envelope)
	onCancel  func()
}

// ListenerFunc adapts fn to a `MessageListener`. onCancel may be nil.
func ListenerFunc(fn func(*Session, frame.Envelope), onCancel func()) MessageListener {
	return &funcListener{onMessage: fn, onCancel: onCancel}
}

func (l *funcListener) OnMessage(s *Session, env frame.Envelope) {
	l.onMessage(s, env)
}

func (l *funcListener) OnCancel() {
	if l.onCancel != nil {
		l.onCancel()
	}
}

type SessionEventType uint8

const (
	SessionOpened SessionEventType = iota + 1
	SessionClosed
	SessionIdle
	SessionError
)

func (typ SessionEventType) String() string {
	switch typ {
	case SessionOpened:
		return "opened"
	case SessionClosed:
		return "closed"
	case SessionIdle:
		return "idle"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionEvent notifies lifecycle changes of a `Session`. Err is the
// `*ClosedError` of a closed session, or the failure of an errored one.
type SessionEvent struct {
	Type    SessionEventType
	Session *Session
	Err     error
}

// SessionListener observes the sessions of an endpoint. Events of a
// given session are delivered from its read goroutine: do not block,
// and prefer `Session.CloseAsync` over `Session.Close` inside.
type SessionListener interface {
	OnSessionEvent(ev SessionEvent)
}

type SessionListenerFunc func(ev SessionEvent)

func (fn SessionListenerFunc) OnSessionEvent(ev SessionEvent) {
	fn(ev)
}
