package relay

import (
	"github.com/raskyld/relay/pkg/frame"
)

// Executor issues requests on a `Session` and correlates their
// responses by instance id.
type Executor struct {
	session *Session
	opts    []FutureOption
}

func NewExecutor(s *Session, opts ...FutureOption) *Executor {
	return &Executor{session: s, opts: opts}
}

func (exe *Executor) Session() *Session {
	return exe.session
}

// Submit sends env and returns a future for the first message matched
// by sel.
func (exe *Executor) Submit(env frame.Envelope, sel Selector) (*MessageFuture, error) {
	return NewMessageFuture(exe.session, env, sel, exe.opts...)
}

// Request sends payload under a fresh instance id, the future completes
// with the first message carrying the same id.
func (exe *Executor) Request(payload any) (*MessageFuture, error) {
	id := exe.session.NextInstanceID()
	env := frame.Envelope{InstanceID: id, Payload: payload}
	return exe.Submit(env, SelectInstance(id))
}

// Notify sends payload without expecting a response.
func (exe *Executor) Notify(payload any) error {
	wf, err := exe.session.Send(frame.Notification(payload))
	if err != nil {
		return err
	}
	return wf.Err()
}

// Reply answers req with payload.
func Reply(s *Session, req frame.Envelope, payload any) (*WriteFuture, error) {
	return s.Send(frame.Envelope{InstanceID: req.InstanceID, Payload: payload})
}
