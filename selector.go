package relay

import (
	"github.com/raskyld/relay/pkg/frame"
)

// Selector decides whether a listener is interested in a message.
type Selector func(env frame.Envelope) bool

// SelectAll matches every message.
func SelectAll() Selector {
	return func(frame.Envelope) bool {
		return true
	}
}

// SelectInstance matches the responses to the request sent with id.
func SelectInstance(id int32) Selector {
	return func(env frame.Envelope) bool {
		return env.InstanceID == id
	}
}

// SelectNotifications matches unsolicited messages.
func SelectNotifications() Selector {
	return func(env frame.Envelope) bool {
		return env.IsNotification()
	}
}

// SelectPayload matches messages carrying a payload of type T.
func SelectPayload[T any]() Selector {
	return func(env frame.Envelope) bool {
		_, ok := env.Payload.(T)
		return ok
	}
}

// And matches when both selectors do.
func (sel Selector) And(other Selector) Selector {
	return func(env frame.Envelope) bool {
		return sel(env) && other(env)
	}
}
