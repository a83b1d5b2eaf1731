package relay

import (
	"testing"
	"time"

	"github.com/raskyld/relay/pkg/frame"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestTaskMappers(t *testing.T) {
	client := newTestEndpoint(t, "client")
	server := newTestEndpoint(t, "server")
	cs, ss := newSessionPair(t, client, server)

	str := frame.Envelope{InstanceID: 1, Type: typeString}
	num := frame.Envelope{InstanceID: 2, Type: typeInt}

	t.Run("ordered by sessions", func(t *testing.T) {
		mapper := OrderedBySessions()
		require.Equal(t, mapper.MapTask(cs, Inbound, str), mapper.MapTask(cs, Inbound, num))
		require.NotEqual(t, mapper.MapTask(cs, Inbound, str), mapper.MapTask(ss, Inbound, str))
		require.NotEqual(t, mapper.MapTask(cs, Inbound, str), mapper.MapTask(cs, Outbound, str))
	})

	t.Run("ordered by message types", func(t *testing.T) {
		mapper := OrderedByMessageTypes()
		require.Equal(t,
			TaskChannel{SessionID: cs.ID(), Direction: Inbound, Isolation: typeString},
			mapper.MapTask(cs, Inbound, str),
		)
		require.NotEqual(t, mapper.MapTask(cs, Inbound, str), mapper.MapTask(cs, Inbound, num))
	})

	t.Run("unordered", func(t *testing.T) {
		require.Nil(t, Unordered().MapTask(cs, Inbound, str))
	})

	t.Run("custom isolation", func(t *testing.T) {
		mapper := NewTaskMapper(func(env frame.Envelope) any {
			return env.InstanceID % 2
		})
		require.Equal(t,
			TaskChannel{SessionID: ss.ID(), Direction: Outbound, Isolation: int32(1)},
			mapper.MapTask(ss, Outbound, str),
		)
	})

	require.Equal(t, "inbound", Inbound.String())
	require.Equal(t, "outbound", Outbound.String())
}

func TestTaskMapperInvalidKey(t *testing.T) {
	for name, mapper := range map[string]TaskMapper{
		"slice key": TaskMapperFunc(func(*Session, Direction, frame.Envelope) any {
			return []int{1}
		}),
		"slice isolation": NewTaskMapper(func(frame.Envelope) any {
			return []byte{1}
		}),
	} {
		t.Run(name, func(t *testing.T) {
			sink := newTestSink()
			client := newTestEndpoint(t, "client")
			server := newTestEndpoint(t, "server",
				WithMetricSink(sink),
				WithTaskMapper(mapper),
			)
			cs, ss := newSessionPair(t, client, server)

			received := make(chan struct{}, 1)
			require.NoError(t, ss.AddListener(ListenerFunc(func(*Session, frame.Envelope) {
				received <- struct{}{}
			}, nil), SelectAll()))

			mustSend(t, cs, frame.Notification(wrapperspb.String("lost")))
			requireCounterEventually(t, sink, "relay.message.dropped.count", 1)

			select {
			case <-received:
				t.Fatal("message with a non comparable key must not be delivered")
			case <-time.After(50 * time.Millisecond):
			}
			require.Equal(t, SessionOpen, ss.State())
		})
	}
}
