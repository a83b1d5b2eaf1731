// *relay* is a peer-to-peer asynchronous messaging runtime: both sides
// of a `Session` can send requests, answer them and push notifications
// at any time.
//
// ## How it works
//
// A `Connector` dials remote peers and an `Acceptor` listens for them.
// Each established connection becomes a `Session`, over TCP by default
// or over a mutually authenticated QUIC stream with `QUICTransport`.
//
// Bytes read from a session are accumulated in a growable ring buffer
// ([pkg/ring]) and cut into frames by the codec of [pkg/frame]: a 16
// bytes header carrying an *instance id* and a *message type*, followed
// by a payload encoded with protobuf, protojson or CBOR.
//
// Every decoded message is handed to an isolation-grouping worker pool
// ([pkg/grouping]). Messages mapped to the same isolation key, by
// default the same session and message type, are processed one at a
// time in arrival order, while unrelated keys run concurrently.
// Workers then dispatch the message to the `MessageListener`s of the
// session whose `Selector` matches.
//
// Requests are correlated with their response by instance id: an
// `Executor` allocates one, registers a `MessageFuture` selecting it,
// and sends the request. The future completes with the response, or
// is cancelled when the session closes.
//
// Finally, `Discovery` gossips with other processes through *serf* and
// keeps a session open with every member of the cluster.
//
// ## Design Principles
//
// The runtime does not retry, reconnect or buffer on behalf of the
// application: transport and framing failures close the session and
// are reported through `SessionListener`s, and timeouts are surfaced
// to the caller waiting on a future. Building reliable protocols on
// top is up to you.
//
// [pkg/ring]: https://pkg.go.dev/github.com/raskyld/relay/pkg/ring
// [pkg/frame]: https://pkg.go.dev/github.com/raskyld/relay/pkg/frame
// [pkg/grouping]: https://pkg.go.dev/github.com/raskyld/relay/pkg/grouping
package relay
