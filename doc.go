// Package streamrpc lets two endpoints exchange fire-and-forget
// *notifications* and correlated *request/response* calls, over
// interchangeable transports.
//
// ## How it works
//
// Every endpoint exposes a method table (`Methods`) to its peers. A
// `Transport` creates `Connection`s over one medium, and each `Connection`
// is a one-to-one channel with a single peer:
//
// * `Connection.Notify` invokes a method on the peer and never hears back.
// * `Connection.Request` invokes a method and waits for its result, or its
// error, correlated by envelope id.
//
// Calls travel as `Envelope`s (NOTIFY, REQUEST or RESPONSE), the only thing
// a transport knows how to move. The available transports are:
//
// * `LocalTransport`, pairing connections of the same process.
// * `HTTPClientTransport` and `HTTPServerTransport`, pushing by POST and
// pulling by polling, for peers behind plain HTTP.
// * `WebSocketClientTransport` and `WebSocketServerTransport`, over a
// persistent socket which the client reconnects when it breaks.
// * `QUICTransport`, one QUIC stream per connection, authenticated by mTLS.
//
// ## Design Principles
//
// ### Networks fail
//
// APIs MUST NOT model an *infallible* network. Connections go through
// CONNECTING, OPEN and ERROR as often as the medium dictates, and only
// CLOSED is final. Transports retry in the background; the error of a
// send is only reported to the call which made it.
//
// ### Methods are the only source of meaningful errors
//
// A failing notified method is logged and forgotten: the protocol has no
// way to report it. A failing requested method, or an unknown one, is
// reported to the caller as a `*RemoteError`.
//
// ### Observability
//
// Every transport logs with `log/slog` (`WithLog`) and emits metrics to a
// `github.com/hashicorp/go-metrics` sink (`WithMetricSink`), both sharing
// the `TelemetryLabel` vocabulary.
package streamrpc
