package protocol

import "errors"

// Sentinel errors for the closed set of error kinds the proxy can raise.
// Wrapped with fmt.Errorf("...: %w", err) at the call site so errors.Is
// still matches against these values.
var (
	// ErrHubUnavailable means the Hub bridge could not deliver an event.
	// Always recovered locally: the event is dropped and a reconnect is
	// attempted in the background.
	ErrHubUnavailable = errors.New("hub unavailable")

	// ErrChildSpawnFailed means the stdio proxy could not start the child
	// process. Fatal to startup.
	ErrChildSpawnFailed = errors.New("child process spawn failed")

	// ErrChildIO means a read or write against the child process failed
	// after startup. Fatal to the session; the proxy reaps the child and
	// exits with its code.
	ErrChildIO = errors.New("child process i/o failed")

	// ErrUpstreamConnect means an HTTP/WS proxy could not reach its
	// upstream. Recovered per-request: a synthetic error LogEntry is
	// emitted and the listener continues.
	ErrUpstreamConnect = errors.New("upstream connect failed")

	// ErrUpstreamProtocol means the upstream responded but violated the
	// expected protocol shape.
	ErrUpstreamProtocol = errors.New("upstream protocol violation")

	// ErrFramingOverflow means a line exceeded the framing buffer limit
	// without a terminator. Recovered: the buffer is dropped and a warning
	// logged, no LogEntry is produced for the dropped data.
	ErrFramingOverflow = errors.New("framing buffer overflow")

	// ErrSerialization means a store or recorder operation failed to
	// marshal/unmarshal its payload.
	ErrSerialization = errors.New("serialization error")

	// ErrStorage means a session store operation failed against its
	// backing engine.
	ErrStorage = errors.New("storage error")

	// ErrTimeout means the Analyzer's child did not respond within its
	// caller-supplied deadline. The child is killed.
	ErrTimeout = errors.New("analyzer timeout")

	// ErrInvalidConfiguration means a requested upstream scheme or command
	// could not be mapped to a transport. Fatal to startup of that session.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
