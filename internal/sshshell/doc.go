// Package sshshell opens SSH connections and negotiates PTY-backed shell
// channels for the broker. It wraps golang.org/x/crypto/ssh with the
// keepalive, PTY profile, and error-classification behavior the broker
// needs and nothing else: no session pooling, no reconnection policy. The
// broker (internal/broker) owns those decisions and treats a *Shell as a
// disposable handle to one shell channel on one SSH connection.
//
// Close is idempotent and safe to call from any goroutine. Output and
// close/error notification happen via the callbacks supplied to Open,
// fixed at construction rather than attached later, so there is no window
// in which output arrives before a listener is wired.
package sshshell
