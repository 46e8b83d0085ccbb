// Package wschannel implements the browser-facing duplex message
// transport (spec.md's C5): one WebSocket connection per session,
// carrying the terminal:* control vocabulary as JSON text frames and
// raw PTY bytes as binary frames in both directions.
//
// A Channel does not interpret the control vocabulary itself — it
// decodes each frame into a typed event and dispatches it to a Handler
// supplied by the caller (the broker). This keeps the transport
// ignorant of session state: the broker's state machine, not the
// channel, decides what a given event means.
package wschannel
