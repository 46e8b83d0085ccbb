package broker

import (
	"errors"
	"fmt"

	"github.com/wsshell/wsshell/internal/containers"
	"github.com/wsshell/wsshell/internal/sshshell"
)

// Kind is spec.md §7's error taxonomy.
type Kind string

const (
	KindValidation      Kind = "Validation"
	KindRateLimited     Kind = "RateLimited"
	KindBusy            Kind = "Busy"
	KindNetworkRefused  Kind = "NetworkRefused"
	KindNetworkUnreach  Kind = "NetworkUnreachable"
	KindTimeout         Kind = "Timeout"
	KindAuth            Kind = "Auth"
	KindProtocol        Kind = "Protocol"
	KindShell           Kind = "Shell"
	KindStream          Kind = "Stream"
	KindContainerCreate Kind = "ContainerCreate"
)

// sessionError carries a Kind so the caller can pick the exact
// client-facing message spec.md §7 specifies.
type sessionError struct {
	kind   Kind
	detail string
}

func (e *sessionError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.detail) }

func newError(kind Kind, detail string) *sessionError {
	return &sessionError{kind: kind, detail: detail}
}

// clientMessage renders the exact client-facing strings spec.md §7
// specifies per error kind.
func clientMessage(err error) string {
	var se *sessionError
	if errors.As(err, &se) {
		switch se.kind {
		case KindValidation:
			return se.detail
		case KindRateLimited:
			return "Too many connection attempts. Please wait before trying again."
		case KindBusy:
			return "Connection already in progress or established"
		case KindNetworkRefused:
			return "Connection refused - check host and port"
		case KindNetworkUnreach:
			return "Host unreachable"
		case KindTimeout:
			return "Connection timeout"
		case KindAuth:
			return "Authentication failed - check username and password"
		case KindProtocol:
			return "Protocol error - incompatible SSH server"
		case KindShell:
			return fmt.Sprintf("Shell error: %s", se.detail)
		case KindStream:
			return fmt.Sprintf("Stream error: %s", se.detail)
		case KindContainerCreate:
			return fmt.Sprintf("Failed to create container: %s", se.detail)
		}
	}
	return err.Error()
}

// classifyTransportError maps an error returned from sshshell.Open (or
// any sshshell operation) onto the broker's own taxonomy.
func classifyTransportError(err error) error {
	var se *sshshell.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case sshshell.KindRefused:
			return newError(KindNetworkRefused, se.Error())
		case sshshell.KindUnreachable:
			return newError(KindNetworkUnreach, se.Error())
		case sshshell.KindTimeout:
			return newError(KindTimeout, se.Error())
		case sshshell.KindAuth:
			return newError(KindAuth, se.Error())
		case sshshell.KindProtocol:
			return newError(KindProtocol, se.Error())
		case sshshell.KindShell:
			return newError(KindShell, se.Error())
		case sshshell.KindStream:
			return newError(KindStream, se.Error())
		}
	}
	return newError(KindShell, err.Error())
}

func classifyContainerError(err error) error {
	var ce *containers.CreateError
	if errors.As(err, &ce) {
		return newError(KindContainerCreate, ce.Error())
	}
	return newError(KindContainerCreate, err.Error())
}

// canonicalizeReason maps legacy disconnect-reason aliases spec.md §9
// mentions onto the canonical wire vocabulary of spec.md §6. Unknown
// reasons pass through unchanged so a caller's mistake surfaces
// visibly instead of being silently swallowed.
func canonicalizeReason(reason string) string {
	if canon, ok := legacyReasonAliases[reason]; ok {
		return canon
	}
	return reason
}

var legacyReasonAliases = map[string]string{
	"manual_disconnect": "user_disconnect",
}

// Disconnect reason constants, the canonical set from spec.md §6.
const (
	ReasonUserDisconnect   = "user_disconnect"
	ReasonClientDisconnect = "client_disconnect"
	ReasonStreamClosed     = "stream_closed"
	ReasonConnectionClosed = "connection_closed"
	ReasonConnectionEnded  = "connection_ended"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonInactive         = "inactive"
	ReasonForceDisconnect  = "force_disconnect"
	ReasonServerShutdown   = "server_shutdown"
	ReasonEndSession       = "end_session"
)
