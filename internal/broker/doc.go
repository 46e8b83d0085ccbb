// Package broker implements the session state machine (spec.md's C6):
// it ties one wschannel.Channel to a container and an SSH shell,
// enforcing the connect rate limit, the 30s connect timeout, and the
// idle/disconnect/end-session lifecycle.
//
// Each Session owns a mutex guarding its own fields; the Broker's map
// of sessions has a separate mutex guarding only membership. No lock is
// held across a call into containers or sshshell: a session's
// state-mutating operations copy what they need, release the session
// lock, perform the suspending call, then reacquire the lock to commit
// — the same discipline internal/containers uses around procrun.
package broker
