// Package containers builds the SSH-serving container image lazily and
// manages the lifecycle of the containers the broker provisions for
// interactive sessions.
//
// [Manager] owns a single mutex guarding its container-record map and
// the process-wide image-built flag. No lock is held across a call into
// [procrun]: operations copy what they need, release the lock, invoke
// the runtime CLI, then reacquire the lock to commit the outcome. This
// avoids deadlocking when the supervisor's idle sweep calls Stop while
// Create is mid-flight on another container.
//
// # Log Prefixes
//
// Container lifecycle events are logged at the [containers] prefix.
package containers
