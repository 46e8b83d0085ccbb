// Package portalloc hands out free TCP ports on the host and verifies
// liveness of a remote SSH listener.
//
// Allocate races are acceptable: a caller that loses the bind race after
// Allocate returns simply fails later when it tries to publish the port
// to the container runtime, and retries by calling Allocate again.
package portalloc
