// Package api exposes the broker's administrative HTTP surface: container
// lifecycle endpoints backed by internal/containers, and terminal-session
// endpoints backed by internal/broker. Every response is JSON and every
// route is CORS-permissive, matching the teacher's router conventions.
package api
