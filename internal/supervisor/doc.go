// Package supervisor schedules the broker's periodic maintenance sweeps
// and owns the process's shutdown sequence, mirroring the ticker
// goroutine and shutdown block the teacher's main.go inlines directly.
package supervisor
