// Package logging configures dual stdout+file logging for the broker
// process and hands out session- and container-tagged loggers so a
// tailed log can be grepped down to one conversation.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wsshell/wsshell/internal/config"
)

var (
	logFile *os.File
	output  io.Writer = os.Stdout
	mu      sync.Mutex
)

// Init sets up dual logging to stdout and a log file.
// Must be called after config.Load().
func Init() {
	path := resolvePath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	mu.Lock()
	logFile = f
	output = io.MultiWriter(os.Stdout, logFile)
	mu.Unlock()

	log.SetOutput(output)
	log.Printf("Logging to file: %s", path)
}

// resolvePath returns the configured log file path. Settings.LogPath
// wins if set; otherwise the log lives alongside every other piece of
// broker-owned state under Settings.DataPath, rather than a bare
// hardcoded path unrelated to where containers and port allocations
// keep their own on-disk state.
func resolvePath() string {
	if config.Cfg.LogPath != "" {
		return config.Cfg.LogPath
	}
	dataPath := config.Cfg.DataPath
	if dataPath == "" {
		dataPath = "/app/data"
	}
	return filepath.Join(dataPath, "wsshell.log")
}

func currentOutput() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return output
}

// SessionLogger returns a *log.Logger whose every line is prefixed with
// the session ID, so an operator tailing the log can grep down to one
// browser connection's lifecycle (connect, container creation,
// disconnects, resume) without cross-talk from other sessions.
func SessionLogger(sessionID string) *log.Logger {
	return log.New(currentOutput(), fmt.Sprintf("[session %s] ", sessionID), log.LstdFlags)
}

// ContainerLogger returns a *log.Logger prefixed with the container ID,
// for the container manager's create/stop/reap lifecycle events.
func ContainerLogger(containerID string) *log.Logger {
	return log.New(currentOutput(), fmt.Sprintf("[container %s] ", containerID), log.LstdFlags)
}

// ReadTail returns the last n lines from the log file, for the admin
// surface's log-tail endpoint.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	path := resolvePath()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	// Increase buffer for potentially long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file, for the admin surface's log-clear
// endpoint.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	// Truncate the active log file
	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}

	// Fallback: truncate by path
	return os.Truncate(resolvePath(), 0)
}
