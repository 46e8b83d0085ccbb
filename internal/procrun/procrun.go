package procrun

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
)

// Result is the outcome of a completed subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a subprocess that exited non-zero. The stderr tail
// is carried so callers can surface a useful message without re-reading
// the process output.
type ExitError struct {
	Name       string
	Args       []string
	ExitCode   int
	StderrTail string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s %s: exit %d: %s", e.Name, strings.Join(e.Args, " "), e.ExitCode, e.StderrTail)
}

// stderrTailLines bounds how much stderr an ExitError carries.
const stderrTailLines = 20

// Run executes name with args, fully draining stdout and stderr before
// returning. A non-zero exit surfaces as an *ExitError wrapping the
// stderr tail; Result is still returned so callers that want the full
// output on failure (e.g. for diagnostics) can inspect it.
func Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			log.Printf("[procrun] %s %s failed: exit %d: %s", name, strings.Join(args, " "), res.ExitCode, tail(res.Stderr, stderrTailLines))
			return res, &ExitError{Name: name, Args: args, ExitCode: res.ExitCode, StderrTail: tail(res.Stderr, stderrTailLines)}
		}
		return res, fmt.Errorf("run %s: %w", name, err)
	}
	return res, nil
}

// Stream executes name with args, invoking onLine for every line written
// to stdout or stderr as it arrives, and resolves with the exit status
// once the process exits and both pipes are drained.
func Stream(ctx context.Context, name string, args []string, onLine func(line string, isStderr bool)) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe for %s: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", name, err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	done := make(chan struct{}, 2)

	drain := func(r io.Reader, buf *strings.Builder, isStderr bool) {
		defer func() { done <- struct{}{} }()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			buf.WriteString(line)
			buf.WriteByte('\n')
			if onLine != nil {
				onLine(line, isStderr)
			}
		}
	}

	go drain(stdoutPipe, &stdoutBuf, false)
	go drain(stderrPipe, &stderrBuf, true)
	<-done
	<-done

	waitErr := cmd.Wait()
	res := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			log.Printf("[procrun] %s %s failed: exit %d: %s", name, strings.Join(args, " "), res.ExitCode, tail(res.Stderr, stderrTailLines))
			return res, &ExitError{Name: name, Args: args, ExitCode: res.ExitCode, StderrTail: tail(res.Stderr, stderrTailLines)}
		}
		return res, fmt.Errorf("run %s: %w", name, waitErr)
	}
	return res, nil
}

// tail returns at most n trailing lines of s.
func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
