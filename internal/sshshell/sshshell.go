package sshshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Credentials identifies the target host and how to authenticate against
// it. Exactly one of Password or PrivateKey is expected to be set; Open
// does not itself enforce this — structural validation of the tagged
// union happens at the broker boundary, per spec.md's C6 contract.
type Credentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte
	Passphrase string
}

func (c Credentials) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// PTYSize is the terminal geometry requested when a shell channel opens
// and on every subsequent resize.
type PTYSize struct {
	Cols, Rows             uint16
	PixelWidth, PixelHeight int
}

// DefaultPTY is the initial geometry every new shell channel requests.
var DefaultPTY = PTYSize{Cols: 80, Rows: 24, PixelWidth: 640, PixelHeight: 480}

// initialModes is the fixed terminal modes map sent with every PTY
// request. The opcode/value pairs are reproduced verbatim from the
// upstream terminal profile this broker emulates; they are not the
// named mode constants golang.org/x/crypto/ssh exports under the same
// numbers, so the map is built from raw opcodes rather than symbols.
var initialModes = ssh.TerminalModes{
	1: 0, 2: 0, 3: 0, 4: 0, 5: 0, 6: 0, 7: 0, 8: 0, 9: 0, 10: 1, 11: 0,
	30: 0, 31: 1, 32: 0, 33: 1, 34: 1, 35: 0, 36: 1, 37: 0, 38: 1, 39: 0, 40: 1, 41: 0,
	50: 1, 51: 1, 52: 0, 53: 1, 54: 1, 55: 1, 56: 1, 57: 0, 58: 1, 59: 1, 60: 1, 61: 1, 62: 1,
	70: 1, 71: 0, 72: 1, 73: 0, 74: 0, 75: 0,
	90: 19200, 91: 19200,
}

// Kind classifies a failure for the broker's error taxonomy.
type Kind string

const (
	KindRefused     Kind = "NetworkRefused"
	KindUnreachable Kind = "NetworkUnreachable"
	KindTimeout     Kind = "Timeout"
	KindAuth        Kind = "Auth"
	KindProtocol    Kind = "Protocol"
	KindShell       Kind = "Shell"
	KindStream      Kind = "Stream"
)

// Error wraps a failure with the Kind the broker needs to pick a
// client-facing message.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func classify(stage Kind, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "timed out"):
		return &Error{Kind: KindTimeout, Err: err}
	case strings.Contains(msg, "connection refused"):
		return &Error{Kind: KindRefused, Err: err}
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "no such host"), strings.Contains(msg, "network is unreachable"):
		return &Error{Kind: KindUnreachable, Err: err}
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "permission denied"):
		return &Error{Kind: KindAuth, Err: err}
	case strings.Contains(msg, "ssh: "):
		return &Error{Kind: KindProtocol, Err: err}
	default:
		return &Error{Kind: stage, Err: err}
	}
}

// Callbacks are fixed at Open time. OnOutput is invoked for every chunk
// read from the shell's stdout. OnClose fires exactly once, whether the
// shell ended cleanly or Close was called locally; code and signal come
// from the remote exit-status when known. OnError fires at most once,
// before OnClose, if the teardown was caused by a classified failure
// (keepalive miss, read error, write error) rather than a clean close.
// All three may be nil.
type Callbacks struct {
	OnOutput func([]byte)
	OnClose  func(code int, signal string)
	OnError  func(err error)
}

// Options carries the policy constants spec.md assigns to C4.
type Options struct {
	ConnectTimeout         time.Duration
	Keepalive              time.Duration
	KeepaliveMaxMiss       int
	InsecureAcceptHostKeys bool
	HostKeyCallback        ssh.HostKeyCallback
}

// DefaultOptions matches spec.md's §9 policy defaults for the local,
// broker-provisioned container use case.
var DefaultOptions = Options{
	ConnectTimeout:         30 * time.Second,
	Keepalive:              30 * time.Second,
	KeepaliveMaxMiss:       3,
	InsecureAcceptHostKeys: true,
}

// Shell is one PTY-backed shell channel on one SSH connection. A Shell
// owns both: Close tears down the shell channel and the underlying
// transport together, since the broker never keeps a bare connection
// without a shell attached to it.
type Shell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	cb Callbacks

	keepaliveCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Open dials host:port, authenticates with creds, requests a PTY with
// pty geometry and the fixed initial modes map, and starts an
// interactive shell. It returns once the shell has started; output
// begins flowing to cb.OnOutput immediately afterward. A keepalive
// loop runs for the life of the connection and tears the shell down
// after opts.KeepaliveMaxMiss consecutive failed keepalive requests.
func Open(ctx context.Context, creds Credentials, pty PTYSize, opts Options, cb Callbacks) (*Shell, error) {
	authMethod, err := authMethodFor(creds)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Err: err}
	}

	hostKeyCallback := opts.HostKeyCallback
	if hostKeyCallback == nil {
		if !opts.InsecureAcceptHostKeys {
			return nil, &Error{Kind: KindProtocol, Err: errors.New("no host key callback configured and insecure accept disabled")}
		}
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.ConnectTimeout,
	}

	addr := creds.addr()
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(KindRefused, fmt.Errorf("dial %s: %w", addr, err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, classify(KindAuth, fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, classify(KindShell, fmt.Errorf("open session: %w", err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, classify(KindShell, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, classify(KindShell, fmt.Errorf("stdout pipe: %w", err))
	}

	if err := session.RequestPty("xterm-256color", int(pty.Rows), int(pty.Cols), initialModes); err != nil {
		session.Close()
		client.Close()
		return nil, classify(KindShell, fmt.Errorf("request pty: %w", err))
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, classify(KindShell, fmt.Errorf("start shell: %w", err))
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())

	s := &Shell{
		client:          client,
		session:         session,
		stdin:           stdin,
		cb:              cb,
		keepaliveCancel: keepCancel,
	}

	go s.relayOutput(stdout)
	go s.keepalive(keepCtx, opts.Keepalive, opts.KeepaliveMaxMiss)

	return s, nil
}

func authMethodFor(creds Credentials) (ssh.AuthMethod, error) {
	if len(creds.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(creds.PrivateKey, []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(creds.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return ssh.Password(creds.Password), nil
}

// relayOutput drains the shell's stdout and hands every chunk to
// cb.OnOutput until the pipe closes, then resolves the session's exit
// status and fires OnClose.
func (s *Shell) relayOutput(stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && s.cb.OnOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.cb.OnOutput(chunk)
		}
		if err != nil {
			break
		}
	}

	waitErr := s.session.Wait()
	code, signal := 0, ""
	if waitErr != nil {
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			code = exitErr.ExitStatus()
			signal = string(exitErr.Signal())
		} else if !s.isClosedLocally() {
			if s.cb.OnError != nil {
				s.cb.OnError(classify(KindStream, waitErr))
			}
			code = -1
		}
	}

	s.Close()
	if s.cb.OnClose != nil {
		s.cb.OnClose(code, signal)
	}
}

func (s *Shell) isClosedLocally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// keepalive sends an SSH global request every interval and tears the
// shell down after maxMiss consecutive failures, per spec.md's C4
// reliability contract.
func (s *Shell) keepalive(ctx context.Context, interval time.Duration, maxMiss int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				misses++
				log.Printf("[sshshell] keepalive miss %d/%d: %v", misses, maxMiss, err)
				if misses >= maxMiss {
					if s.cb.OnError != nil {
						s.cb.OnError(classify(KindStream, fmt.Errorf("keepalive: %d consecutive misses: %w", misses, err)))
					}
					s.Close()
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// Write sends bytes to the shell's stdin. Writes after Close are
// silently dropped, per spec.md's C4 close semantics.
func (s *Shell) Write(b []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil
	}
	s.mu.Unlock()

	n, err := s.stdin.Write(b)
	if err != nil {
		return n, classify(KindStream, err)
	}
	return n, nil
}

// Resize requests a new PTY window size. pxWidth/pxHeight are accepted
// for interface parity with spec.md's resize operation but dropped:
// golang.org/x/crypto/ssh's WindowChange does not carry pixel
// dimensions over the wire.
func (s *Shell) Resize(cols, rows uint16, pxWidth, pxHeight int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.session.WindowChange(int(rows), int(cols)); err != nil {
		return classify(KindStream, err)
	}
	return nil
}

// Close is idempotent: it stops the keepalive loop, closes the shell
// channel, then the underlying transport. Further Writes are dropped
// and no further callbacks fire.
func (s *Shell) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.keepaliveCancel()
	s.session.Close()
	return s.client.Close()
}
