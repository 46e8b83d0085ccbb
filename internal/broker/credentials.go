package broker

import (
	"fmt"
	"strings"

	"github.com/wsshell/wsshell/internal/sshshell"
)

// Credentials is the structural tagged union spec.md's C6 boundary
// validates: either a password or a private key (with an optional
// passphrase), never both.
type Credentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

// Validate enforces spec.md §3's structural rules: port in range, every
// string field non-empty after trim, and exactly one of Password or
// PrivateKey present.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("missing host")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("missing username")
	}
	hasPassword := strings.TrimSpace(c.Password) != ""
	hasKey := strings.TrimSpace(c.PrivateKey) != ""
	switch {
	case hasPassword && hasKey:
		return fmt.Errorf("exactly one of password or private key is allowed, not both")
	case !hasPassword && !hasKey:
		return fmt.Errorf("missing password or private key")
	}
	return nil
}

func (c Credentials) toSSHShell() sshshell.Credentials {
	return sshshell.Credentials{
		Host:       c.Host,
		Port:       c.Port,
		Username:   c.Username,
		Password:   c.Password,
		PrivateKey: []byte(c.PrivateKey),
		Passphrase: c.Passphrase,
	}
}
