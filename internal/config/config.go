// Package config loads process configuration from the environment.
package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the ambient and policy-constant configuration for the
// broker. Policy constants (the rate-limit and timing values) are kept
// here as a single record, passed to the session broker and supervisor
// at construction, rather than scattered as package-level constants.
type Settings struct {
	DataPath string `envconfig:"DATA_PATH" default:"/app/data"`
	HTTPAddr string `envconfig:"PORT" default:":3001"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	ContainerImage      string `envconfig:"CONTAINER_IMAGE" default:"wsshell-agent-ssh:latest"`
	ContainerStartPort  int    `envconfig:"CONTAINER_START_PORT" default:"2222"`
	ContainerServiceURL string `envconfig:"CONTAINER_SERVICE_URL" default:""`

	// InsecureAcceptHostKeys controls the SSH transport's host key
	// verification. Defaulting to true is a deliberate weakening that is
	// only acceptable for the local, broker-provisioned container use
	// case; an implementation targeting arbitrary user-supplied hosts
	// must set this to false and supply a real HostKeyCallback.
	InsecureAcceptHostKeys bool `envconfig:"INSECURE_ACCEPT_HOST_KEYS" default:"true"`

	MinConnectInterval     time.Duration `envconfig:"MIN_CONNECT_INTERVAL" default:"2s"`
	ConnectTimeout         time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	IdleTimeout            time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	HealthSweepInterval    time.Duration `envconfig:"HEALTH_SWEEP_INTERVAL" default:"1m"`
	SessionSweepInterval   time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"5m"`
	ContainerSweepInterval time.Duration `envconfig:"CONTAINER_SWEEP_INTERVAL" default:"10m"`
	StuckConnectingTimeout time.Duration `envconfig:"STUCK_CONNECTING_TIMEOUT" default:"60s"`
	ContainerReadyGrace    time.Duration `envconfig:"CONTAINER_READY_GRACE" default:"2s"`
	SSHKeepalive           time.Duration `envconfig:"SSH_KEEPALIVE" default:"30s"`
	SSHKeepaliveMaxMiss    int           `envconfig:"SSH_KEEPALIVE_MAX_MISS" default:"3"`
}

// Cfg is the process-wide loaded configuration. Populated by Load.
var Cfg Settings

// Load populates Cfg from the environment, prefixed WSSHELL_. It is
// fatal on malformed input, matching the teacher's fail-fast startup.
func Load() {
	if err := envconfig.Process("WSSHELL", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
