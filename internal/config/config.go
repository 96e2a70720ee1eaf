package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/orbitmeet/orbit/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Paths     Paths     `json:"paths"`
	Presence  Presence  `json:"presence"`
	Mesh      Mesh      `json:"mesh"`
	Transport Transport `json:"transport"`
	Media     Media     `json:"media"`
}

type Identity struct {
	// DisplayName is the name shown to other participants.
	DisplayName string `json:"display_name"`

	// Salt keeps two installs with the same display name apart. Generated
	// on first run.
	Salt string `json:"salt"`
}

type Paths struct {
	// DataDir holds the local replica database.
	DataDir string `json:"data_dir"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`
	LivenessSec  int `json:"liveness_seconds"`
}

type Mesh struct {
	// ConnectTimeoutSec bounds how long a peer link may sit in connecting
	// before it is torn down and retried.
	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	MaxAttempts       int `json:"max_attempts"`

	// STUNServers overrides the default ICE server list when non-empty.
	STUNServers []string `json:"stun_servers"`
}

type Transport struct {
	// Backend selects how rooms replicate: "pubsub" (libp2p gossip) or
	// "relay" (websocket bridge to a central relay).
	Backend string `json:"backend"`

	// ListenPort for the libp2p host. 0 picks a random port.
	ListenPort int `json:"listen_port"`

	MdnsTag string `json:"mdns_tag"`

	// RelayURL is the websocket relay base, e.g. ws://relay.example.org:8790.
	// Required when backend is "relay".
	RelayURL string `json:"relay_url"`
}

type Media struct {
	// Disabled skips camera/microphone acquisition entirely; the client
	// joins receive-only.
	Disabled bool `json:"disabled"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "guest",
		},
		Paths: Paths{
			DataDir: "data",
		},
		Presence: Presence{
			HeartbeatSec: 4,
			LivenessSec:  40,
		},
		Mesh: Mesh{
			ConnectTimeoutSec: 15,
			MaxAttempts:       3,
		},
		Transport: Transport{
			Backend:    "pubsub",
			ListenPort: 0,
			MdnsTag:    "orbit-mdns",
		},
		Media: Media{
			Disabled: false,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.LivenessSec <= 0 {
		return errors.New("presence.liveness_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.LivenessSec {
		return errors.New("presence.heartbeat_seconds must be < presence.liveness_seconds")
	}

	if c.Mesh.ConnectTimeoutSec <= 0 {
		return errors.New("mesh.connect_timeout_sec must be > 0")
	}
	if c.Mesh.MaxAttempts <= 0 {
		return errors.New("mesh.max_attempts must be > 0")
	}

	switch c.Transport.Backend {
	case "pubsub":
		if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
			return errors.New("transport.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Transport.MdnsTag) == "" {
			return errors.New("transport.mdns_tag is required")
		}
	case "relay":
		rw := strings.TrimSpace(c.Transport.RelayURL)
		if rw == "" {
			return errors.New("transport.relay_url is required when backend is relay")
		}
		u, err := url.Parse(rw)
		if err != nil {
			return fmt.Errorf("transport.relay_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("transport.relay_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("transport.relay_url is missing a host")
		}
	default:
		return fmt.Errorf("transport.backend must be pubsub or relay, got %q", c.Transport.Backend)
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
