package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/halcyonchat/huddle/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	ICE      ICE      `json:"ice"`
	Voice    Voice    `json:"voice"`
	Call     Call     `json:"call"`
}

type Identity struct {
	// UserID is the opaque identifier used on the wire and for offer
	// tie-breaking. Filled with a generated UUID by Ensure when empty.
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	KeyFile     string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Optional static peers to dial at startup, as full multiaddrs
	// (".../p2p/<peerID>"). Useful when mDNS discovery is unavailable.
	BootstrapPeers []string `json:"bootstrap_peers"`
}

type ICE struct {
	// Servers is the supplied STUN/TURN configuration. Provisioning
	// strategy is out of scope; whatever is listed here is handed to the
	// peer connections verbatim.
	Servers []ICEServer `json:"servers"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Voice struct {
	// SpeakingThreshold is the normalized RMS level (0..1) above which the
	// local user counts as speaking while unmuted.
	SpeakingThreshold float64 `json:"speaking_threshold"`
	// SpeakingIntervalMs is the sampling period of the speaking detector.
	SpeakingIntervalMs int `json:"speaking_interval_ms"`
}

type Call struct {
	// RingTimeoutSec bounds how long a 1:1 call may stay in calling/ringing
	// before it resolves to missed.
	RingTimeoutSec int `json:"ring_timeout_sec"`
	// DismissDelaySec is how long a declined call lingers before teardown.
	DismissDelaySec int `json:"dismiss_delay_sec"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "huddle-mdns",
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Voice: Voice{
			SpeakingThreshold:  0.04,
			SpeakingIntervalMs: 100,
		},
		Call: Call{
			RingTimeoutSec:  45,
			DismissDelaySec: 4,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// ICE
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice.servers[%d]: unsupported url %q", i, u)
			}
		}
	}

	// Voice
	if c.Voice.SpeakingThreshold <= 0 || c.Voice.SpeakingThreshold >= 1 {
		return errors.New("voice.speaking_threshold must be in (0, 1)")
	}
	if c.Voice.SpeakingIntervalMs < 20 || c.Voice.SpeakingIntervalMs > 1000 {
		return errors.New("voice.speaking_interval_ms must be 20..1000")
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be > 0")
	}
	if c.Call.DismissDelaySec < 0 {
		return errors.New("call.dismiss_delay_sec must be >= 0")
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
// A missing identity.user_id is filled with a generated UUID and written back,
// so the id stays stable across restarts. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	created := false
	var cfg Config

	if _, err := os.Stat(path); err == nil {
		cfg, err = Load(path)
		if err != nil {
			return Config{}, false, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	} else {
		cfg = Default()
		created = true
	}

	if strings.TrimSpace(cfg.Identity.UserID) == "" {
		cfg.Identity.UserID = uuid.NewString()
		created = true
	}

	if created {
		if err := Save(path, cfg); err != nil {
			return Config{}, false, fmt.Errorf("write config: %w", err)
		}
	}
	return cfg, created, nil
}
