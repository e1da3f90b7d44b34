// Package config loads node configuration from a YAML file.
package config

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values. See [Config] for field descriptions.
const (
	DefaultListenAddr    = ":7450"
	DefaultHTTPAddr      = ":8080"
	DefaultMetricsAddr   = ":9090"
	DefaultScanInterval  = 30 * time.Second
	DefaultStreamTimeout = 15 * time.Second
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
)

// User is one HTTP account. PasswordHash is a bcrypt hash.
type User struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
	Admin        bool   `yaml:"admin"`
}

// Parent is an upstream node this node announces its tree to.
type Parent struct {
	Addr string `yaml:"addr"`
}

// AllowedChild names a child node admitted by the listener. Pub, when
// set, is the hex Ed25519 public key the child must prove during the
// handshake; without it any key presented under the name passes. Pin
// keys whenever the child's identity matters.
type AllowedChild struct {
	Name string `yaml:"name"`
	Pub  string `yaml:"pub"`
}

// Config holds all node configuration.
type Config struct {
	// Node identity. Name is the federation key under which this
	// node's subtree is mounted in its parents.
	Name   string `yaml:"name"`
	KeyDir string `yaml:"key_dir"`

	// Network
	ListenAddr  string `yaml:"listen_addr"`  // federation protocol
	HTTPAddr    string `yaml:"http_addr"`    // file serving API
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus

	// Federation
	Parents           []Parent       `yaml:"parents"`
	AllowedChildren   []AllowedChild `yaml:"allowed_children"` // empty = any authenticated child
	FederateTypes     []string       `yaml:"federate_types"`   // media type prefixes announced upward; empty = all
	PreserveEmptyDirs bool           `yaml:"preserve_empty_dirs"`
	CaseSensitive     bool           `yaml:"case_sensitive"`

	StreamTimeout time.Duration `yaml:"stream_timeout"`

	// Local library
	MediaRoot      string        `yaml:"media_root"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
	ScanInterval   time.Duration `yaml:"scan_interval"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`
	Users     []User `yaml:"users"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr:    DefaultListenAddr,
		HTTPAddr:      DefaultHTTPAddr,
		MetricsAddr:   DefaultMetricsAddr,
		ScanInterval:  DefaultScanInterval,
		StreamTimeout: DefaultStreamTimeout,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.MediaRoot == "" {
		return fmt.Errorf("media_root is required")
	}
	if c.KeyDir == "" {
		return fmt.Errorf("key_dir is required")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive")
	}
	if c.StreamTimeout <= 0 {
		return fmt.Errorf("stream_timeout must be positive")
	}
	for i, p := range c.Parents {
		if p.Addr == "" {
			return fmt.Errorf("parents[%d]: addr is required", i)
		}
	}
	for i, a := range c.AllowedChildren {
		if a.Name == "" {
			return fmt.Errorf("allowed_children[%d]: name is required", i)
		}
		if a.Pub != "" {
			pub, err := hex.DecodeString(a.Pub)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return fmt.Errorf("allowed_children[%d]: pub is not a hex Ed25519 public key", i)
			}
		}
	}
	for i, u := range c.Users {
		if u.Name == "" || u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: name and password_hash are required", i)
		}
	}
	if len(c.Users) > 0 && c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required when users are configured")
	}
	return nil
}

// ChildAllowed reports whether a child may connect, given its name and
// the Ed25519 public key it authenticated with. An empty allowlist
// admits any child that passes the handshake. An entry with a pinned
// key admits only that key, so a stranger cannot mount a forged
// subtree under an allowed name with a self-generated keypair.
func (c *Config) ChildAllowed(name string, pub []byte) bool {
	if len(c.AllowedChildren) == 0 {
		return true
	}
	for _, a := range c.AllowedChildren {
		if a.Name != name {
			continue
		}
		if a.Pub == "" {
			return true
		}
		pinned, err := hex.DecodeString(a.Pub)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(pinned, pub) == 1
	}
	return false
}
