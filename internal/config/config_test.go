package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "medimesh.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
name: livingroom
key_dir: /var/lib/medimesh/keys
media_root: /srv/media
listen_addr: ":7500"
parents:
  - addr: attic.local:7450
allowed_children:
  - name: bedroom
    pub: 9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60
  - name: garage
federate_types:
  - video/
  - audio/
stream_timeout: 5s
scan_interval: 10s
ignore_patterns:
  - "*.part"
users:
  - name: admin
    password_hash: "$2a$10$abcdefghijklmnopqrstuv"
    admin: true
jwt_secret: sekrit
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "livingroom" || cfg.ListenAddr != ":7500" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Parents) != 1 || cfg.Parents[0].Addr != "attic.local:7450" {
		t.Fatalf("parents = %+v", cfg.Parents)
	}
	if cfg.StreamTimeout != 5*time.Second || cfg.ScanInterval != 10*time.Second {
		t.Fatalf("durations = %v/%v", cfg.StreamTimeout, cfg.ScanInterval)
	}
	if len(cfg.AllowedChildren) != 2 || cfg.AllowedChildren[0].Pub == "" || cfg.AllowedChildren[1].Name != "garage" {
		t.Fatalf("allowed_children = %+v", cfg.AllowedChildren)
	}
	// Unset fields keep their defaults.
	if cfg.HTTPAddr == "" || cfg.MetricsAddr == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing name", "media_root: /srv\nkey_dir: /k\n", "name is required"},
		{"missing media root", "name: x\nkey_dir: /k\n", "media_root is required"},
		{"missing key dir", "name: x\nmedia_root: /srv\n", "key_dir is required"},
		{"empty parent addr", "name: x\nmedia_root: /srv\nkey_dir: /k\nparents:\n  - addr: \"\"\n", "addr is required"},
		{"user without hash", "name: x\nmedia_root: /srv\nkey_dir: /k\nusers:\n  - name: a\n", "password_hash"},
		{"child without name", "name: x\nmedia_root: /srv\nkey_dir: /k\nallowed_children:\n  - pub: aa\n", "allowed_children[0]: name"},
		{"child with bad pub", "name: x\nmedia_root: /srv\nkey_dir: /k\nallowed_children:\n  - name: a\n    pub: nothex\n", "hex Ed25519"},
		{"users without secret", "name: x\nmedia_root: /srv\nkey_dir: /k\nusers:\n  - name: a\n    password_hash: h\n", "jwt_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestChildAllowed(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	c := &Config{}
	if !c.ChildAllowed("anyone", pub) {
		t.Fatal("empty allowlist must admit all")
	}

	c.AllowedChildren = []AllowedChild{
		{Name: "bedroom", Pub: hex.EncodeToString(pub)},
		{Name: "garage"},
	}
	if !c.ChildAllowed("garage", pub) {
		t.Fatal("listed child without pin rejected")
	}
	if c.ChildAllowed("stranger", pub) {
		t.Fatal("unlisted child admitted")
	}
	if !c.ChildAllowed("bedroom", pub) {
		t.Fatal("pinned key rejected")
	}

	// The allowed name alone is not enough once a key is pinned.
	other, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.ChildAllowed("bedroom", other) {
		t.Fatal("wrong key admitted under pinned name")
	}
}
