package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.PingPeriod != 54*time.Second || cfg.RateWindow != time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SendQueue != 64 || cfg.RateLimit != 200 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "mode: debug\nport: 9000\nrate_limit: 5\n"
	if err := os.WriteFile(filepath.Join("config", "config.test.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICEMESH_PORT", "9100")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "debug" || cfg.RateLimit != 5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env override not applied: port = %d", cfg.Port)
	}
}

func TestLoadPeer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.yaml")
	yaml := `
signal_url: wss://hub.example.org/api/ws/signal
room: standup
display_name: Ann
codec: msgpack
broadcast_on_join: true
ice:
  stun_urls: ["stun:stun.example.org:3478"]
  turn_urls: ["turn:turn.example.org:3478"]
  turn_username: ann
  turn_credential: secret
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadPeer(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Room != "standup" || cfg.Codec != "msgpack" || !cfg.BroadcastOnJoin {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.ICE.TURNURLs) != 1 || cfg.ICE.TURNUsername != "ann" {
		t.Fatalf("ice = %+v", cfg.ICE)
	}
	if cfg.LevelInterval != 50*time.Millisecond || cfg.CandidateCap != 64 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestPeerConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PeerConfig
		ok   bool
	}{
		{"valid", PeerConfig{SignalURL: "ws://localhost:8080/api/ws/signal", Room: "main"}, true},
		{"http scheme", PeerConfig{SignalURL: "http://localhost", Room: "main"}, false},
		{"no room", PeerConfig{SignalURL: "ws://localhost"}, false},
		{"relay without turn", PeerConfig{SignalURL: "ws://localhost", Room: "main", ICE: ICEConfig{RelayOnly: true}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Fatal(err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidPeerConfig) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}
