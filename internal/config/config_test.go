package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func env(m map[string]string) Lookup {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadRelay_Defaults(t *testing.T) {
	cfg, err := loadRelay(env(nil), nil)
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.PingPeriod != 54*time.Second || cfg.PongWait != 60*time.Second || cfg.WriteWait != 10*time.Second {
		t.Fatalf("unexpected websocket timings: %+v", cfg)
	}
	if cfg.MaxMessageBytes != 64*1024 {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, 64*1024)
	}
	if !cfg.Metrics {
		t.Fatalf("metrics should be on by default")
	}
}

func TestLoadRelay_FlagOverridesEnv(t *testing.T) {
	lookup := env(map[string]string{
		"MESHROOM_LISTEN_ADDR": ":9000",
		"MESHROOM_LOG_LEVEL":   "debug",
	})
	cfg, err := loadRelay(lookup, []string{"--listen-addr", ":7000"})
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level=%q, want env value", cfg.Log.Level)
	}
}

func TestLoadRelay_InvalidEnv(t *testing.T) {
	_, err := loadRelay(env(map[string]string{"MESHROOM_WS_SEND_QUEUE": "lots"}), nil)
	if err == nil || !strings.Contains(err.Error(), "MESHROOM_WS_SEND_QUEUE") {
		t.Fatalf("expected error naming the env var, got %v", err)
	}
}

func TestLoadRelay_Validation(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"ping not below pong", []string{"--ws-ping-period", "60s", "--ws-pong-wait", "60s"}},
		{"bad log format", []string{"--log-format", "xml"}},
		{"bad log level", []string{"--log-level", "loud"}},
		{"zero queue", []string{"--ws-send-queue", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadRelay(env(nil), tc.args); err == nil {
				t.Fatalf("expected error for %v", tc.args)
			}
		})
	}
}

func TestLoadRelay_PingPeriodFollowsPongWait(t *testing.T) {
	cfg, err := loadRelay(env(nil), []string{"--ws-pong-wait", "30s"})
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.PingPeriod != 27*time.Second {
		t.Fatalf("PingPeriod=%s, want 27s", cfg.PingPeriod)
	}

	cfg, err = loadRelay(env(map[string]string{"MESHROOM_WS_PONG_WAIT": "20s"}), nil)
	if err != nil {
		t.Fatalf("loadRelay with env: %v", err)
	}
	if cfg.PingPeriod != 18*time.Second {
		t.Fatalf("PingPeriod=%s, want 18s", cfg.PingPeriod)
	}

	cfg, err = loadRelay(env(nil), []string{"--ws-pong-wait", "30s", "--ws-ping-period", "10s"})
	if err != nil {
		t.Fatalf("loadRelay with explicit ping: %v", err)
	}
	if cfg.PingPeriod != 10*time.Second {
		t.Fatalf("explicit PingPeriod=%s, want 10s", cfg.PingPeriod)
	}
}

func TestPeer_URLs(t *testing.T) {
	cases := []struct {
		relay  string
		wantWS string
		wantHT string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", "http://localhost:8080/rooms"},
		{"https://example.com/mesh/", "wss://example.com/mesh/ws", "https://example.com/mesh/rooms"},
		{"ws://10.0.0.1:80", "ws://10.0.0.1:80/ws", "http://10.0.0.1:80/rooms"},
	}
	for _, tc := range cases {
		p := Peer{RelayURL: tc.relay}
		ws, err := p.WebSocketURL()
		if err != nil {
			t.Fatalf("WebSocketURL(%q): %v", tc.relay, err)
		}
		if ws != tc.wantWS {
			t.Fatalf("WebSocketURL(%q)=%q, want %q", tc.relay, ws, tc.wantWS)
		}
		ht, err := p.HTTPURL("/rooms")
		if err != nil {
			t.Fatalf("HTTPURL(%q): %v", tc.relay, err)
		}
		if ht != tc.wantHT {
			t.Fatalf("HTTPURL(%q)=%q, want %q", tc.relay, ht, tc.wantHT)
		}
	}

	if _, err := (Peer{RelayURL: "ftp://x"}).WebSocketURL(); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestPeer_BindFlagsAndEnv(t *testing.T) {
	var p Peer
	fs := pflag.NewFlagSet("join", pflag.ContinueOnError)
	p.BindFlags(fs)
	if err := fs.Parse([]string{"--video=false", "--codec", "msgpack"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	lookup := env(map[string]string{
		"MESHROOM_CODEC": "json",
		"MESHROOM_STUN":  "stun:stun.example.com:3478",
		"MESHROOM_AUDIO": "false",
	})
	if err := ApplyEnv(fs, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if p.Codec != "msgpack" {
		t.Fatalf("Codec=%q, flag should win over env", p.Codec)
	}
	if p.Video || p.Audio {
		t.Fatalf("Audio=%v Video=%v, want both off", p.Audio, p.Video)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	servers := p.ICEServers()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ICEServers=%+v", servers)
	}
}

func TestPeer_ValidatePortRange(t *testing.T) {
	var p Peer
	fs := pflag.NewFlagSet("join", pflag.ContinueOnError)
	p.BindFlags(fs)
	if err := fs.Parse([]string{"--udp-port-min", "5000"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for half-set port range")
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	l, err := NewLogger(Logging{Format: "json", Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Info().Msg("hidden")
	l.Warn().Str("room_id", "r1").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"room_id":"r1"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Fatalf("unexpected output: %s", out)
	}

	if _, err := NewLogger(Logging{Format: "yaml", Level: "info"}, &buf); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
