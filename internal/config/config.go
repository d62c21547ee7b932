// Package config loads relay and peer settings.
//
// Every setting resolves as flag > environment (MESHROOM_*) > default.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const envPrefix = "MESHROOM_"

const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultWriteWait       = 10 * time.Second
	DefaultPongWait        = 60 * time.Second
	DefaultPingPeriod      = (DefaultPongWait * 9) / 10
	DefaultMaxMessageBytes = int64(64 * 1024)
	DefaultSendQueue       = 256

	DefaultRelayURL      = "http://localhost:8080"
	DefaultCodec         = "json"
	DefaultAnswerTimeout = 30 * time.Second
	DefaultRefresh       = 2 * time.Second

	DefaultLogFormat = "text"
	DefaultLogLevel  = "info"
)

// Lookup reads an environment variable; os.LookupEnv in production.
type Lookup func(key string) (string, bool)

// EnvName returns the environment variable bound to a flag name,
// e.g. "listen-addr" -> "MESHROOM_LISTEN_ADDR".
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// ApplyEnv sets every flag the command line left untouched from its
// environment variable, if present.
func ApplyEnv(fs *pflag.FlagSet, lookup Lookup) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := EnvName(f.Name)
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		if err := fs.Set(f.Name, strings.TrimSpace(raw)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, raw, err))
		}
	})
	return errors.Join(errs...)
}

type Logging struct {
	Format string
	Level  string
}

func (l *Logging) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&l.Format, "log-format", DefaultLogFormat, "Log format: text or json")
	fs.StringVar(&l.Level, "log-level", DefaultLogLevel, "Log level: trace, debug, info, warn, error")
}

func (l Logging) validate() error {
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (expected text or json)", l.Format)
	}
	if _, err := parseLevel(l.Level); err != nil {
		return err
	}
	return nil
}

type Relay struct {
	ListenAddr      string
	StaticDir       string
	Metrics         bool
	ShutdownTimeout time.Duration

	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageBytes int64
	SendQueue       int

	Log Logging
}

func LoadRelay(args []string) (Relay, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup Lookup, args []string) (Relay, error) {
	var cfg Relay
	fs := pflag.NewFlagSet("meshroom-server", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", DefaultListenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&cfg.StaticDir, "static-dir", "", "Directory served at / (optional)")
	fs.BoolVar(&cfg.Metrics, "metrics", true, "Expose Prometheus metrics on /metrics")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", DefaultShutdownTimeout, "Graceful shutdown timeout")
	fs.DurationVar(&cfg.WriteWait, "ws-write-wait", DefaultWriteWait, "Time allowed to write one websocket frame")
	fs.DurationVar(&cfg.PongWait, "ws-pong-wait", DefaultPongWait, "Close connections silent for this long")
	fs.DurationVar(&cfg.PingPeriod, "ws-ping-period", DefaultPingPeriod, "Ping interval (must be < --ws-pong-wait; default 9/10 of it)")
	fs.Int64Var(&cfg.MaxMessageBytes, "ws-max-message-bytes", DefaultMaxMessageBytes, "Max inbound websocket message size")
	fs.IntVar(&cfg.SendQueue, "ws-send-queue", DefaultSendQueue, "Outbound events queued per connection before it is dropped")
	cfg.Log.bindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}
	if err := ApplyEnv(fs, lookup); err != nil {
		return Relay{}, err
	}
	// ApplyEnv marks env-provided flags as changed too.
	if !fs.Lookup("ws-ping-period").Changed {
		cfg.PingPeriod = pingPeriodFor(cfg.PongWait)
	}
	if err := cfg.Validate(); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

func pingPeriodFor(pongWait time.Duration) time.Duration {
	return (pongWait * 9) / 10
}

func (c Relay) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen address must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be > 0 (got %s)", c.ShutdownTimeout)
	}
	if c.WriteWait <= 0 || c.PongWait <= 0 || c.PingPeriod <= 0 {
		return errors.New("websocket timeouts must be > 0")
	}
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("ping period %s must be < pong wait %s", c.PingPeriod, c.PongWait)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be > 0 (got %d)", c.MaxMessageBytes)
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("send queue must be > 0 (got %d)", c.SendQueue)
	}
	return c.Log.validate()
}

// Peer configures one mesh participant.
type Peer struct {
	RelayURL string
	Codec    string

	Audio bool
	Video bool

	AudioFile string
	VideoFile string

	STUNURLs      []string
	UDPPortMin    uint16
	UDPPortMax    uint16
	AnswerTimeout time.Duration

	Refresh time.Duration

	Log Logging
}

// BindFlags registers the peer settings on fs, e.g. a cobra command's
// persistent flags.
func (p *Peer) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&p.RelayURL, "relay", DefaultRelayURL, "Relay base URL (http, https, ws or wss)")
	fs.StringVar(&p.Codec, "codec", DefaultCodec, "Signaling codec: json or msgpack")
	fs.BoolVar(&p.Audio, "audio", true, "Send audio")
	fs.BoolVar(&p.Video, "video", true, "Send video")
	fs.StringVar(&p.AudioFile, "audio-file", "", "Ogg/Opus file looped as the microphone")
	fs.StringVar(&p.VideoFile, "video-file", "", "IVF/VP8 file looped as the camera")
	fs.StringSliceVar(&p.STUNURLs, "stun", nil, "STUN server URLs")
	fs.Uint16Var(&p.UDPPortMin, "udp-port-min", 0, "Lowest UDP port for ICE (0 = any)")
	fs.Uint16Var(&p.UDPPortMax, "udp-port-max", 0, "Highest UDP port for ICE (0 = any)")
	fs.DurationVar(&p.AnswerTimeout, "answer-timeout", DefaultAnswerTimeout, "How long an outgoing call waits for an answer")
	fs.DurationVar(&p.Refresh, "refresh", DefaultRefresh, "Link table refresh interval")
	p.Log.bindFlags(fs)
}

func (p Peer) Validate() error {
	if _, err := p.WebSocketURL(); err != nil {
		return err
	}
	switch p.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("invalid codec %q (expected json or msgpack)", p.Codec)
	}
	if (p.UDPPortMin == 0) != (p.UDPPortMax == 0) {
		return errors.New("udp-port-min and udp-port-max must be set together")
	}
	if p.UDPPortMin > p.UDPPortMax {
		return fmt.Errorf("udp port range %d-%d is empty", p.UDPPortMin, p.UDPPortMax)
	}
	if p.AnswerTimeout <= 0 {
		return fmt.Errorf("answer timeout must be > 0 (got %s)", p.AnswerTimeout)
	}
	if p.Refresh <= 0 {
		return fmt.Errorf("refresh must be > 0 (got %s)", p.Refresh)
	}
	for _, u := range p.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("invalid STUN url %q", u)
		}
	}
	return p.Log.validate()
}

// WebSocketURL derives the relay's websocket endpoint from RelayURL.
func (p Peer) WebSocketURL() (string, error) {
	u, err := p.baseURL()
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// HTTPURL joins path onto the relay's HTTP base URL.
func (p Peer) HTTPURL(path string) (string, error) {
	u, err := p.baseURL()
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func (p Peer) baseURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(p.RelayURL))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", p.RelayURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid relay url %q (scheme must be http, https, ws or wss)", p.RelayURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid relay url %q (missing host)", p.RelayURL)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func (p Peer) ICEServers() []webrtc.ICEServer {
	if len(p.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: p.STUNURLs}}
}
