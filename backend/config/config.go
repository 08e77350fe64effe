package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

var (
	ErrEnv   = errors.New("invalid environment variable")
	ErrFlags = errors.New("failed to parse command line arguments")
)

type Config struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      string
	LogFormat     string

	RoomGracePeriod time.Duration
	RoomIdleTTL     time.Duration
	ConnIdleTTL     time.Duration
	SweepInterval   time.Duration

	ICEServers []string
	ChatRate   float64
	ChatBurst  int
}

// envReader collects every malformed variable instead of failing on the first one.
type envReader struct {
	errs []error
}

func (e *envReader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *envReader) float(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *envReader) integer(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return i
}

func (e *envReader) list(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Load reads an optional .env file and then parses args. Flags take
// precedence over environment variables, which take precedence over defaults.
func Load(args []string, envFiles ...string) (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load(envFiles...)

	env := &envReader{}
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	cfg := &Config{}
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a",
		env.str("API_LISTEN_ADDR", ":8080"), "room admission api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w",
		env.str("WS_LISTEN_ADDR", ":8888"), "websocket signaling listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l",
		env.str("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format",
		env.str("LOG_FORMAT", "json"), "log format: json or console")
	fs.DurationVar(&cfg.RoomGracePeriod, "room-grace-period",
		env.duration("ROOM_GRACE_PERIOD", 30*time.Second), "how long an empty room waits for members before deletion")
	fs.DurationVar(&cfg.RoomIdleTTL, "room-idle-ttl",
		env.duration("ROOM_IDLE_TTL", time.Hour), "inactivity after which an empty room is swept")
	fs.DurationVar(&cfg.ConnIdleTTL, "conn-idle-ttl",
		env.duration("CONN_IDLE_TTL", 5*time.Minute), "inactivity after which a connection record is swept")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval",
		env.duration("SWEEP_INTERVAL", time.Minute), "period of the cleanup sweep")
	fs.StringSliceVar(&cfg.ICEServers, "ice-servers",
		env.list("ICE_SERVERS", nil), "STUN/TURN urls advertised to clients")
	fs.Float64Var(&cfg.ChatRate, "chat-rate",
		env.float("CHAT_RATE", 5), "chat messages per second allowed per connection")
	fs.IntVar(&cfg.ChatBurst, "chat-burst",
		env.integer("CHAT_BURST", 10), "chat message burst allowed per connection")

	if len(env.errs) > 0 {
		return nil, errors.Join(ErrEnv, errors.Join(env.errs...))
	}
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrFlags, err)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return nil, errors.Join(ErrFlags, fmt.Errorf("unknown log format %q", cfg.LogFormat))
	}
	return cfg, nil
}
