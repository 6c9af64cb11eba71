// Package config builds the immutable process configuration from command line
// flags and the environment. An optional .env file is loaded first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	StorageBadger = "badger"
	StorageMemory = "memory"
)

var (
	ErrConfig = errors.New("invalid configuration")
)

// environment holds the settings that come from env vars only.
type environment struct {
	SecretKey                string `env:"SECRET_KEY,required=true"`
	Algorithm                string `env:"ALGORITHM,default=HS256"`
	AccessTokenExpireMinutes int    `env:"ACCESS_TOKEN_EXPIRE_MINUTES,default=30"`
	FrontendURL              string `env:"FRONTEND_URL,default=*"`
	BadgerPath               string `env:"BADGER_PATH,default=./data"`
}

type Config struct {
	APIListenAddr  string
	WSListenAddr   string
	LogLevel       string
	Storage        string
	BadgerPath     string
	SealAtRest     bool
	MaxMessageSize int64
	OutboxSize     int

	Secret         []byte
	Algorithm      string
	TokenTTL       time.Duration
	AllowedOrigins []string
}

// Load reads .env (if present), the process environment and os.Args.
func Load() (*Config, error) {
	_ = godotenv.Load()
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, errors.Join(ErrConfig, err)
	}
	return Parse(os.Args[1:], es)
}

func Parse(args []string, es env.EnvSet) (*Config, error) {
	var e environment
	if err := env.Unmarshal(es, &e); err != nil {
		return nil, errors.Join(ErrConfig, err)
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", ":8888", "websocket relay listen address")
		logLevel       = fs.StringP("log-level", "l", "info", "log level")
		storage        = fs.StringP("storage", "s", StorageBadger, "storage backend: badger or memory")
		badgerPath     = fs.String("badger-path", e.BadgerPath, "badger data directory")
		sealAtRest     = fs.Bool("seal-at-rest", false, "encrypt stored message records with the master secret")
		maxMessageSize = fs.Int64("max-message-size", 64*1024, "max inbound websocket frame size in bytes")
		outboxSize     = fs.Int("outbox-size", 64, "per connection outbound queue length")
	)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrConfig, err)
	}

	if *storage != StorageBadger && *storage != StorageMemory {
		return nil, errors.Join(ErrConfig, fmt.Errorf("unknown storage %q", *storage))
	}
	if e.AccessTokenExpireMinutes <= 0 {
		return nil, errors.Join(ErrConfig, errors.New("ACCESS_TOKEN_EXPIRE_MINUTES must be positive"))
	}

	return &Config{
		APIListenAddr:  *apiListenAddr,
		WSListenAddr:   *wsListenAddr,
		LogLevel:       *logLevel,
		Storage:        *storage,
		BadgerPath:     *badgerPath,
		SealAtRest:     *sealAtRest,
		MaxMessageSize: *maxMessageSize,
		OutboxSize:     *outboxSize,
		Secret:         []byte(e.SecretKey),
		Algorithm:      e.Algorithm,
		TokenTTL:       time.Duration(e.AccessTokenExpireMinutes) * time.Minute,
		AllowedOrigins: splitOrigins(e.FrontendURL),
	}, nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
