// Package config reads the relay's settings from the process environment,
// after loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RunModeHTTP   = "http"
	RunModeLambda = "lambda"

	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

type Config struct {
	RunMode string
	Port    string

	StoreBackend string
	StateTable   string
	DatabaseURL  string

	// ParamPrefix selects SSM Parameter Store for secrets. When empty,
	// secrets come from the environment.
	ParamPrefix string

	CompletionBaseURL      string
	CompletionModel        string
	CompletionSystemPrompt string
	CompletionTimeout      time.Duration
	SendTimeout            time.Duration
	HistoryTurns           int
	AsyncDispatch          bool
	FallbackReply          string
	EmptyReply             string

	LarkBaseURL           string
	LarkVerificationToken string
	AdminToken            string

	LogLevel slog.Level
}

// Param names under ParamPrefix. paramstore.Env maps the last segment to
// an upper-snake environment variable.
const (
	paramCompletionToken = "completion-token"
	paramLarkAppID       = "lark-app-id"
	paramLarkAppSecret   = "lark-app-secret"
	defaultParamPrefix   = "/lark-relay"
)

func (c Config) CompletionTokenParam() string { return c.param(paramCompletionToken) }
func (c Config) LarkAppIDParam() string       { return c.param(paramLarkAppID) }
func (c Config) LarkAppSecretParam() string   { return c.param(paramLarkAppSecret) }

func (c Config) param(name string) string {
	prefix := strings.TrimRight(c.ParamPrefix, "/")
	if prefix == "" {
		prefix = defaultParamPrefix
	}
	return prefix + "/" + name
}

// Load reads .env (if present) and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup. All problems are reported at once.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		RunMode:                strings.ToLower(r.str("RUN_MODE", RunModeHTTP)),
		Port:                   r.str("PORT", "8080"),
		StoreBackend:           strings.ToLower(r.str("STORE_BACKEND", BackendDynamoDB)),
		StateTable:             r.str("STATE_TABLE", ""),
		DatabaseURL:            r.str("DATABASE_URL", ""),
		ParamPrefix:            r.str("PARAM_PREFIX", ""),
		CompletionBaseURL:      r.str("COMPLETION_BASE_URL", ""),
		CompletionModel:        r.str("COMPLETION_MODEL", ""),
		CompletionSystemPrompt: r.str("COMPLETION_SYSTEM_PROMPT", ""),
		CompletionTimeout:      r.duration("COMPLETION_TIMEOUT", 30*time.Second),
		SendTimeout:            r.duration("SEND_TIMEOUT", 10*time.Second),
		HistoryTurns:           r.integer("HISTORY_TURNS", 0),
		AsyncDispatch:          r.boolean("ASYNC_DISPATCH", true),
		FallbackReply:          r.str("FALLBACK_REPLY", ""),
		EmptyReply:             r.str("EMPTY_REPLY", ""),
		LarkBaseURL:            r.str("LARK_BASE_URL", ""),
		LarkVerificationToken:  r.str("LARK_VERIFICATION_TOKEN", ""),
		AdminToken:             r.str("ADMIN_TOKEN", ""),
		LogLevel:               r.level("LOG_LEVEL", slog.LevelInfo),
	}

	switch cfg.RunMode {
	case RunModeHTTP, RunModeLambda:
	default:
		r.fail("RUN_MODE", fmt.Errorf("must be %q or %q", RunModeHTTP, RunModeLambda))
	}
	switch cfg.StoreBackend {
	case BackendDynamoDB:
		if cfg.StateTable == "" {
			r.fail("STATE_TABLE", errors.New("required for the dynamodb backend"))
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			r.fail("DATABASE_URL", errors.New("required for the postgres backend"))
		}
	default:
		r.fail("STORE_BACKEND", fmt.Errorf("must be %q or %q", BackendDynamoDB, BackendPostgres))
	}
	if cfg.HistoryTurns < 0 {
		r.fail("HISTORY_TURNS", errors.New("must not be negative"))
	}
	if cfg.CompletionTimeout <= 0 {
		r.fail("COMPLETION_TIMEOUT", errors.New("must be positive"))
	}
	if cfg.SendTimeout <= 0 {
		r.fail("SEND_TIMEOUT", errors.New("must be positive"))
	}

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("config: %s: %w", key, err))
}

func (r *reader) str(key, def string) string {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

// duration accepts Go duration strings or a plain number of seconds.
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

func (r *reader) level(key string, def slog.Level) slog.Level {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		r.fail(key, err)
		return def
	}
	return l
}
