package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"proserve/cmd/internal/auth/expiry"
	"proserve/cmd/internal/bus"
	"proserve/cmd/internal/cashier"
	"proserve/cmd/internal/relay"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Bus drivers.
const (
	BusLocal    = "local"
	BusRedis    = "redis"
	BusPostgres = "postgres"
	BusWS       = "ws"
)

// ErrConfig matches every validation failure.
var ErrConfig = errors.New("invalid config")

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string
	LogFormat string

	APIBaseURL  string
	HTTPTimeout time.Duration
	CookieFile  string

	StoreDriver  string
	StoreTimeout time.Duration
	StoreSchema  string
	RedisPrefix  string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	RedisURL string

	BusDriver  string
	BusChannel string

	RelayURL    string
	RelayScope  string
	RelayOrigin string

	CashierTimeout time.Duration
	ExpiryCooldown time.Duration
	RedirectDelay  time.Duration
	LoginView      bool

	Relay RelayServerConfig
}

// RelayServerConfig configures `proserve relay`.
type RelayServerConfig struct {
	Addr string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// ReadinessRequireDB makes /readyz fail unless the database answers.
	ReadinessRequireDB bool

	Gateway relay.Config
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	gw := relay.DefaultConfig()
	gw.DevInsecure = EnvBool("PROSERVE_RELAY_DEV_INSECURE", false)
	gw.OriginRequired = EnvBool("PROSERVE_RELAY_ORIGIN_REQUIRED", gw.OriginRequired)
	gw.AllowedOrigins = EnvCSV("PROSERVE_RELAY_ALLOWED_ORIGINS", strings.Join(gw.AllowedOrigins, ","))
	gw.WriteTimeout = EnvDuration("PROSERVE_RELAY_WRITE_TIMEOUT", gw.WriteTimeout)
	gw.ReadIdleTimeout = EnvDuration("PROSERVE_RELAY_READ_IDLE_TIMEOUT", 0)
	gw.SendQueueSize = EnvInt("PROSERVE_RELAY_SEND_QUEUE", gw.SendQueueSize)
	gw.HeartbeatInterval = EnvDuration("PROSERVE_RELAY_HEARTBEAT_INTERVAL", gw.HeartbeatInterval)
	gw.HeartbeatTimeout = EnvDuration("PROSERVE_RELAY_HEARTBEAT_TIMEOUT", gw.HeartbeatTimeout)
	gw.RateEvents = EnvInt("PROSERVE_RELAY_RATE_EVENTS", gw.RateEvents)
	gw.RateWindow = EnvDuration("PROSERVE_RELAY_RATE_WINDOW", gw.RateWindow)

	return Config{
		LogLevel:  EnvString("PROSERVE_LOG_LEVEL", "info"),
		LogFormat: EnvString("PROSERVE_LOG_FORMAT", "json"),

		APIBaseURL:  EnvString("PROSERVE_API_BASE_URL", "http://127.0.0.1:8080"),
		HTTPTimeout: EnvDuration("PROSERVE_HTTP_TIMEOUT", 15*time.Second),
		CookieFile:  EnvString("PROSERVE_COOKIE_FILE", DefaultCookieFile()),

		StoreDriver:  strings.ToLower(EnvString("PROSERVE_STORE_DRIVER", StoreMemory)),
		StoreTimeout: EnvDuration("PROSERVE_STORE_TIMEOUT", 2*time.Second),
		StoreSchema:  EnvString("PROSERVE_STORE_SCHEMA", "proserve"),
		RedisPrefix:  EnvString("PROSERVE_REDIS_PREFIX", ""),

		DatabaseURL: EnvString("PROSERVE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PROSERVE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PROSERVE_DB_MIN_CONNS", 0),

		RedisURL: EnvString("PROSERVE_REDIS_URL", ""),

		BusDriver:  strings.ToLower(EnvString("PROSERVE_BUS_DRIVER", BusLocal)),
		BusChannel: EnvString("PROSERVE_BUS_CHANNEL", ""),

		RelayURL:    EnvString("PROSERVE_RELAY_URL", ""),
		RelayScope:  EnvString("PROSERVE_RELAY_SCOPE", "default"),
		RelayOrigin: EnvString("PROSERVE_RELAY_ORIGIN", "http://localhost"),

		CashierTimeout: EnvDuration("PROSERVE_CASHIER_TIMEOUT", cashier.DefaultTimeout),
		ExpiryCooldown: EnvDuration("PROSERVE_EXPIRY_COOLDOWN", expiry.DefaultCooldown),
		RedirectDelay:  EnvDuration("PROSERVE_REDIRECT_DELAY", 2*time.Second),
		LoginView:      EnvBool("PROSERVE_LOGIN_VIEW", false),

		Relay: RelayServerConfig{
			Addr:               EnvString("PROSERVE_RELAY_ADDR", "0.0.0.0:8090"),
			ReadHeaderTimeout:  EnvDuration("PROSERVE_RELAY_READ_HEADER_TIMEOUT", 5*time.Second),
			IdleTimeout:        EnvDuration("PROSERVE_RELAY_IDLE_TIMEOUT", 60*time.Second),
			MaxHeaderBytes:     EnvInt("PROSERVE_RELAY_MAX_HEADER_BYTES", 1<<20),
			ReadinessRequireDB: EnvBool("PROSERVE_READINESS_REQUIRE_DB", false),
			Gateway:            gw,
		},
	}
}

// Validate rejects unknown drivers and drivers without their connection URL.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: PROSERVE_API_BASE_URL must be an http(s) URL, got %q", ErrConfig, c.APIBaseURL)
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: store driver %q needs PROSERVE_DATABASE_URL", ErrConfig, c.StoreDriver)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: store driver %q needs PROSERVE_REDIS_URL", ErrConfig, c.StoreDriver)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrConfig, c.StoreDriver)
	}

	switch c.BusDriver {
	case BusLocal:
	case BusPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: bus driver %q needs PROSERVE_DATABASE_URL", ErrConfig, c.BusDriver)
		}
	case BusRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: bus driver %q needs PROSERVE_REDIS_URL", ErrConfig, c.BusDriver)
		}
	case BusWS:
		if c.RelayURL == "" {
			return fmt.Errorf("%w: bus driver %q needs PROSERVE_RELAY_URL", ErrConfig, c.BusDriver)
		}
		if strings.TrimSpace(c.RelayScope) == "" {
			return fmt.Errorf("%w: bus driver %q needs PROSERVE_RELAY_SCOPE", ErrConfig, c.BusDriver)
		}
	default:
		return fmt.Errorf("%w: unknown bus driver %q", ErrConfig, c.BusDriver)
	}

	if c.BusDriver == BusLocal && c.StoreDriver != StoreMemory {
		// A shared backend with an in-process bus leaves other terminals blind to writes.
		return fmt.Errorf("%w: store driver %q is shared; pick a shared bus driver too", ErrConfig, c.StoreDriver)
	}
	return nil
}

// busChannel returns the configured channel or the driver default.
func (c Config) busChannel() string {
	if c.BusChannel != "" {
		return c.BusChannel
	}
	if c.BusDriver == BusPostgres {
		return bus.DefaultPGChannel
	}
	return bus.DefaultChannel
}
