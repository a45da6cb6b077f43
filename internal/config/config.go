// Package config loads server configuration from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalsfoundry/safezone/core"
	"github.com/signalsfoundry/safezone/internal/kvstore"
	"github.com/signalsfoundry/safezone/internal/tracking"
	"github.com/signalsfoundry/safezone/model"
)

// Config is the complete server configuration.
type Config struct {
	ZonesPath   string
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string

	CellSizeDegrees float64
	GridOrigin      model.Coordinate
	StrictOverlap   bool
	Location        *time.Location

	Tracking tracking.Config
	KV       kvstore.Config

	WebhookURL string
	MQTTBroker string
	MQTTTopic  string
	ESURL      string
	ESIndex    string

	// PreloadCenter and PreloadRadiusKm, when set, persist that area to the
	// offline cache on every zone refresh.
	PreloadCenter   *model.Coordinate
	PreloadRadiusKm float64
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		GRPCAddr:        ":50051",
		HTTPAddr:        ":8080",
		MetricsAddr:     ":9090",
		CellSizeDegrees: core.DefaultCellSizeDegrees,
		Location:        time.UTC,
		Tracking:        tracking.DefaultConfig(),
		KV:              kvstore.Config{Driver: kvstore.DriverMemory, KeyPrefix: "safezone:"},
		ESIndex:         "safezone-transitions",
	}
}

// LoadDotEnv loads the given .env files when they exist. Variables already
// present in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("%w: load %s: %v", model.ErrConfiguration, p, err)
		}
	}
	return nil
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load reads the configuration through lookup. Every invalid value is
// reported; the returned error wraps model.ErrConfiguration.
func Load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	cfg.ZonesPath = r.str("SAFEZONE_ZONES_PATH", cfg.ZonesPath)
	cfg.GRPCAddr = r.str("SAFEZONE_GRPC_ADDR", cfg.GRPCAddr)
	cfg.HTTPAddr = r.str("SAFEZONE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.MetricsAddr = r.str("SAFEZONE_METRICS_ADDR", cfg.MetricsAddr)

	cfg.CellSizeDegrees = r.float("SAFEZONE_CELL_SIZE_DEG", cfg.CellSizeDegrees)
	if origin, ok := r.coordinate("SAFEZONE_GRID_ORIGIN"); ok {
		cfg.GridOrigin = origin
	}
	cfg.StrictOverlap = r.boolean("SAFEZONE_STRICT_OVERLAP", cfg.StrictOverlap)
	if name, ok := lookup("SAFEZONE_TIMEZONE"); ok && name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			r.fail("SAFEZONE_TIMEZONE", err)
		} else {
			cfg.Location = loc
		}
	}

	cfg.Tracking.MaxAccuracyMeters = r.float("SAFEZONE_MAX_ACCURACY_M", cfg.Tracking.MaxAccuracyMeters)
	cfg.Tracking.MaxFixAge = r.duration("SAFEZONE_MAX_FIX_AGE", cfg.Tracking.MaxFixAge)
	cfg.Tracking.MaxClockSkew = r.duration("SAFEZONE_MAX_CLOCK_SKEW", cfg.Tracking.MaxClockSkew)
	cfg.Tracking.SmoothingAlpha = r.float("SAFEZONE_SMOOTHING_ALPHA", cfg.Tracking.SmoothingAlpha)
	cfg.Tracking.SmoothingDistanceMeters = r.float("SAFEZONE_SMOOTHING_DISTANCE_M", cfg.Tracking.SmoothingDistanceMeters)

	cfg.KV.Driver = kvstore.Driver(strings.ToLower(r.str("SAFEZONE_KV_DRIVER", string(cfg.KV.Driver))))
	cfg.KV.BadgerDir = r.str("SAFEZONE_BADGER_DIR", cfg.KV.BadgerDir)
	if host := r.str("REDIS_HOST", ""); host != "" {
		cfg.KV.RedisAddr = net.JoinHostPort(host, r.str("REDIS_PORT", "6379"))
	}
	cfg.KV.RedisPassword = r.str("REDIS_PASS", "")
	cfg.KV.RedisDB = r.integer("REDIS_DB", 0)
	cfg.KV.PostgresDSN = r.str("SAFEZONE_POSTGRES_DSN", "")

	cfg.WebhookURL = r.str("SAFEZONE_WEBHOOK_URL", "")
	cfg.MQTTBroker = r.str("SAFEZONE_MQTT_BROKER", "")
	cfg.MQTTTopic = r.str("SAFEZONE_MQTT_TOPIC", "safezone/alerts")
	cfg.ESURL = r.str("SAFEZONE_ES_URL", "")
	cfg.ESIndex = r.str("SAFEZONE_ES_INDEX", cfg.ESIndex)

	if center, ok := r.coordinate("SAFEZONE_PRELOAD_CENTER"); ok {
		cfg.PreloadCenter = &center
	}
	cfg.PreloadRadiusKm = r.float("SAFEZONE_PRELOAD_RADIUS_KM", 10)

	if err := r.err(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.CellSizeDegrees <= 0 {
		errs = append(errs, errors.New("cell size must be positive"))
	}
	if err := c.GridOrigin.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("grid origin: %w", err))
	}
	if err := c.Tracking.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.KV.Driver {
	case kvstore.DriverMemory, kvstore.DriverBadger:
	case kvstore.DriverRedis:
		if c.KV.RedisAddr == "" {
			errs = append(errs, errors.New("redis driver requires REDIS_HOST"))
		}
	case kvstore.DriverPostgres:
		if c.KV.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres driver requires SAFEZONE_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kv driver %q", c.KV.Driver))
	}
	if c.PreloadCenter != nil && c.PreloadRadiusKm <= 0 {
		errs = append(errs, errors.New("preload radius must be positive"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", model.ErrConfiguration, errors.Join(errs...))
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
}

func (r *reader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", model.ErrConfiguration, errors.Join(r.errs...))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) float(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return f
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

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

// coordinate parses "lat,lon".
func (r *reader) coordinate(key string) (model.Coordinate, bool) {
	v := r.str(key, "")
	if v == "" {
		return model.Coordinate{}, false
	}
	lat, lon, ok := strings.Cut(v, ",")
	if !ok {
		r.fail(key, fmt.Errorf("want \"lat,lon\", got %q", v))
		return model.Coordinate{}, false
	}
	c := model.Coordinate{}
	var err error
	if c.Latitude, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		r.fail(key, err)
		return model.Coordinate{}, false
	}
	if c.Longitude, err = strconv.ParseFloat(strings.TrimSpace(lon), 64); err != nil {
		r.fail(key, err)
		return model.Coordinate{}, false
	}
	if err := c.Validate(); err != nil {
		r.fail(key, err)
		return model.Coordinate{}, false
	}
	return c, true
}
