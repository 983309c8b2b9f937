package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type EventsCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	Queue   int
}

type WarmupCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type Config struct {
	Addr        string
	LogLevel    string
	LogConsole  bool
	LogSampleN  int
	URLPrefix   string
	DatabaseURL string
	DBMaxConns  int32

	ComputedSchema       string
	ComputeTimeout       time.Duration
	ComputeMaxConcurrent int
	ReadyCacheSize       int

	RedisAddr      string
	RenderedTTL    time.Duration
	CacheOpTimeout time.Duration

	RegisterRate  float64
	RegisterBurst int

	MetricsEnabled bool
	MetricsAddr    string

	Events EventsCfg
	Warmup WarmupCfg
}

// Load reads .env files (if present) into the environment, then FromEnv.
// Variables already set in the environment win.
func Load(files ...string) Config {
	if len(files) == 0 {
		_ = godotenv.Load()
	} else {
		for _, f := range files {
			_ = godotenv.Load(f)
		}
	}
	return FromEnv()
}

func FromEnv() Config {
	brokers := split(getenv("KAFKA_BROKERS", "localhost:9092"))

	maxConc := getint("COMPUTE_MAX_CONCURRENT", 4)
	if maxConc <= 0 {
		maxConc = 1
	}

	return Config{
		Addr:        getenv("ADDR", ":8090"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogConsole:  getbool("LOG_CONSOLE", false),
		LogSampleN:  getint("LOG_SAMPLE_N", 0),
		URLPrefix:   strings.TrimRight(getenv("URL_PREFIX", ""), "/"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		DBMaxConns:  int32(getint("DB_MAX_CONNS", 16)),

		ComputedSchema:       getenv("COMPUTED_SCHEMA", "computed"),
		ComputeTimeout:       getduration("COMPUTE_TIMEOUT", 2*time.Minute),
		ComputeMaxConcurrent: maxConc,
		ReadyCacheSize:       getint("READY_CACHE_SIZE", 4096),

		RedisAddr:      getenv("REDIS_ADDR", ""),
		RenderedTTL:    getduration("RENDERED_TTL", 24*time.Hour),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		RegisterRate:  getfloat("REGISTER_RATE", 5),
		RegisterBurst: getint("REGISTER_BURST", 10),

		MetricsEnabled: getbool("METRICS_ENABLED", true),
		MetricsAddr:    getenv("METRICS_ADDR", ""),

		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: brokers,
			Topic:   getenv("EVENTS_TOPIC", "taz-materializations"),
			Queue:   getint("EVENTS_QUEUE", 1024),
		},
		Warmup: WarmupCfg{
			Enabled: getbool("WARMUP_ENABLED", false),
			Brokers: brokers,
			Topic:   getenv("WARMUP_TOPIC", "taz-zone-registered"),
			GroupID: getenv("KAFKA_GROUP_ID", "taz-flow-warmup"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
