package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	TrackingAPIURL    string
	TrackingUsername  string
	TrackingPassword  string
	TrackingTimeoutMS int

	PollPositionsSec   int
	PollActivitiesSec  int
	PollDevicesSec     int
	PollFleetSec       int
	PollTachographsSec int
	AlertPruneSec      int
	AlertWindowSec     int
	SpeedLimitKmh      float64
	IdleAlertSec       int
	TaskLookupTTLMS    int
	ShutdownTimeoutSec int

	WSSendBuffer       int
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	KafkaBrokers      []string
	KafkaClientID     string
	KafkaAlertTopic   string
	KafkaRetryMax     int
	KafkaWriteMS      int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisAlertChannel string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Default returns the configuration used when nothing overrides it.
func Default(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		Env:                serviceEnv(),
		ServiceName:        serviceNameDefault,
		HTTPPort:           httpPortDefault,
		LogLevel:           "info",
		RequestTimeoutMS:   30000,
		TrackingTimeoutMS:  30000,
		PollPositionsSec:   10,
		PollActivitiesSec:  5,
		PollDevicesSec:     60,
		PollFleetSec:       30,
		PollTachographsSec: 60,
		AlertPruneSec:      300,
		AlertWindowSec:     300,
		SpeedLimitKmh:      90,
		IdleAlertSec:       1800,
		TaskLookupTTLMS:    5000,
		ShutdownTimeoutSec: 10,
		WSSendBuffer:       256,
		RateLimitRPS:       5,
		RateLimitBurst:     10,
		KafkaAlertTopic:    "dispatch.alerts",
		KafkaRetryMax:      3,
		KafkaWriteMS:       50,
		RedisAlertChannel:  "dispatch.alerts",
		OtelInsecure:       true,
		OtelSampleRatio:    1.0,
	}
}

// Load resolves configuration from defaults, an optional JSON file (CONFIG_PATH)
// and the environment, in that order. A .env file in the working directory is
// loaded into the environment first without overriding variables already set.
// Problems are returned rather than failing so callers can decide between
// exiting and reporting them on /readyz.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	_ = godotenv.Load()

	cfg := Default(serviceNameDefault, httpPortDefault)
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	problems := make([]Problem, 0, 4)

	if raw, fileProblems, ok := loadConfigFile(cfg.ConfigPath); ok {
		applyConfigMap(&cfg, raw, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}
	applyEnv(&cfg, &problems)
	validate(&cfg, serviceNameDefault, httpPortDefault, &problems)
	return cfg, problems
}

// Interval converts one of the *Sec fields to a duration.
func Interval(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func (c Config) TrackingTimeout() time.Duration {
	return time.Duration(c.TrackingTimeoutMS) * time.Millisecond
}

func (c Config) TaskLookupTTL() time.Duration {
	return time.Duration(c.TaskLookupTTLMS) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return Interval(c.ShutdownTimeoutSec)
}

func serviceEnv() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return v
	}
	return "dev"
}

func validate(cfg *Config, serviceNameDefault string, httpPortDefault int, problems *[]Problem) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = serviceNameDefault
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		*problems = append(*problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	if cfg.TrackingAPIURL == "" {
		*problems = append(*problems, Problem{Field: "TRACKING_API_URL", Message: "TRACKING_API_URL is required"})
	} else if !strings.HasPrefix(cfg.TrackingAPIURL, "http://") && !strings.HasPrefix(cfg.TrackingAPIURL, "https://") {
		*problems = append(*problems, Problem{Field: "TRACKING_API_URL", Message: "TRACKING_API_URL must be an http(s) URL"})
	}
	if cfg.TrackingUsername == "" {
		*problems = append(*problems, Problem{Field: "TRACKING_USERNAME", Message: "TRACKING_USERNAME is required"})
	}
	if cfg.TrackingPassword == "" {
		*problems = append(*problems, Problem{Field: "TRACKING_PASSWORD", Message: "TRACKING_PASSWORD is required"})
	}
	if cfg.TrackingTimeoutMS <= 0 {
		*problems = append(*problems, Problem{Field: "TRACKING_TIMEOUT_MS", Message: "TRACKING_TIMEOUT_MS must be > 0"})
		cfg.TrackingTimeoutMS = 30000
	}

	positive := []struct {
		field string
		value *int
		def   int
	}{
		{"POLL_POSITIONS_SECONDS", &cfg.PollPositionsSec, 10},
		{"POLL_ACTIVITIES_SECONDS", &cfg.PollActivitiesSec, 5},
		{"POLL_DEVICES_SECONDS", &cfg.PollDevicesSec, 60},
		{"POLL_FLEET_SECONDS", &cfg.PollFleetSec, 30},
		{"ALERT_PRUNE_SECONDS", &cfg.AlertPruneSec, 300},
		{"ALERT_WINDOW_SECONDS", &cfg.AlertWindowSec, 300},
		{"IDLE_ALERT_SECONDS", &cfg.IdleAlertSec, 1800},
		{"SHUTDOWN_TIMEOUT_SECONDS", &cfg.ShutdownTimeoutSec, 10},
		{"WS_SEND_BUFFER", &cfg.WSSendBuffer, 256},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst, 10},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be > 0"})
			*p.value = p.def
		}
	}
	if cfg.PollTachographsSec < 0 {
		*problems = append(*problems, Problem{Field: "POLL_TACHOGRAPHS_SECONDS", Message: "POLL_TACHOGRAPHS_SECONDS must be >= 0"})
		cfg.PollTachographsSec = 60
	}
	if cfg.TaskLookupTTLMS < 0 {
		*problems = append(*problems, Problem{Field: "TASK_LOOKUP_TTL_MS", Message: "TASK_LOOKUP_TTL_MS must be >= 0"})
		cfg.TaskLookupTTLMS = 5000
	}
	if cfg.SpeedLimitKmh <= 0 {
		*problems = append(*problems, Problem{Field: "SPEED_LIMIT_KMH", Message: "SPEED_LIMIT_KMH must be > 0"})
		cfg.SpeedLimitKmh = 90
	}
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 5
	}
	if cfg.KafkaRetryMax < 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 3
	}
	if cfg.KafkaWriteMS <= 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 50
	}
	if len(cfg.KafkaBrokers) > 0 && strings.TrimSpace(cfg.KafkaAlertTopic) == "" {
		*problems = append(*problems, Problem{Field: "KAFKA_ALERT_TOPIC", Message: "KAFKA_ALERT_TOPIC is required when KAFKA_BROKERS is set"})
	}
	if cfg.RedisDB < 0 {
		*problems = append(*problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

func loadConfigFile(path string) (map[string]any, []Problem, bool) {
	if path == "" {
		return nil, nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

// setter applies one raw value (string from the environment, or any JSON
// value from the config file) to the config.
type setter func(cfg *Config, v any) bool

var keys = map[string]setter{
	"SERVICE_NAME":                setString(func(c *Config) *string { return &c.ServiceName }),
	"HTTP_PORT":                   setInt(func(c *Config) *int { return &c.HTTPPort }),
	"LOG_LEVEL":                   setString(func(c *Config) *string { return &c.LogLevel }),
	"REQUEST_TIMEOUT_MS":          setInt(func(c *Config) *int { return &c.RequestTimeoutMS }),
	"TRACKING_API_URL":            setString(func(c *Config) *string { return &c.TrackingAPIURL }),
	"TRACKING_USERNAME":           setString(func(c *Config) *string { return &c.TrackingUsername }),
	"TRACKING_PASSWORD":           setSecret(func(c *Config) *string { return &c.TrackingPassword }),
	"TRACKING_TIMEOUT_MS":         setInt(func(c *Config) *int { return &c.TrackingTimeoutMS }),
	"POLL_POSITIONS_SECONDS":      setInt(func(c *Config) *int { return &c.PollPositionsSec }),
	"POLL_ACTIVITIES_SECONDS":     setInt(func(c *Config) *int { return &c.PollActivitiesSec }),
	"POLL_DEVICES_SECONDS":        setInt(func(c *Config) *int { return &c.PollDevicesSec }),
	"POLL_FLEET_SECONDS":          setInt(func(c *Config) *int { return &c.PollFleetSec }),
	"POLL_TACHOGRAPHS_SECONDS":    setInt(func(c *Config) *int { return &c.PollTachographsSec }),
	"ALERT_PRUNE_SECONDS":         setInt(func(c *Config) *int { return &c.AlertPruneSec }),
	"ALERT_WINDOW_SECONDS":        setInt(func(c *Config) *int { return &c.AlertWindowSec }),
	"SPEED_LIMIT_KMH":             setFloat(func(c *Config) *float64 { return &c.SpeedLimitKmh }),
	"IDLE_ALERT_SECONDS":          setInt(func(c *Config) *int { return &c.IdleAlertSec }),
	"TASK_LOOKUP_TTL_MS":          setInt(func(c *Config) *int { return &c.TaskLookupTTLMS }),
	"SHUTDOWN_TIMEOUT_SECONDS":    setInt(func(c *Config) *int { return &c.ShutdownTimeoutSec }),
	"WS_SEND_BUFFER":              setInt(func(c *Config) *int { return &c.WSSendBuffer }),
	"CORS_ALLOWED_ORIGINS":        setList(func(c *Config) *[]string { return &c.CORSAllowedOrigins }),
	"RATE_LIMIT_RPS":              setFloat(func(c *Config) *float64 { return &c.RateLimitRPS }),
	"RATE_LIMIT_BURST":            setInt(func(c *Config) *int { return &c.RateLimitBurst }),
	"KAFKA_BROKERS":               setList(func(c *Config) *[]string { return &c.KafkaBrokers }),
	"KAFKA_CLIENT_ID":             setString(func(c *Config) *string { return &c.KafkaClientID }),
	"KAFKA_ALERT_TOPIC":           setString(func(c *Config) *string { return &c.KafkaAlertTopic }),
	"KAFKA_RETRY_MAX":             setInt(func(c *Config) *int { return &c.KafkaRetryMax }),
	"KAFKA_WRITE_TIMEOUT_MS":      setInt(func(c *Config) *int { return &c.KafkaWriteMS }),
	"REDIS_ADDR":                  setString(func(c *Config) *string { return &c.RedisAddr }),
	"REDIS_PASSWORD":              setSecret(func(c *Config) *string { return &c.RedisPassword }),
	"REDIS_DB":                    setInt(func(c *Config) *int { return &c.RedisDB }),
	"REDIS_ALERT_CHANNEL":         setString(func(c *Config) *string { return &c.RedisAlertChannel }),
	"OTEL_ENABLED":                setBool(func(c *Config) *bool { return &c.OtelEnabled }),
	"OTEL_EXPORTER_OTLP_ENDPOINT": setString(func(c *Config) *string { return &c.OtelEndpoint }),
	"OTEL_EXPORTER_OTLP_INSECURE": setBool(func(c *Config) *bool { return &c.OtelInsecure }),
	"OTEL_SAMPLE_RATIO":           setFloat(func(c *Config) *float64 { return &c.OtelSampleRatio }),
}

// Legacy variable names from the browser dashboard; the canonical name wins
// when both are set.
var aliases = map[string]string{
	"VITE_LOCTRACKER_API_URL":  "TRACKING_API_URL",
	"VITE_LOCTRACKER_USERNAME": "TRACKING_USERNAME",
	"VITE_LOCTRACKER_PASSWORD": "TRACKING_PASSWORD",
	"PORT":                     "HTTP_PORT",
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for alias, key := range aliases {
		if strings.TrimSpace(os.Getenv(key)) != "" {
			continue
		}
		if v := os.Getenv(alias); strings.TrimSpace(v) != "" {
			applyKey(cfg, key, v, problems)
		}
	}
	for key := range keys {
		if v := os.Getenv(key); strings.TrimSpace(v) != "" {
			applyKey(cfg, key, v, problems)
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if canonical, ok := aliases[key]; ok {
			key = canonical
		}
		if _, ok := keys[key]; !ok {
			continue
		}
		applyKey(cfg, key, v, problems)
	}
}

func applyKey(cfg *Config, key string, v any, problems *[]Problem) {
	set, ok := keys[key]
	if !ok {
		return
	}
	if !set(cfg, v) {
		*problems = append(*problems, Problem{Field: key, Message: key + " has an invalid value"})
	}
}

func setString(field func(*Config) *string) setter {
	return func(cfg *Config, v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		*field(cfg) = strings.TrimSpace(s)
		return true
	}
}

// setSecret keeps surrounding whitespace; passwords are used verbatim.
func setSecret(field func(*Config) *string) setter {
	return func(cfg *Config, v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		*field(cfg) = s
		return true
	}
}

func setInt(field func(*Config) *int) setter {
	return func(cfg *Config, v any) bool {
		i, ok := asInt(v)
		if ok {
			*field(cfg) = i
		}
		return ok
	}
}

func setFloat(field func(*Config) *float64) setter {
	return func(cfg *Config, v any) bool {
		f, ok := asFloat(v)
		if ok {
			*field(cfg) = f
		}
		return ok
	}
}

func setBool(field func(*Config) *bool) setter {
	return func(cfg *Config, v any) bool {
		switch t := v.(type) {
		case bool:
			*field(cfg) = t
			return true
		case string:
			b, ok := asBool(t)
			if ok {
				*field(cfg) = b
			}
			return ok
		default:
			return false
		}
	}
}

func setList(field func(*Config) *[]string) setter {
	return func(cfg *Config, v any) bool {
		switch t := v.(type) {
		case string:
			*field(cfg) = parseCSV(t)
			return true
		case []any:
			*field(cfg) = parseAnyCSV(t)
			return true
		default:
			return false
		}
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
