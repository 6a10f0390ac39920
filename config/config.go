package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"iotconsole/models"
)

const envPrefix = "IOTCONSOLE_"

// Duration reads either a Go duration string or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Listen          string   `json:"listen"`
	APIBaseURL      string   `json:"api_base_url"`
	Token           string   `json:"token"`
	DevicePoll      Duration `json:"device_poll"`
	HistoryPoll     Duration `json:"history_poll"`
	ListPoll        Duration `json:"list_poll"`
	MaxAge          Duration `json:"max_age"`
	Window          Duration `json:"window"`
	HistoryLimit    int      `json:"history_limit"`
	DefaultTimezone string   `json:"default_timezone"`
	SessionTTL      Duration `json:"session_ttl"`
	DBPath          string   `json:"db_path"`
	MQTTURL         string   `json:"mqtt_url"`
	LogDir          string   `json:"log_dir"`
	LogLevel        string   `json:"log_level"`
	Debug           bool     `json:"debug"`
	RequestTimeout  Duration `json:"request_timeout"`
}

func Default() Config {
	return Config{
		Listen:          ":8080",
		APIBaseURL:      "http://localhost:3000/api",
		DevicePoll:      Duration(5 * time.Second),
		HistoryPoll:     Duration(30 * time.Second),
		ListPoll:        Duration(10 * time.Second),
		MaxAge:          Duration(60 * time.Second),
		Window:          Duration(24 * time.Hour),
		HistoryLimit:    10000,
		DefaultTimezone: models.DefaultTimezone,
		SessionTTL:      Duration(120 * time.Second),
		DBPath:          DefaultDatabasePath,
		LogDir:          "log",
		LogLevel:        "info",
		RequestTimeout:  Duration(15 * time.Second),
	}
}

// Load builds the configuration from defaults, then an optional JSON file,
// then IOTCONSOLE_* environment variables, then command line flags.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("iotconsole", flag.ContinueOnError)
	path := fs.String("config", getenv(envPrefix+"CONFIG"), "Path to a JSON configuration file.")
	listen := fs.String("listen", "", "Address to serve the console API on.")
	apiBase := fs.String("api-base-url", "", "Base URL of the device platform API.")
	token := fs.String("token", "", "Bearer token for the device platform API.")
	dbPath := fs.String("db", "", "Path to the command journal database.")
	mqttURL := fs.String("mqtt-url", "", "URL of MQTT server for live telemetry. Empty disables it.")
	logDir := fs.String("log-dir", "", "Directory for per-run log files. Empty disables file logging.")
	debug := fs.Bool("debug", false, "Debug logging.")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *path != "" {
		b, err := os.ReadFile(*path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", *path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}

	// Only flags given on the command line override.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "api-base-url":
			cfg.APIBaseURL = *apiBase
		case "token":
			cfg.Token = *token
		case "db":
			cfg.DBPath = *dbPath
		case "mqtt-url":
			cfg.MQTTURL = *mqttURL
		case "log-dir":
			cfg.LogDir = *logDir
		case "debug":
			cfg.Debug = *debug
		}
	})

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"LISTEN":           &c.Listen,
		"API_BASE_URL":     &c.APIBaseURL,
		"TOKEN":            &c.Token,
		"DEFAULT_TIMEZONE": &c.DefaultTimezone,
		"DB_PATH":          &c.DBPath,
		"MQTT_URL":         &c.MQTTURL,
		"LOG_DIR":          &c.LogDir,
		"LOG_LEVEL":        &c.LogLevel,
	}
	for k, p := range strs {
		if v := getenv(envPrefix + k); v != "" {
			*p = v
		}
	}

	durs := map[string]*Duration{
		"DEVICE_POLL":     &c.DevicePoll,
		"HISTORY_POLL":    &c.HistoryPoll,
		"LIST_POLL":       &c.ListPoll,
		"MAX_AGE":         &c.MaxAge,
		"WINDOW":          &c.Window,
		"SESSION_TTL":     &c.SessionTTL,
		"REQUEST_TIMEOUT": &c.RequestTimeout,
	}
	for k, p := range durs {
		if v := getenv(envPrefix + k); v != "" {
			if err := p.Set(v); err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, k, err)
			}
		}
	}

	if v := getenv(envPrefix + "HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sHISTORY_LIMIT: %w", envPrefix, err)
		}
		c.HistoryLimit = n
	}
	if v := getenv(envPrefix + "DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEBUG: %w", envPrefix, err)
		}
		c.Debug = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIBaseURL) == "" {
		errs = append(errs, errors.New("api_base_url is required"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	for name, d := range map[string]Duration{
		"device_poll":  c.DevicePoll,
		"history_poll": c.HistoryPoll,
		"list_poll":    c.ListPoll,
		"max_age":      c.MaxAge,
		"window":       c.Window,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history_limit must be positive"))
	}
	return errors.Join(errs...)
}
