package config

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

const (
	PlatformTraq  = "traq"
	PlatformSlack = "slack"

	StorageFile  = "file"
	StorageMongo = "mongo"
)

type Config struct {
	Addr        string `yaml:"addr"`
	SessionName string `yaml:"sessionName"`
	SessionKey  string `yaml:"sessionKey"`
	// FrontendURL is where the OAuth callback sends the user afterwards.
	FrontendURL string `yaml:"frontendURL"`
	LogLevel    string `yaml:"logLevel"`

	Platform     string `yaml:"platform"`
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	RedirectURL  string `yaml:"redirectURL"`
	// TraqAPIURL points at a self-hosted traQ, e.g. https://traq.example.com/api/v3
	TraqAPIURL  string `yaml:"traqAPIURL"`
	SlackAPIURL string `yaml:"slackAPIURL"`

	StorageDriver string `yaml:"storageDriver"`
	DataFile      string `yaml:"dataFile"`
	Mongo         Mongo  `yaml:"mongo"`

	DispatchSchedule   string        `yaml:"dispatchSchedule"`
	DispatchFilter     string        `yaml:"dispatchFilter"`
	RefreshMaxAttempts int           `yaml:"refreshMaxAttempts"`
	SendMaxAttempts    int           `yaml:"sendMaxAttempts"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
}

type Mongo struct {
	URI        string `yaml:"uri"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Hostname   string `yaml:"hostname"`
	Port       string `yaml:"port"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

func Default() *Config {
	return &Config{
		Addr:               ":8080",
		SessionName:        "session_name",
		FrontendURL:        "/",
		LogLevel:           "info",
		Platform:           PlatformTraq,
		StorageDriver:      StorageFile,
		DataFile:           "./data/db.json",
		Mongo:              Mongo{Port: "27017", Collection: "documents"},
		DispatchSchedule:   "* * * * *",
		RefreshMaxAttempts: 1,
		SendMaxAttempts:    1,
		ShutdownTimeout:    30 * time.Second,
	}
}

// Load reads the defaults, then the YAML file named by CONFIG_FILE, then the
// environment. Later sources win.
func Load() (*Config, error) {
	c := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Addr, "ADDR")
	setString(&c.SessionName, "SESSION_NAME")
	setString(&c.SessionKey, "SESSION_KEY")
	setString(&c.FrontendURL, "FRONTEND_URL")
	setString(&c.LogLevel, "LOG_LEVEL")

	setString(&c.Platform, "PLATFORM")
	c.Platform = strings.ToLower(c.Platform)
	if c.Platform == PlatformSlack {
		setString(&c.ClientID, "SLACK_CLIENT_ID")
		setString(&c.ClientSecret, "SLACK_CLIENT_SECRET")
		setString(&c.RedirectURL, "SLACK_REDIRECT_URL")
	} else {
		setString(&c.ClientID, "TRAQ_CLIENT_ID")
		setString(&c.ClientSecret, "TRAQ_CLIENT_SECRET")
		setString(&c.RedirectURL, "TRAQ_REDIRECT_URL")
	}
	setString(&c.TraqAPIURL, "TRAQ_API_URL")
	setString(&c.SlackAPIURL, "SLACK_API_URL")

	setString(&c.StorageDriver, "STORAGE_DRIVER")
	setString(&c.DataFile, "DATA_FILE")
	setString(&c.Mongo.URI, "MONGODB_URI")
	setString(&c.Mongo.User, "MONGODB_USER")
	setString(&c.Mongo.Password, "MONGODB_PASSWORD")
	setString(&c.Mongo.Hostname, "MONGODB_HOSTNAME")
	setString(&c.Mongo.Port, "MONGODB_PORT")
	setString(&c.Mongo.Database, "MONGODB_DATABASE")
	setString(&c.Mongo.Collection, "MONGODB_COLLECTION")

	setString(&c.DispatchSchedule, "DISPATCH_SCHEDULE")
	setString(&c.DispatchFilter, "DISPATCH_FILTER")

	return errors.Join(
		setInt(&c.RefreshMaxAttempts, "REFRESH_MAX_ATTEMPTS"),
		setInt(&c.SendMaxAttempts, "SEND_MAX_ATTEMPTS"),
		setDuration(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT"),
	)
}

func (c *Config) Validate() error {
	var errs []error
	if c.ClientID == "" || c.ClientSecret == "" {
		errs = append(errs, errors.New("OAuth client id and secret must be set"))
	}
	if c.SessionKey == "" {
		errs = append(errs, errors.New("SESSION_KEY must be set"))
	}
	if c.Platform != PlatformTraq && c.Platform != PlatformSlack {
		errs = append(errs, fmt.Errorf("unknown platform %q", c.Platform))
	}
	switch c.StorageDriver {
	case StorageFile:
		if c.DataFile == "" {
			errs = append(errs, errors.New("DATA_FILE must be set when STORAGE_DRIVER=file"))
		}
	case StorageMongo:
		if c.Mongo.URI == "" && (c.Mongo.Hostname == "" || c.Mongo.Database == "") {
			errs = append(errs, errors.New("MONGODB_URI or MONGODB_HOSTNAME and MONGODB_DATABASE must be set when STORAGE_DRIVER=mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}
	if _, err := cron.ParseStandard(c.DispatchSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_SCHEDULE: %w", err))
	}
	if c.RefreshMaxAttempts < 1 || c.SendMaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// MongoURI returns Mongo.URI or builds one from its parts.
func (c *Config) MongoURI() string {
	if c.Mongo.URI != "" {
		return c.Mongo.URI
	}

	return fmt.Sprintf(
		"mongodb://%s:%s@%s:%s/%s",
		url.QueryEscape(c.Mongo.User),
		url.QueryEscape(c.Mongo.Password),
		url.PathEscape(c.Mongo.Hostname),
		cmp.Or(c.Mongo.Port, "27017"),
		url.QueryEscape(c.Mongo.Database),
	)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return level, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
