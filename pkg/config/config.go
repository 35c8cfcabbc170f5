// Package config loads the rep0st configuration from an optional config
// file and the environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Environments.
const (
	EnvDevelopment = "DEVELOPMENT"
	EnvProduction  = "PRODUCTION"
)

// ScheduleOneshot runs a job once at startup instead of on a crontab.
// An empty schedule disables the job.
const ScheduleOneshot = "oneshot"

// Config is the full rep0st configuration tree. Keys follow the original
// dotted option names (rep0st.database.uri, pr0gramm.api.user, ...).
type Config struct {
	Environment string          `mapstructure:"environment"`
	Rep0st      Rep0stConfig    `mapstructure:"rep0st"`
	Pr0gramm    Pr0grammConfig  `mapstructure:"pr0gramm"`
	Webserver   WebserverConfig `mapstructure:"webserver"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
}

type Rep0stConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Media    MediaConfig    `mapstructure:"media"`
	Job      JobConfig      `mapstructure:"job"`
	Web      WebConfig      `mapstructure:"web"`
}

type DatabaseConfig struct {
	// URI is a postgres connection string. When PasswordFile is set its
	// content replaces the password embedded in the URI.
	URI          string `mapstructure:"uri"`
	PasswordFile string `mapstructure:"password_file"`
}

type MediaConfig struct {
	// Path is the root directory of the media store. Required whenever a
	// job that downloads media is scheduled.
	Path string `mapstructure:"path"`
}

type JobConfig struct {
	// Schedules are crontab expressions with a seconds field, the literal
	// "oneshot", or empty to disable the job.
	UpdatePostsSchedule    string `mapstructure:"update_posts_schedule"`
	UpdateAllPostsSchedule string `mapstructure:"update_all_posts_schedule"`
	UpdateFeaturesSchedule string `mapstructure:"update_features_schedule"`
	UpdateTagsSchedule     string `mapstructure:"update_tags_schedule"`

	// UpdateFeaturesPostType selects which posts the feature job indexes.
	UpdateFeaturesPostType string `mapstructure:"update_features_post_type"`
}

type WebConfig struct {
	// EnableExactSearch exposes the exact query parameter, which bypasses
	// the approximate vector index. Expensive, off in production.
	EnableExactSearch bool `mapstructure:"enable_exact_search"`
}

type Pr0grammConfig struct {
	API APIConfig `mapstructure:"api"`
}

type APIConfig struct {
	User         string `mapstructure:"user"`
	UserFile     string `mapstructure:"user_file"`
	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`

	BaseURL BaseURLConfig `mapstructure:"baseurl"`

	// LimitIDTo caps ingest at the given post id. Keeps development
	// corpora small, zero means no limit.
	LimitIDTo uint64 `mapstructure:"limit_id_to"`
}

type BaseURLConfig struct {
	API  string `mapstructure:"api"`
	Img  string `mapstructure:"img"`
	Vid  string `mapstructure:"vid"`
	Full string `mapstructure:"full"`
}

type WebserverConfig struct {
	Bind BindConfig `mapstructure:"bind"`
}

type BindConfig struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads the configuration. An explicit config file can be given via
// the REP0ST_CONFIG environment variable, otherwise a rep0st.{yaml,toml}
// in the working directory or under /etc/rep0st is picked up when present.
// Every option can also be set through the environment with dots replaced
// by underscores (rep0st.database.uri becomes REP0ST_DATABASE_URI).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("REP0ST_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("rep0st")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rep0st")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.applyFileOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Every key needs a registered default so environment overrides are seen
// by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("rep0st.database.uri", "")
	v.SetDefault("rep0st.database.password_file", "")
	v.SetDefault("rep0st.media.path", "")
	v.SetDefault("rep0st.job.update_posts_schedule", "")
	v.SetDefault("rep0st.job.update_all_posts_schedule", "")
	v.SetDefault("rep0st.job.update_features_schedule", "")
	v.SetDefault("rep0st.job.update_tags_schedule", "")
	v.SetDefault("rep0st.job.update_features_post_type", "IMAGE")
	v.SetDefault("rep0st.web.enable_exact_search", false)
	v.SetDefault("pr0gramm.api.user", "")
	v.SetDefault("pr0gramm.api.user_file", "")
	v.SetDefault("pr0gramm.api.password", "")
	v.SetDefault("pr0gramm.api.password_file", "")
	v.SetDefault("pr0gramm.api.baseurl.api", "")
	v.SetDefault("pr0gramm.api.baseurl.img", "")
	v.SetDefault("pr0gramm.api.baseurl.vid", "")
	v.SetDefault("pr0gramm.api.baseurl.full", "")
	v.SetDefault("pr0gramm.api.limit_id_to", 0)
	v.SetDefault("webserver.bind.hostname", "127.0.0.1")
	v.SetDefault("webserver.bind.port", 0)
	v.SetDefault("metrics.port", 0)
}

// applyFileOverrides resolves the *_file options. File contents take
// precedence over the literal values.
func (c *Config) applyFileOverrides() error {
	if f := c.Pr0gramm.API.UserFile; f != "" {
		val, err := readSecretFile(f)
		if err != nil {
			return fmt.Errorf("config: read pr0gramm.api.user_file: %w", err)
		}
		c.Pr0gramm.API.User = val
	}
	if f := c.Pr0gramm.API.PasswordFile; f != "" {
		val, err := readSecretFile(f)
		if err != nil {
			return fmt.Errorf("config: read pr0gramm.api.password_file: %w", err)
		}
		c.Pr0gramm.API.Password = val
	}
	if f := c.Rep0st.Database.PasswordFile; f != "" {
		pw, err := readSecretFile(f)
		if err != nil {
			return fmt.Errorf("config: read rep0st.database.password_file: %w", err)
		}
		uri, err := overrideURIPassword(c.Rep0st.Database.URI, pw)
		if err != nil {
			return fmt.Errorf("config: apply database password file: %w", err)
		}
		c.Rep0st.Database.URI = uri
	}
	return nil
}

func readSecretFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func overrideURIPassword(uri, password string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse database uri: %w", err)
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}

// Validate checks the configuration for consistency. Credential and media
// requirements depend on which jobs are scheduled.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Rep0st.Database.URI == "" {
		return fmt.Errorf("rep0st.database.uri is required")
	}
	if p := c.Webserver.Bind.Port; p < 0 || p > 65535 {
		return fmt.Errorf("invalid webserver.bind.port %d", p)
	}
	if p := c.Metrics.Port; p < 0 || p > 65535 {
		return fmt.Errorf("invalid metrics.port %d", p)
	}
	switch t := c.Rep0st.Job.UpdateFeaturesPostType; t {
	case "IMAGE", "ANIMATED", "VIDEO":
	default:
		return fmt.Errorf("unknown rep0st.job.update_features_post_type %q", t)
	}
	if c.jobsEnabled() && (c.Pr0gramm.API.User == "" || c.Pr0gramm.API.Password == "") {
		return fmt.Errorf("pr0gramm.api.user and pr0gramm.api.password are required when jobs are scheduled")
	}
	if c.mediaJobsEnabled() {
		if c.Rep0st.Media.Path == "" {
			return fmt.Errorf("rep0st.media.path is required when media jobs are scheduled")
		}
		info, err := os.Stat(c.Rep0st.Media.Path)
		if err != nil {
			return fmt.Errorf("rep0st.media.path: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("rep0st.media.path %q is not a directory", c.Rep0st.Media.Path)
		}
	}
	return nil
}

func (c *Config) jobsEnabled() bool {
	j := c.Rep0st.Job
	return j.UpdatePostsSchedule != "" || j.UpdateAllPostsSchedule != "" ||
		j.UpdateFeaturesSchedule != "" || j.UpdateTagsSchedule != ""
}

// Jobs that download media, which is every job except update_tags.
func (c *Config) mediaJobsEnabled() bool {
	j := c.Rep0st.Job
	return j.UpdatePostsSchedule != "" || j.UpdateAllPostsSchedule != "" ||
		j.UpdateFeaturesSchedule != ""
}

// HTTPAddr returns the listen address of the API server, empty when the
// web server is disabled.
func (c *Config) HTTPAddr() string {
	if c.Webserver.Bind.Port == 0 {
		return ""
	}
	return net.JoinHostPort(c.Webserver.Bind.Hostname, strconv.Itoa(c.Webserver.Bind.Port))
}

// MetricsAddr returns the listen address of the metrics endpoint, empty
// when disabled.
func (c *Config) MetricsAddr() string {
	if c.Metrics.Port == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.Metrics.Port)
}
