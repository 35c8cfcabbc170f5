package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Environment: EnvDevelopment,
		Rep0st: Rep0stConfig{
			Database: DatabaseConfig{URI: "postgres://rep0st@localhost:5432/rep0st"},
			Job:      JobConfig{UpdateFeaturesPostType: "IMAGE"},
		},
	}
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("REP0ST_DATABASE_URI", "postgres://rep0st@db:5432/rep0st")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvDevelopment {
		t.Errorf("environment = %q, want DEVELOPMENT", cfg.Environment)
	}
	if cfg.Rep0st.Database.URI != "postgres://rep0st@db:5432/rep0st" {
		t.Errorf("database uri = %q", cfg.Rep0st.Database.URI)
	}
	if cfg.Rep0st.Job.UpdateFeaturesPostType != "IMAGE" {
		t.Errorf("post type = %q, want IMAGE", cfg.Rep0st.Job.UpdateFeaturesPostType)
	}
	if cfg.Webserver.Bind.Port != 0 || cfg.Metrics.Port != 0 {
		t.Error("web and metrics ports should default to disabled")
	}
	if cfg.HTTPAddr() != "" || cfg.MetricsAddr() != "" {
		t.Error("disabled listeners should report empty addresses")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeTemp(t, "rep0st.toml", `
environment = "PRODUCTION"

[rep0st.database]
uri = "postgres://rep0st:pw@localhost:5432/rep0st"

[rep0st.web]
enable_exact_search = true

[webserver.bind]
hostname = "0.0.0.0"
port = 8080

[metrics]
port = 9100
`)
	t.Setenv("REP0ST_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvProduction {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if !cfg.Rep0st.Web.EnableExactSearch {
		t.Error("enable_exact_search should be true")
	}
	if got := cfg.HTTPAddr(); got != "0.0.0.0:8080" {
		t.Errorf("http addr = %q", got)
	}
	if got := cfg.MetricsAddr(); got != ":9100" {
		t.Errorf("metrics addr = %q", got)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeTemp(t, "rep0st.toml", `
[rep0st.database]
uri = "postgres://rep0st@localhost/rep0st"

[webserver.bind]
port = 8080
`)
	t.Setenv("REP0ST_CONFIG", path)
	t.Setenv("WEBSERVER_BIND_PORT", "1234")
	t.Setenv("PR0GRAMM_API_LIMIT_ID_TO", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Webserver.Bind.Port != 1234 {
		t.Errorf("port = %d, want env override 1234", cfg.Webserver.Bind.Port)
	}
	if cfg.Pr0gramm.API.LimitIDTo != 5000 {
		t.Errorf("limit_id_to = %d, want 5000", cfg.Pr0gramm.API.LimitIDTo)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("REP0ST_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestSecretFileOverrides(t *testing.T) {
	userFile := writeTemp(t, "user", "fileuser\n")
	passFile := writeTemp(t, "pass", "filepass\n")
	dbPassFile := writeTemp(t, "dbpass", "s3cret\n")

	t.Setenv("REP0ST_DATABASE_URI", "postgres://rep0st@db:5432/rep0st?sslmode=disable")
	t.Setenv("REP0ST_DATABASE_PASSWORD_FILE", dbPassFile)
	t.Setenv("PR0GRAMM_API_USER", "literal")
	t.Setenv("PR0GRAMM_API_USER_FILE", userFile)
	t.Setenv("PR0GRAMM_API_PASSWORD_FILE", passFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pr0gramm.API.User != "fileuser" {
		t.Errorf("user = %q, file content should win over the literal", cfg.Pr0gramm.API.User)
	}
	if cfg.Pr0gramm.API.Password != "filepass" {
		t.Errorf("password = %q", cfg.Pr0gramm.API.Password)
	}
	if !strings.Contains(cfg.Rep0st.Database.URI, "rep0st:s3cret@db:5432") {
		t.Errorf("database uri = %q, password file not applied", cfg.Rep0st.Database.URI)
	}
}

func TestOverrideURIPassword(t *testing.T) {
	got, err := overrideURIPassword("postgres://rep0st@host:5432/rep0st?sslmode=disable", "pw")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	want := "postgres://rep0st:pw@host:5432/rep0st?sslmode=disable"
	if got != want {
		t.Errorf("uri = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	mediaDir := t.TempDir()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid minimal", func(c *Config) {}, false},
		{"missing database uri", func(c *Config) { c.Rep0st.Database.URI = "" }, true},
		{"unknown environment", func(c *Config) { c.Environment = "STAGING" }, true},
		{"bad web port", func(c *Config) { c.Webserver.Bind.Port = 70000 }, true},
		{"bad post type", func(c *Config) { c.Rep0st.Job.UpdateFeaturesPostType = "AUDIO" }, true},
		{"job without credentials", func(c *Config) {
			c.Rep0st.Job.UpdateTagsSchedule = ScheduleOneshot
		}, true},
		{"tags job with credentials needs no media path", func(c *Config) {
			c.Rep0st.Job.UpdateTagsSchedule = ScheduleOneshot
			c.Pr0gramm.API.User = "u"
			c.Pr0gramm.API.Password = "p"
		}, false},
		{"posts job without media path", func(c *Config) {
			c.Rep0st.Job.UpdatePostsSchedule = "0 * * * * *"
			c.Pr0gramm.API.User = "u"
			c.Pr0gramm.API.Password = "p"
		}, true},
		{"posts job with media path", func(c *Config) {
			c.Rep0st.Job.UpdatePostsSchedule = "0 * * * * *"
			c.Pr0gramm.API.User = "u"
			c.Pr0gramm.API.Password = "p"
			c.Rep0st.Media.Path = mediaDir
		}, false},
		{"media path not a directory", func(c *Config) {
			c.Rep0st.Job.UpdateFeaturesSchedule = ScheduleOneshot
			c.Pr0gramm.API.User = "u"
			c.Pr0gramm.API.Password = "p"
			c.Rep0st.Media.Path = writeTemp(t, "file", "x")
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
