package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, pattern, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "cfg-*.yml", `exchange:
  name: "TestExchange"
market:
  max_price: 5000
  listing_lifetime: 2h
  fee_rate: "0.02"
rate_limit:
  create_cooldown: 10s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Exchange.Name != "TestExchange" {
		t.Errorf("unexpected name: %s", cfg.Exchange.Name)
	}
	if cfg.Market.MaxPrice != 5000 || cfg.Market.MinPrice != 1 {
		t.Errorf("unexpected price bounds: %d..%d", cfg.Market.MinPrice, cfg.Market.MaxPrice)
	}
	if cfg.Market.ListingLifetime != 2*time.Hour {
		t.Errorf("unexpected lifetime: %v", cfg.Market.ListingLifetime)
	}
	if cfg.RateLimit.CreateCooldown != 10*time.Second || cfg.RateLimit.ToggleCooldown != 3*time.Second {
		t.Errorf("unexpected cooldowns: %+v", cfg.RateLimit)
	}
	if cfg.Scheduler.CleanupInterval != 5*time.Minute {
		t.Errorf("unexpected cleanup interval: %v", cfg.Scheduler.CleanupInterval)
	}
	fee, err := cfg.Market.Fee()
	if err != nil || fee.String() != "0.02" {
		t.Errorf("unexpected fee: %v %v", fee, err)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"min_price":     "market:\n  min_price: 0\n",
		"max_price":     "market:\n  min_price: 10\n  max_price: 5\n",
		"fee_rate":      "market:\n  fee_rate: \"1.5\"\n",
		"seller_credit": "market:\n  seller_credit: wallet\n",
		"page_size":     "collection:\n  page_size: 0\n",
		"destination":   "archive:\n  enabled: true\n  destination: ftp\n",
		"s3_backup":     "persistence:\n  s3_backup: true\n",
	}
	for key, content := range cases {
		path := writeTemp(t, "cfg-*.yml", content)
		_, err := LoadConfig(path)
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Errorf("%s: expected validation error mentioning it, got %v", key, err)
		}
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeTemp(t, "cfg-*.yml", `storage:
  s3:
    enabled: true
    bucket: "file-bucket"
    region: "eu-west-1"
`)
	t.Setenv("AWS_ACCESS_KEY_ID", "key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_BUCKET", " env-bucket ")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.S3.Bucket != "env-bucket" || cfg.Storage.S3.AccessKeyID != "key" {
		t.Errorf("env overrides not applied: %+v", cfg.Storage.S3)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("unexpected log level %s", cfg.Logging.Level)
	}
}

func TestLoadWorlds(t *testing.T) {
	path := writeTemp(t, "worlds-*.yml", `worlds:
- name: "w1"
  sell_slots: 3
  start_balance: 1000
- name: "w2"
`)
	worlds, err := LoadWorlds(path)
	if err != nil {
		t.Fatalf("LoadWorlds failed: %v", err)
	}
	if len(worlds.Worlds) != 2 {
		t.Fatalf("expected 2 worlds, got %d", len(worlds.Worlds))
	}
	base := Default().Market
	m := worlds.Worlds[0].Market(base)
	if m.SellSlots != 3 || m.BuySlots != base.BuySlots {
		t.Errorf("unexpected overrides: %+v", m)
	}

	dup := writeTemp(t, "worlds-*.yml", "worlds:\n- name: a\n- name: a\n")
	if _, err := LoadWorlds(dup); err == nil {
		t.Errorf("expected duplicate world error")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestCurrentEnvironmentAliases(t *testing.T) {
	cases := map[string]Environment{
		"":            Development,
		" PROD ":      Production,
		"stage":       Staging,
		"development": Development,
		"qa":          Environment("qa"),
	}
	for in, want := range cases {
		t.Setenv("APP_ENV", in)
		if got := CurrentEnvironment(); got != want {
			t.Fatalf("APP_ENV=%q: got %q, want %q", in, got, want)
		}
	}
	if !Staging.ProductionLike() || Development.ProductionLike() {
		t.Fatalf("unexpected production-like classification")
	}
}

func TestResolvePathPrefersEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	for _, p := range []string{def, prod} {
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	if got := resolvePath("", def, Production); got != prod {
		t.Fatalf("expected production variant, got %s", got)
	}
	if got := resolvePath("", def, Staging); got != def {
		t.Fatalf("missing staging variant must fall back to default, got %s", got)
	}
	if got := resolvePath(def, def, Development); got != def {
		t.Fatalf("development must use the default file, got %s", got)
	}
	explicit := filepath.Join(dir, "other.yml")
	if got := resolvePath(explicit, def, Production); got != explicit {
		t.Fatalf("explicit path must win, got %s", got)
	}
}

func TestProductionRequiresSnapshotBackup(t *testing.T) {
	cfg := Default()
	if err := validateEnvironment(&cfg, Development); err != nil {
		t.Fatalf("development must accept defaults: %v", err)
	}
	if err := validateEnvironment(&cfg, Production); err == nil || !strings.Contains(err.Error(), "s3_backup") {
		t.Fatalf("expected s3_backup error, got %v", err)
	}
	cfg.Persistence.S3Backup = true
	cfg.Logging.Format = "text"
	if err := validateEnvironment(&cfg, Staging); err == nil || !strings.Contains(err.Error(), "json") {
		t.Fatalf("expected json logging error, got %v", err)
	}
	cfg.Logging.Format = "json"
	if err := validateEnvironment(&cfg, Production); err != nil {
		t.Fatalf("valid production config rejected: %v", err)
	}
}
