package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database defaults: %+v", cfg)
	}
	if cfg.LockBackend != "local" || cfg.LockTTL != 30*time.Second {
		t.Fatalf("unexpected lock defaults: %+v", cfg)
	}
	if cfg.RetryMaxAttempts != defaultMaxAttempts {
		t.Fatalf("unexpected retry default %d", cfg.RetryMaxAttempts)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("STREAKS_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("STREAKS_DATABASE_DRIVER", "postgres")
	t.Setenv("STREAKS_DATABASE_DSN", "postgres://streaks@localhost/streaks")
	t.Setenv("STREAKS_LOCK_BACKEND", "redis")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.AuthSigningKey != "env-secret" {
		t.Fatalf("expected signing secret from env, got %q", cfg.AuthSigningKey)
	}
	if cfg.DatabaseDriver != "postgres" || cfg.LockBackend != "redis" {
		t.Fatalf("unexpected backends: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		contains string
	}{
		{name: "missing secret", settings: map[string]any{}, contains: "auth.signing_secret"},
		{name: "unknown driver", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"}, contains: "database.driver"},
		{name: "postgres without dsn", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "postgres"}, contains: "database.dsn"},
		{name: "unknown lock backend", settings: map[string]any{"auth.signing_secret": "s", "lock.backend": "etcd"}, contains: "lock.backend"},
		{name: "zero attempts", settings: map[string]any{"auth.signing_secret": "s", "retry.max_attempts": 0}, contains: "retry.max_attempts"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.contains) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.contains, err)
			}
		})
	}
}
