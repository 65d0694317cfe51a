package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/auth"
	"github.com/MarcoPoloResearchLab/streaks/internal/config"
	"github.com/spf13/viper"
)

func TestTokenCommandMintsValidatableToken(t *testing.T) {
	config.ApplyDefaults(viper.GetViper())
	viper.Set("auth.signing_secret", "cli-secret")
	viper.Set("auth.issuer", "streaks-cli")
	t.Cleanup(viper.Reset)

	cmd := newTokenCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--subject", "poller-1", "--role", "poller", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte("cli-secret"),
		Issuer:        "streaks-cli",
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	claims, err := validator.ValidateToken(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if claims.Subject != "poller-1" || !claims.HasRole(auth.RolePoller) {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Time.After(time.Now().Add(time.Hour+time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
	if !strings.HasPrefix(stderr.String(), "expires ") {
		t.Fatalf("expected expiry notice on stderr, got %q", stderr.String())
	}
}

func TestTokenCommandRequiresSigningSecret(t *testing.T) {
	config.ApplyDefaults(viper.GetViper())
	t.Cleanup(viper.Reset)

	cmd := newTokenCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--subject", "operator", "--role", "admin"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected missing signing secret to fail")
	}
}
