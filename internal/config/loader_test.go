package config_test

import (
	"testing"

	"github.com/MrWong99/callrelay/internal/config"
)

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		env  map[string]string
		pre  config.ProviderConfig
		want config.ProviderConfig
	}{
		{
			name: "primary names",
			env: map[string]string{
				"RETELL_API_KEY":          "k1",
				"RETELL_API_BASE_URL":     "https://api.example.com",
				"RETELL_DEFAULT_AGENT_ID": "a1",
				"RETELL_FROM_NUMBER":      "+1555",
			},
			want: config.ProviderConfig{APIKey: "k1", BaseURL: "https://api.example.com", DefaultAgentID: "a1", FromNumber: "+1555"},
		},
		{
			name: "fallback names",
			env: map[string]string{
				"RETELL_SECRET_KEY":   "secret",
				"HUME_CONFIG_ID":      "hume",
				"TELNYX_PHONE_NUMBER": "+1666",
			},
			want: config.ProviderConfig{APIKey: "secret", DefaultAgentID: "hume", FromNumber: "+1666"},
		},
		{
			name: "agent fallback order",
			env: map[string]string{
				"RETELL_AGENT_ID":                 "retell",
				"VOICE_PHASE1_FOLLOWUP_CONFIG_ID": "followup",
				"HUME_CONFIG_ID":                  "hume",
			},
			want: config.ProviderConfig{DefaultAgentID: "retell"},
		},
		{
			name: "blank env values are skipped",
			env: map[string]string{
				"RETELL_API_KEY":    "  ",
				"RETELL_SECRET_KEY": "secret",
			},
			want: config.ProviderConfig{APIKey: "secret"},
		},
		{
			name: "configured values win",
			env:  map[string]string{"RETELL_API_KEY": "env"},
			pre:  config.ProviderConfig{APIKey: "file"},
			want: config.ProviderConfig{APIKey: "file"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Provider: tt.pre}
			config.ApplyEnv(cfg, func(k string) string { return tt.env[k] })
			if cfg.Provider != tt.want {
				t.Errorf("Provider = %+v, want %+v", cfg.Provider, tt.want)
			}
		})
	}
}

func TestApplyEnv_DatabaseURL(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyEnv(cfg, func(k string) string {
		if k == "DATABASE_URL" {
			return "postgres://db/app"
		}
		return ""
	})
	if cfg.Store.PostgresDSN != "postgres://db/app" {
		t.Errorf("PostgresDSN = %q", cfg.Store.PostgresDSN)
	}
}
