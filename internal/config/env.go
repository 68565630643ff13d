package config

import (
	"os"
	"strings"
)

// Environment variables consulted by [ApplyEnv], in fallback order.
var (
	envAPIKey     = []string{"RETELL_API_KEY", "RETELL_SECRET_KEY"}
	envBaseURL    = []string{"RETELL_API_BASE_URL"}
	envAgentID    = []string{"RETELL_DEFAULT_AGENT_ID", "RETELL_AGENT_ID", "VOICE_PHASE1_FOLLOWUP_CONFIG_ID", "HUME_CONFIG_ID"}
	envFromNumber = []string{"RETELL_FROM_NUMBER", "TELNYX_PHONE_NUMBER"}
	envDSN        = []string{"DATABASE_URL"}
)

// ApplyEnv fills empty secret and deployment fields of cfg from the
// environment. Values already set in the YAML file win. A nil getenv uses
// [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	fill := func(dst *string, keys []string) {
		if *dst != "" {
			return
		}
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	fill(&cfg.Provider.APIKey, envAPIKey)
	fill(&cfg.Provider.BaseURL, envBaseURL)
	fill(&cfg.Provider.DefaultAgentID, envAgentID)
	fill(&cfg.Provider.FromNumber, envFromNumber)
	fill(&cfg.Store.PostgresDSN, envDSN)
}
