package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "store:\n  path: test.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "test.db", cfg.Store.Path)
	require.Equal(t, 3*time.Second, cfg.Simulation.TickInterval)
	require.Equal(t, 4800, cfg.Simulation.StepsPerDay)
	require.Equal(t, 0.10, cfg.Simulation.PriceLimitPct)
	require.Equal(t, 0.75, cfg.Simulation.RhoMS)
	require.Equal(t, 7, cfg.Regime.MinDwellDays)
	require.Equal(t, "mem://", cfg.Bus.URL)
	require.Equal(t, 30, cfg.Server.HeartbeatSeconds)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
simulation:
  tick_interval: 1s
  steps_per_day: 14400
bus:
  url: redis://localhost:6379/0
server:
  port: 9000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, time.Second, cfg.Simulation.TickInterval)
	require.Equal(t, 14400, cfg.Simulation.StepsPerDay)
	require.Equal(t, "redis://localhost:6379/0", cfg.Bus.URL)
	require.Equal(t, 9000, cfg.Server.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MARKETSIM_BUS_URL", "nats://localhost:4222")
	path := writeConfig(t, "{}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "nats://localhost:4222", cfg.Bus.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick interval", func(c *Config) { c.Simulation.TickInterval = 0 }},
		{"zero steps per day", func(c *Config) { c.Simulation.StepsPerDay = 0 }},
		{"band too wide", func(c *Config) { c.Simulation.PriceLimitPct = 1.5 }},
		{"weights off", func(c *Config) { c.Simulation.MarketWeight = 0.9 }},
		{"rho out of range", func(c *Config) { c.Simulation.RhoMS = 1.5 }},
		{"negative dwell", func(c *Config) { c.Regime.MinDwellDays = -1 }},
		{"stay prob", func(c *Config) { c.Regime.StayProb = 1.2 }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"empty bus url", func(c *Config) { c.Bus.URL = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero heartbeat", func(c *Config) { c.Server.HeartbeatSeconds = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
