// Package config defines all configuration for the market simulator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via MARKETSIM_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Simulation SimulationConfig `mapstructure:"simulation"`
	Regime     RegimeConfig     `mapstructure:"regime"`
	Store      StoreConfig      `mapstructure:"store"`
	Bus        BusConfig        `mapstructure:"bus"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SimulationConfig tunes the stochastic price model.
//
//   - TickInterval: cadence of the price pipeline (one bar per tick).
//   - StepsPerDay: time discretisation; dt = 1/StepsPerDay trading days.
//   - TradingDaysPerYear: annual → daily volatility conversion.
//   - PriceLimitPct: hard daily band around the previous close (±10%).
//   - MarketWeight/SectorWeight/IndividualWeight: layer mix of the
//     composite log return; should sum to 1.
//   - RhoMS: correlation between the market and sector shocks.
//   - Sigma*Annual: annualised volatilities of the three layers; the
//     individual one is the default for instruments without their own.
type SimulationConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	StepsPerDay        int           `mapstructure:"steps_per_day"`
	TradingDaysPerYear int           `mapstructure:"trading_days_per_year"`
	PriceLimitPct      float64       `mapstructure:"price_limit_pct"`
	MarketWeight       float64       `mapstructure:"market_weight"`
	SectorWeight       float64       `mapstructure:"sector_weight"`
	IndividualWeight   float64       `mapstructure:"individual_weight"`
	RhoMS              float64       `mapstructure:"rho_ms"`
	SigmaMarketAnnual  float64       `mapstructure:"sigma_market_annual"`
	SigmaSectorAnnual  float64       `mapstructure:"sigma_sector_annual"`
	SigmaIndivAnnual   float64       `mapstructure:"sigma_individual_annual"`
	IndexScale         float64       `mapstructure:"index_scale"`
	BarInterval        string        `mapstructure:"bar_interval"`
}

// RegimeConfig controls the market-state Markov controller.
type RegimeConfig struct {
	MinDwellDays int           `mapstructure:"min_dwell_days"`
	EvalInterval time.Duration `mapstructure:"eval_interval"`
	StayProb     float64       `mapstructure:"stay_prob"`
}

// StoreConfig sets where snapshots and bar history are persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite file path, ":memory:" for tests
}

// BusConfig selects the pub/sub backend by URL scheme:
// mem:// (in-process), redis://host:port/db, nats://host:port.
//
// PublishBuffer bounds the outbound queue used while the bus is
// reconnecting; beyond capacity the oldest messages are dropped.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	PublishBuffer int    `mapstructure:"publish_buffer"`
}

// ServerConfig controls the WebSocket/HTTP front end.
type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	HeartbeatSeconds int           `mapstructure:"heartbeat_seconds"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration used when a key is absent
// from the config file and environment.
func Default() Config {
	return Config{
		Simulation: SimulationConfig{
			TickInterval:       3 * time.Second,
			StepsPerDay:        4800,
			TradingDaysPerYear: 250,
			PriceLimitPct:      0.10,
			MarketWeight:       0.50,
			SectorWeight:       0.30,
			IndividualWeight:   0.20,
			RhoMS:              0.75,
			SigmaMarketAnnual:  0.30,
			SigmaSectorAnnual:  0.40,
			SigmaIndivAnnual:   0.80,
			IndexScale:         10,
			BarInterval:        "tick",
		},
		Regime: RegimeConfig{
			MinDwellDays: 7,
			EvalInterval: 24 * time.Hour,
			StayProb:     0.70,
		},
		Store: StoreConfig{Path: "marketsim.db"},
		Bus:   BusConfig{URL: "mem://", PublishBuffer: 1024},
		Server: ServerConfig{
			Port:             8080,
			HeartbeatSeconds: 30,
			SendBuffer:       256,
			WriteTimeout:     10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads config from a YAML file with env var overrides
// (MARKETSIM_BUS_URL, MARKETSIM_STORE_PATH, ...). Missing keys fall back
// to Default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MARKETSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("simulation.tick_interval", d.Simulation.TickInterval)
	v.SetDefault("simulation.steps_per_day", d.Simulation.StepsPerDay)
	v.SetDefault("simulation.trading_days_per_year", d.Simulation.TradingDaysPerYear)
	v.SetDefault("simulation.price_limit_pct", d.Simulation.PriceLimitPct)
	v.SetDefault("simulation.market_weight", d.Simulation.MarketWeight)
	v.SetDefault("simulation.sector_weight", d.Simulation.SectorWeight)
	v.SetDefault("simulation.individual_weight", d.Simulation.IndividualWeight)
	v.SetDefault("simulation.rho_ms", d.Simulation.RhoMS)
	v.SetDefault("simulation.sigma_market_annual", d.Simulation.SigmaMarketAnnual)
	v.SetDefault("simulation.sigma_sector_annual", d.Simulation.SigmaSectorAnnual)
	v.SetDefault("simulation.sigma_individual_annual", d.Simulation.SigmaIndivAnnual)
	v.SetDefault("simulation.index_scale", d.Simulation.IndexScale)
	v.SetDefault("simulation.bar_interval", d.Simulation.BarInterval)
	v.SetDefault("regime.min_dwell_days", d.Regime.MinDwellDays)
	v.SetDefault("regime.eval_interval", d.Regime.EvalInterval)
	v.SetDefault("regime.stay_prob", d.Regime.StayProb)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("bus.url", d.Bus.URL)
	v.SetDefault("bus.publish_buffer", d.Bus.PublishBuffer)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.heartbeat_seconds", d.Server.HeartbeatSeconds)
	v.SetDefault("server.send_buffer", d.Server.SendBuffer)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	s := c.Simulation
	if s.TickInterval <= 0 {
		return fmt.Errorf("simulation.tick_interval must be > 0")
	}
	if s.StepsPerDay <= 0 {
		return fmt.Errorf("simulation.steps_per_day must be > 0")
	}
	if s.TradingDaysPerYear <= 0 {
		return fmt.Errorf("simulation.trading_days_per_year must be > 0")
	}
	if s.PriceLimitPct <= 0 || s.PriceLimitPct >= 1 {
		return fmt.Errorf("simulation.price_limit_pct must be in (0, 1)")
	}
	wsum := s.MarketWeight + s.SectorWeight + s.IndividualWeight
	if wsum < 0.999 || wsum > 1.001 {
		return fmt.Errorf("simulation layer weights must sum to 1.0, got %v", wsum)
	}
	if s.RhoMS < -1 || s.RhoMS > 1 {
		return fmt.Errorf("simulation.rho_ms must be in [-1, 1]")
	}
	if s.IndexScale <= 0 {
		return fmt.Errorf("simulation.index_scale must be > 0")
	}
	if c.Regime.MinDwellDays < 0 {
		return fmt.Errorf("regime.min_dwell_days must be >= 0")
	}
	if c.Regime.StayProb < 0 || c.Regime.StayProb > 1 {
		return fmt.Errorf("regime.stay_prob must be in [0, 1]")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if c.Bus.PublishBuffer <= 0 {
		return fmt.Errorf("bus.publish_buffer must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port")
	}
	if c.Server.HeartbeatSeconds <= 0 {
		return fmt.Errorf("server.heartbeat_seconds must be > 0")
	}
	return nil
}
