package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Instrument describes one tradable symbol. The order of the instruments
// list fixes the vector/matrix index order for the whole system.
type Instrument struct {
	Symbol         string  `yaml:"symbol"`
	StartPrice     float64 `yaml:"start_price"`
	DailyVol       float64 `yaml:"daily_vol"`        // daily return volatility, e.g. 0.02
	AvgDailyVolume float64 `yaml:"avg_daily_volume"` // shares/day, 0 = unknown
}

type Market struct {
	TickIntervalMs int     `yaml:"tick_interval_ms"`
	TickSigma      float64 `yaml:"tick_sigma"`   // per-tick lognormal shock stddev
	DecayLambda    float64 `yaml:"decay_lambda"` // EWMA decay factor
	RetryBackoffMs int     `yaml:"retry_backoff_ms"`
}

type Risk struct {
	LimitFraction     float64 `yaml:"limit_fraction"`      // VaR limit as fraction of starting cash
	SpreadBps         float64 `yaml:"spread_bps"`          // synthetic half-spread around snapshot price
	ImpactK           float64 `yaml:"impact_k"`            // square-root market impact constant
	StressVolMultiple float64 `yaml:"stress_vol_multiple"` // crisis vol as multiple of configured daily vol
}

type Portfolio struct {
	StartingCash float64 `yaml:"starting_cash"`
}

type Store struct {
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

type Server struct {
	Addr            string  `yaml:"addr"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Root struct {
	Instruments []Instrument `yaml:"instruments"`
	Market      Market       `yaml:"market"`
	Risk        Risk         `yaml:"risk"`
	Portfolio   Portfolio    `yaml:"portfolio"`
	Store       Store        `yaml:"store"`
	Server      Server       `yaml:"server"`
	Journal     Journal      `yaml:"journal"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns a runnable configuration without a config file.
func Default() Root {
	var c Root
	c.applyDefaults()
	return c
}

func (c *Root) applyDefaults() {
	if len(c.Instruments) == 0 {
		c.Instruments = []Instrument{
			{Symbol: "AAPL", StartPrice: 206.80, DailyVol: 0.025, AvgDailyVolume: 15_000_000},
			{Symbol: "GOOG", StartPrice: 172.50, DailyVol: 0.028, AvgDailyVolume: 8_000_000},
			{Symbol: "MSFT", StartPrice: 415.75, DailyVol: 0.022, AvgDailyVolume: 12_000_000},
			{Symbol: "AMZN", StartPrice: 188.30, DailyVol: 0.027, AvgDailyVolume: 11_000_000},
			{Symbol: "TSLA", StartPrice: 242.10, DailyVol: 0.045, AvgDailyVolume: 20_000_000},
		}
	}
	if c.Market.TickIntervalMs == 0 {
		c.Market.TickIntervalMs = 2000
	}
	if c.Market.TickSigma == 0 {
		c.Market.TickSigma = 0.002
	}
	if c.Market.DecayLambda == 0 {
		c.Market.DecayLambda = 0.94
	}
	if c.Market.RetryBackoffMs == 0 {
		c.Market.RetryBackoffMs = 5000
	}
	if c.Risk.LimitFraction == 0 {
		c.Risk.LimitFraction = 0.005
	}
	if c.Risk.SpreadBps == 0 {
		c.Risk.SpreadBps = 2
	}
	if c.Risk.ImpactK == 0 {
		c.Risk.ImpactK = 0.1
	}
	if c.Risk.StressVolMultiple == 0 {
		c.Risk.StressVolMultiple = 4
	}
	if c.Portfolio.StartingCash == 0 {
		c.Portfolio.StartingCash = 1_000_000
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "localhost:6379"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.RateLimitPerSec == 0 {
		c.Server.RateLimitPerSec = 20
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 40
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/trades.jsonl"
	}
}

func (c *Root) validate() error {
	seen := map[string]bool{}
	for _, ins := range c.Instruments {
		if ins.Symbol == "" {
			return fmt.Errorf("instrument with empty symbol")
		}
		if seen[ins.Symbol] {
			return fmt.Errorf("duplicate instrument symbol %q", ins.Symbol)
		}
		seen[ins.Symbol] = true
		if ins.StartPrice <= 0 {
			return fmt.Errorf("instrument %s: start_price must be > 0", ins.Symbol)
		}
		if ins.DailyVol <= 0 {
			return fmt.Errorf("instrument %s: daily_vol must be > 0", ins.Symbol)
		}
		if ins.AvgDailyVolume < 0 {
			return fmt.Errorf("instrument %s: avg_daily_volume must be >= 0", ins.Symbol)
		}
	}
	if l := c.Market.DecayLambda; l < 0 || l > 1 {
		return fmt.Errorf("market.decay_lambda %v outside [0,1]", l)
	}
	if c.Risk.LimitFraction <= 0 {
		return fmt.Errorf("risk.limit_fraction must be > 0")
	}
	return nil
}

// Symbols returns the configured symbols in index order.
func (c *Root) Symbols() []string {
	out := make([]string, len(c.Instruments))
	for i, ins := range c.Instruments {
		out[i] = ins.Symbol
	}
	return out
}

// VaRLimit is the dollar ceiling on portfolio VaR.
func (c *Root) VaRLimit() float64 {
	return c.Portfolio.StartingCash * c.Risk.LimitFraction
}
