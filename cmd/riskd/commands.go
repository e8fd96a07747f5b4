package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bullet3113/risk-engine/internal/admission"
	"github.com/bullet3113/risk-engine/internal/bootstrap"
	"github.com/bullet3113/risk-engine/internal/config"
	"github.com/bullet3113/risk-engine/internal/instrument"
	"github.com/bullet3113/risk-engine/internal/journal"
	"github.com/bullet3113/risk-engine/internal/ledger"
	"github.com/bullet3113/risk-engine/internal/market"
	"github.com/bullet3113/risk-engine/internal/observ"
	"github.com/bullet3113/risk-engine/internal/server"
	"github.com/bullet3113/risk-engine/internal/store"
)

type rootOptions struct {
	configPath string
	seed       int64
}

func (o *rootOptions) load() (config.Root, *instrument.Set, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, nil, fmt.Errorf("load config: %w", err)
		}
	}
	set, err := instrument.NewSet(cfg.Symbols())
	if err != nil {
		return cfg, nil, err
	}
	return cfg, set, nil
}

func (o *rootOptions) rngSeed() int64 {
	if o.seed != 0 {
		return o.seed
	}
	return time.Now().UnixNano()
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the market loop and the admission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, set, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var st store.Store
			if memory {
				// Standalone mode: everything in-process, seeded on start.
				mem := store.NewMemory(set)
				if err := bootstrap.Warmup(ctx, mem, set, cfg, opts.rngSeed(), false); err != nil {
					return err
				}
				st = mem
			} else {
				rs := store.NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisDB, set)
				if err := rs.Ping(ctx); err != nil {
					observ.Log("redis_unreachable", map[string]any{"addr": cfg.Store.RedisAddr, "error": err.Error()})
				}
				st = rs
			}
			defer st.Close()

			if err := verifyUniverse(ctx, st, set); err != nil {
				return err
			}

			jnl, err := journal.New(cfg.Journal.Path)
			if err != nil {
				return err
			}
			led := ledger.New(st, set)
			adv := make([]float64, len(cfg.Instruments))
			for i, ins := range cfg.Instruments {
				adv[i] = ins.AvgDailyVolume
			}
			ctrl := admission.NewController(st, set, led, jnl, admission.Config{
				VaRLimit:       cfg.VaRLimit(),
				SpreadBps:      cfg.Risk.SpreadBps,
				ImpactK:        cfg.Risk.ImpactK,
				AvgDailyVolume: adv,
			})

			model := market.NewModel(set, cfg.Market.TickSigma, cfg.Market.DecayLambda, opts.rngSeed())
			loop := market.NewLoop(st, model,
				time.Duration(cfg.Market.TickIntervalMs)*time.Millisecond,
				time.Duration(cfg.Market.RetryBackoffMs)*time.Millisecond)

			loopErr := make(chan error, 1)
			go func() { loopErr <- loop.Run(ctx) }()

			srv := server.New(ctrl, st, set, cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst)
			srvErr := make(chan error, 1)
			go func() { srvErr <- srv.Run(ctx, cfg.Server.Addr) }()

			select {
			case <-ctx.Done():
				return nil
			case err := <-loopErr:
				return fmt.Errorf("market loop: %w", err)
			case err := <-srvErr:
				return fmt.Errorf("http server: %w", err)
			}
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "use an in-process store seeded on start (no Redis)")
	return cmd
}

func newWarmupCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "warmup",
		Short: "Seed covariance matrices, prices, cash and holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, set, err := opts.load()
			if err != nil {
				return err
			}
			rs := store.NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisDB, set)
			defer rs.Close()
			if err := rs.Ping(cmd.Context()); err != nil {
				return err
			}
			return bootstrap.Warmup(cmd.Context(), rs, set, cfg, opts.rngSeed(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reseed even if the store already holds state")
	return cmd
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Rewrite cash and holdings to their initial defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, set, err := opts.load()
			if err != nil {
				return err
			}
			rs := store.NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisDB, set)
			defer rs.Close()
			if err := rs.Ping(cmd.Context()); err != nil {
				return err
			}
			return bootstrap.ResetPortfolio(cmd.Context(), rs, set, cfg.Portfolio.StartingCash)
		},
	}
}

// verifyUniverse fails fast when the store was seeded for a different
// instrument list; stale vectors would silently misalign every index.
// A store that is unreachable or not yet seeded is not fatal here: the
// market loop waits for warmup and retries transient failures itself.
func verifyUniverse(ctx context.Context, st store.Store, set *instrument.Set) error {
	err := store.VerifyInstruments(ctx, st, set)
	if err == nil || errors.Is(err, store.ErrNotReady) {
		return nil
	}
	var malformed *store.MalformedStateError
	if errors.As(err, &malformed) {
		return err
	}
	observ.Log("universe_check_deferred", map[string]any{"error": err.Error()})
	return nil
}
