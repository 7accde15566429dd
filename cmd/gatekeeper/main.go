package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/connector"
	"github.com/quantfall/gatekeeper/internal/exchange"
	"github.com/quantfall/gatekeeper/internal/exec"
	"github.com/quantfall/gatekeeper/internal/httpapi"
	"github.com/quantfall/gatekeeper/internal/market"
	"github.com/quantfall/gatekeeper/internal/market/feed"
	"github.com/quantfall/gatekeeper/internal/portfolio"
	"github.com/quantfall/gatekeeper/internal/ratelimit"
	"github.com/quantfall/gatekeeper/internal/risk"
)

var version = "dev"

var (
	flagConfig   string
	flagLogLevel string
	flagEquity   float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Execution and risk-gating core for automated trading",
		Long: `gatekeeper sits between a strategy decision layer and exchange venues:
it aggregates market state, gates trade intents through system, portfolio
and trade risk tiers, and works approved orders to completion.`,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "trace|debug|info|warn|error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the aggregator, risk gate and execution engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	runCmd.Flags().Float64Var(&flagEquity, "equity", 100_000, "starting paper equity in quote currency")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gatekeeper", version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	setupLogging(flagLogLevel)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	store := config.NewStore(flagConfig, cfg)
	stop := make(chan struct{})
	defer close(stop)
	store.WatchSIGHUP(stop)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agg := market.NewAggregator(aggregatorOptions(cfg))
	go watchOptions(ctx, store, agg)

	limiter := ratelimit.New(10, 20)
	symbolSet := map[string]struct{}{}
	for _, venue := range cfg.Venues {
		limiter.Configure(venue.Name, venue.RESTRps, venue.RESTBurst)
		bf := exchange.NewBinanceFeed(venue.WSURL, venue.RESTURL, limiter)
		worker := feed.NewWorker(bf, agg, venue.Symbols, cfg.Market.ReconnectBase, cfg.Market.ReconnectMax)
		go worker.Run(ctx)
		for _, sym := range venue.Symbols {
			symbolSet[sym] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(symbolSet))
	for sym := range symbolSet {
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		log.Warn().Msg("no venues configured, running with market state only from tests/API")
	}

	pf := portfolio.NewStore(flagEquity)
	tracker := portfolio.NewTracker(pf, midSource{agg}, symbols, 5*time.Second, time.Minute)
	go tracker.Run(ctx)

	breaker := risk.NewCircuitBreaker(store.Get, pf, agg.MaxStaleness, agg.MaxVolatility)
	go breaker.Run(ctx)

	gate := risk.NewGate(store.Get, breaker, pf, agg)

	// Order entry runs against the paper gateway: fills simulate off the
	// live aggregated book. Venue connectivity guards still apply so the
	// wiring matches a real gateway one-for-one.
	paper := exchange.NewPaperGateway("paper", agg)
	gateway := exchange.NewGuardedGateway(paper, limiter)
	engine := exec.NewEngine(store.Get, gate, gateway, agg, pf)

	conn := connector.New(store.Get, gate, engine)
	server := httpapi.NewServer(cfg.HTTP.Addr, conn, agg)

	log.Info().Str("version", version).Int("venues", len(cfg.Venues)).
		Strs("symbols", symbols).Str("http", cfg.HTTP.Addr).
		Msg("gatekeeper started")
	return server.Run(ctx)
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).Level(lvl)
}

func aggregatorOptions(cfg *config.Config) market.Options {
	opts := market.DefaultOptions()
	opts.FreshnessWindow = cfg.Market.FreshnessWindow
	opts.DepthLevels = cfg.Market.DepthLevels
	opts.ArbGapBps = cfg.Market.ArbGapBps
	opts.VolatilityHalflife = cfg.Market.VolatilityHalflife
	opts.NotifyBuffer = cfg.Market.NotifyBuffer
	return opts
}

// watchOptions pushes reloaded config into the aggregator. Reload is
// rare, so a periodic push keeps the plumbing simple.
func watchOptions(ctx context.Context, store *config.Store, agg *market.Aggregator) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agg.UpdateOptions(aggregatorOptions(store.Get()))
		}
	}
}

// midSource adapts the aggregator to the portfolio tracker.
type midSource struct {
	agg *market.Aggregator
}

func (m midSource) Mid(symbol string) (float64, bool) {
	snap, err := m.agg.GetSnapshot(symbol)
	if err != nil || snap.Mid <= 0 {
		return 0, false
	}
	return snap.Mid, true
}
