package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/P0W/option-strategies/internal/broker"
	"github.com/P0W/option-strategies/internal/config"
	"github.com/P0W/option-strategies/internal/dashboard"
	"github.com/P0W/option-strategies/internal/feed"
	"github.com/P0W/option-strategies/internal/models"
	"github.com/P0W/option-strategies/internal/orders"
	"github.com/P0W/option-strategies/internal/storage"
	"github.com/P0W/option-strategies/internal/strategy"
	"github.com/P0W/option-strategies/internal/strikes"
)

func main() {
	var (
		configPath      string
		showStrikesOnly bool
		existingTag     string
		straddle        bool
		strangle        bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&showStrikesOnly, "show-strikes-only", false, "Print the selected strikes and exit")
	flag.StringVar(&existingTag, "tag", "", "Resume monitoring an existing position by tag")
	flag.BoolVar(&straddle, "straddle", false, "Sell the ATM straddle")
	flag.BoolVar(&strangle, "strangle", true, "Sell the closest-premium strangle (default)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)
	logger.Printf("Starting option strategies bot in %s mode on %s", cfg.Environment.Mode, cfg.Strategy.Index)

	if err := run(cfg, logger, runOptions{
		showStrikesOnly: showStrikesOnly,
		existingTag:     existingTag,
		straddle:        straddle && !strangleFlagSet(),
	}); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped")
}

// strangleFlagSet reports whether --strangle was passed explicitly, so
// --straddle alone wins over the strangle default.
func strangleFlagSet() bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "strangle" {
			set = true
		}
	})
	return set
}

type runOptions struct {
	showStrikesOnly bool
	existingTag     string
	straddle        bool
}

func run(cfg *config.Config, logger *log.Logger, opts runOptions) error {
	meta := cfg.IndexMeta()

	var client broker.Client
	switch cfg.Environment.Mode {
	case "dummy":
		client = broker.NewDummyClient(cfg.Broker.FeedURL, logger)
	default:
		return fmt.Errorf("live broker client not configured, run in dummy mode")
	}
	client = broker.NewCircuitBreakerClient(client)
	if err := client.Login(); err != nil {
		return fmt.Errorf("broker login: %w", err)
	}

	selector := strikes.NewSelector(client, logger)

	strategyName := "strangle"
	if opts.straddle {
		strategyName = "straddle"
	}

	expiry, err := selector.CurrentExpiry(meta.Exchange, cfg.Strategy.Index)
	if err != nil {
		return err
	}
	var pair models.StrikePair
	if opts.straddle {
		pair, err = selector.StraddleStrikes(meta.Exchange, cfg.Strategy.Index, expiry)
	} else {
		pair, err = selector.StrangleStrikes(meta.Exchange, cfg.Strategy.Index, expiry, cfg.Strategy.ClosestPremium)
	}
	if err != nil {
		return err
	}
	logger.Printf("%s legs: %s @ %.2f / %s @ %.2f (expiry %s)",
		strategyName, pair.Call.Name, pair.Call.LastRate, pair.Put.Name, pair.Put.LastRate,
		expiry.Format("2006-01-02"))
	if opts.showStrikesOnly {
		return nil
	}

	// Refuse fresh entries in a panicked market.
	if opts.existingTag == "" {
		vix, err := selector.Vix(meta.Exchange)
		if err != nil {
			return fmt.Errorf("vix check: %w", err)
		}
		if vix > cfg.Strategy.VixCeiling {
			return fmt.Errorf("india vix %.2f above ceiling %.2f, not trading today", vix, cfg.Strategy.VixCeiling)
		}
		logger.Printf("india vix %.2f, under ceiling %.2f", vix, cfg.Strategy.VixCeiling)
	}

	var store storage.Store
	if cfg.Storage.Path != "" {
		js, err := storage.NewJSONStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		store = js
	}

	om := orders.NewManager(client, logger, orders.Config{
		Exchange:   meta.Exchange,
		Segment:    cfg.Strategy.Segment,
		Tick:       meta.TickSize,
		Slippage:   0.2,
		PlaceDelay: 2 * time.Second,
		PollDelay:  2 * time.Second,
	})
	dispatcher := feed.NewDispatcher(client, logger, feed.Config{
		QueueSize:    cfg.Feed.QueueSize,
		TickTimeout:  cfg.TickTimeout(),
		OrderTimeout: cfg.OrderTimeout(),
		JoinTimeout:  5 * time.Second,
	})
	strat := strategy.New(om, dispatcher, store, logger, strategy.Config{
		Name:           strategyName,
		Quantity:       cfg.Strategy.Quantity,
		ProfitTarget:   cfg.Strategy.ProfitTarget,
		LossTarget:     cfg.Strategy.LossTarget,
		StopLossFactor: cfg.Strategy.StopLossFactor,
		EntryWait:      cfg.EntryWaitDuration(),
		ExpiryWeekday:  expiry.Weekday(),
		Location:       cfg.Location(),
	})

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dash := dashboard.NewServer(dashboard.Config{Port: cfg.Dashboard.Port}, store, strat, dashLogger)
		go func() {
			if err := dash.Start(); err != nil {
				logger.Printf("dashboard: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = dash.Shutdown(ctx)
		}()
	}

	legs := []models.Leg{
		{Instrument: models.Instrument{
			Exchange: meta.Exchange, Segment: cfg.Strategy.Segment,
			ScripCode: pair.Call.ScripCode, Name: pair.Call.Name,
		}, LastPrice: pair.Call.LastRate},
		{Instrument: models.Instrument{
			Exchange: meta.Exchange, Segment: cfg.Strategy.Segment,
			ScripCode: pair.Put.ScripCode, Name: pair.Put.Name,
		}, LastPrice: pair.Put.LastRate},
	}

	if opts.existingTag != "" {
		if err := strat.Resume(opts.existingTag, legs); err != nil {
			return fmt.Errorf("resuming %s: %w", opts.existingTag, err)
		}
	} else {
		tag := newTag(cfg.Strategy.Index)
		index := models.Instrument{
			Exchange:  meta.Exchange,
			Segment:   models.SegmentCash,
			ScripCode: indexScripCode(cfg.Strategy.Index),
			Name:      cfg.Strategy.Index,
		}
		logger.Printf("starting run tag=%s", tag)
		if err := strat.Start(tag, index, legs); err != nil {
			return fmt.Errorf("starting run: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		strat.Shutdown()
	}()

	if err := dispatcher.Wait(); err != nil {
		logger.Printf("feed session ended with error: %v", err)
	}
	if pnl, ok := strat.PnL(); ok {
		logger.Printf("final state=%s pnl=%.2f", strat.State(), pnl)
	} else {
		logger.Printf("final state=%s", strat.State())
	}
	return nil
}

// newTag builds a short unique correlation tag for the day's run.
func newTag(index string) string {
	short := uuid.NewString()[:8]
	return fmt.Sprintf("%s%s%s", index[:1], time.Now().Format("0102"), short)
}

func indexScripCode(index string) int {
	switch index {
	case "BANKNIFTY":
		return models.BankNiftyIndex
	default:
		return models.NiftyIndex
	}
}
