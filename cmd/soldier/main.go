package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"main/internal/dispatch"
	"main/internal/feed"
	"main/internal/gate"
	"main/internal/group"
	"main/internal/intent"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/risk"
	"main/internal/schema"
	"main/pkg/conn"

	"github.com/gin-gonic/gin"
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
)

const dispatchTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	reconcileOnly := flag.Bool("reconcile-only", false, "Reconcile the ledger against the venue and exit")
	flag.Parse()

	if *configPath == "" {
		log.Fatalf("config is required")
	}
	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ProfileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "soldier",
			ServerAddress:   cfg.ProfileAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	metrics := obs.NewMetrics()
	l, err := ledger.Open(cfg.LedgerPath, metrics)
	if err != nil {
		if errors.Is(err, ledger.ErrConflictingTerminal) {
			log.Fatalf("ledger history is inconsistent, refusing to trade: %v", err)
		}
		log.Fatalf("ledger open failed: %v", err)
	}
	defer l.Close()

	report := l.Classify()
	logs.Infof("ledger recovered: %d terminal, %d unsent, %d pending reconciliation",
		report.Terminal, len(report.Unsent), len(report.Reconcile))

	guard := risk.NewGuard(l.NetExposure)

	venue := feed.NewDeribitPub(ctx)
	if err := venue.StartWebsocket(ctx); err != nil {
		log.Fatalf("venue websocket failed: %v", err)
	}
	defer venue.Close()
	if err := venue.Authenticate(ctx, feed.Credentials{
		ClientID:     os.Getenv("DERIBIT_CLIENT_ID"),
		ClientSecret: os.Getenv("DERIBIT_CLIENT_SECRET"),
	}); err != nil {
		log.Fatalf("venue auth failed: %v", err)
	}

	trigger := risk.NewTrigger(guard, cfg.Trigger)
	dispatcher := dispatch.NewDispatcher(venue, l, metrics, dispatchTimeout)
	dispatcher.WatchTrouble(trigger)
	reconciler := dispatch.NewReconciler(venue, l, guard, dispatcher, metrics, cfg.Instruments)

	// No intent leaves before the venue state and the ledger agree.
	if err := reconciler.Reconcile(ctx); err != nil {
		log.Fatalf("startup reconciliation failed: %v", err)
	}
	if *reconcileOnly {
		logs.Info("reconciliation complete")
		return
	}

	books := feed.NewBookCache(metrics)
	books.SetDiscontinuityHandler(feed.DiscontinuityFunc(func(instrument string) {
		reconciler.OnDiscontinuity(ctx, instrument, "book stream gap")
	}))
	collector := feed.NewCollector(books)
	venue.ObserveBook(ctx, collector.OnBook)

	meta := feed.NewMetaCache(cfg.MetaTTL)
	for _, instrument := range cfg.Instruments {
		if err := refreshMeta(ctx, venue, meta, instrument); err != nil {
			log.Fatalf("instrument metadata for %s failed: %v", instrument, err)
		}
		if err := venue.SubscribeBook(ctx, instrument); err != nil {
			log.Fatalf("book subscription for %s failed: %v", instrument, err)
		}
	}
	go refreshMetaLoop(ctx, venue, meta, cfg.Instruments, cfg.MetaTTL/2)

	pipeline := gate.NewPipeline(cfg.Gate, books, guard, l, metrics)
	executor := group.NewExecutor(intent.NewBuilder(cfg.StrategyID, metrics), pipeline, dispatcher, l, meta, cfg.Rescue)

	go reconciler.Run(ctx, cfg.ReconcileInterval)
	go equityLoop(ctx, trigger, l, books, cfg.Instruments, cfg.ReconcileInterval)

	if cfg.ArchiveDSN != "" {
		archive, err := ledger.NewArchive(ctx, conn.Option{ConnString: cfg.ArchiveDSN})
		if err != nil {
			log.Fatalf("archive connect failed: %v", err)
		}
		defer archive.Close()
		go archiveLoop(ctx, archive, l, cfg.ReconcileInterval*10)
	}

	router := gin.Default()
	ops.SetupRoutes(router, ops.NewGinHandlers(guard, metrics, l, executor, cfg.MinEdgeUSD))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("operator api: %v", err)
			stop()
		}
	}()
	logs.Infof("soldier up: %d instruments, api on %s", len(cfg.Instruments), cfg.ListenAddr)

	<-ctx.Done()
	logs.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Errorf("api shutdown: %v", err)
	}
}

func refreshMeta(ctx context.Context, venue *feed.DeribitPub, meta *feed.MetaCache, instrument string) error {
	inst, err := venue.GetInstrument(ctx, instrument)
	if err != nil {
		return err
	}
	resolved, err := inst.Meta(time.Now().UnixNano())
	if err != nil {
		return err
	}
	meta.Put(resolved)
	return nil
}

// refreshMetaLoop keeps metadata inside its TTL. A failed refresh is
// logged and left to expire: the builder then rejects intents on that
// instrument instead of quantizing against stale steps.
func refreshMetaLoop(ctx context.Context, venue *feed.DeribitPub, meta *feed.MetaCache, instruments []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, instrument := range instruments {
				if err := refreshMeta(ctx, venue, meta, instrument); err != nil {
					logs.Errorf("metadata refresh %s: %v", instrument, err)
				}
			}
		}
	}
}

// equityLoop marks the fill-derived book against live mids and feeds
// the drawdown trigger. An instrument without a fresh book is skipped
// for the whole pass: a partial mark would overstate the drawdown.
func equityLoop(ctx context.Context, trigger *risk.Trigger, l *ledger.Ledger, books *feed.BookCache, instruments []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			equity, ok := markEquity(l, books, instruments)
			if ok {
				trigger.ObserveEquity(equity)
			}
		}
	}
}

func markEquity(l *ledger.Ledger, books *feed.BookCache, instruments []string) (float64, bool) {
	equity := l.CashFlow()
	for _, instrument := range instruments {
		exposure := l.NetExposure(instrument)
		if exposure == 0 {
			continue
		}
		snap, ok := books.Snapshot(instrument)
		if !ok {
			return 0, false
		}
		bid, okBid := snap.BestPrice(schema.SideSell)
		ask, okAsk := snap.BestPrice(schema.SideBuy)
		if !okBid || !okAsk {
			return 0, false
		}
		equity += exposure * (bid + ask) / 2
	}
	return equity, true
}

func archiveLoop(ctx context.Context, archive *ledger.Archive, l *ledger.Ledger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := archive.SweepTerminal(ctx, l); err != nil {
				logs.Errorf("archive sweep: %v", err)
			}
		}
	}
}
