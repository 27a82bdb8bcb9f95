// Command keywordwatcher runs the notification service: it loads
// configuration, opens the Store, wires the Resolver/Patience/Delivery/
// Reconciler/Reaper pipeline behind the platform.Gateway seam, and starts
// the command dispatcher and the operator console under a lifecycle
// Manager that guarantees dependency-ordered startup and the exact
// reverse on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/adapters/cli"
	"github.com/kbwatch/keywordwatcher/internal/adapters/commands"
	"github.com/kbwatch/keywordwatcher/internal/adapters/noop"
	"github.com/kbwatch/keywordwatcher/internal/domain/delivery"
	"github.com/kbwatch/keywordwatcher/internal/domain/patience"
	"github.com/kbwatch/keywordwatcher/internal/domain/reaper"
	"github.com/kbwatch/keywordwatcher/internal/domain/reconciler"
	"github.com/kbwatch/keywordwatcher/internal/domain/resolver"
	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/domain/updates"
	"github.com/kbwatch/keywordwatcher/internal/infra/clock"
	"github.com/kbwatch/keywordwatcher/internal/infra/config"
	"github.com/kbwatch/keywordwatcher/internal/infra/lifecycle"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/infra/pr"
	"github.com/kbwatch/keywordwatcher/internal/infra/reporting"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// sendRate bounds aggregate outbound DM sends per second across all
// recipients, independent of per-send retry pacing.
const sendRate = 5.0

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keywordwatcher: load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging.Level)
	for module, level := range cfg.Logging.Filters {
		logger.SetFilter(module, level)
	}
	for _, w := range cfg.Warnings() {
		logger.Warnf("config: %s", w)
	}

	reporter := reporting.New(cfg.Logging.Webhook)

	rootCtx, stopApp := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopApp()

	defer func() {
		if r := recover(); r != nil {
			reporter.ReportPanic(r, debug.Stack())
			panic(r)
		}
	}()

	mgr := lifecycle.New(rootCtx)

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keywordwatcher: open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	// noop.Gateway implements both halves of the platform seam: the
	// outbound Gateway and the inbound EventSource (an empty stream).
	// Replace with a real adapter to go live.
	gw := noop.Gateway{}

	cache := patience.NewMessageCache()
	rs := resolver.New(s, gw)
	if lifetime, ok := cfg.NotificationLifetime(); ok {
		rs.NotificationLifetime = lifetime
	}

	deliveryEngine := delivery.New(gw, s, reporter, sendRate)
	patienceCtrl := patience.New(cache, s, deliveryEngine, clock.Real, cfg.PatienceDuration())
	rec := reconciler.New(gw, s, cache)
	router := updates.New(rs, patienceCtrl, rec)
	dispatcher := &commands.Dispatcher{Store: s, Gateway: gw, MaxKeywords: cfg.Behavior.MaxKeywords}

	handlers := platform.EventHandlers{
		MessageCreate:     router.OnMessageCreate,
		MessageUpdate:     router.OnMessageUpdate,
		MessageDelete:     router.OnMessageDelete,
		ReactionAdd:       router.OnReactionAdd,
		InteractionCreate: dispatcher.HandleInteraction,
	}

	if err := pr.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "keywordwatcher: init console: %v\n", err)
		os.Exit(1)
	}
	cli.Version = version
	console := cli.NewService(s, patienceCtrl, cfg, cfg.Database.Path, stopApp)

	registerNode(mgr, "gateway", nil, func(ctx context.Context) (context.Context, error) {
		go func() {
			if err := gw.RunEvents(ctx, handlers); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("keywordwatcher: event stream: %v", err)
			}
		}()
		return nil, nil
	}, nil)

	registerNode(mgr, "backup", nil, func(ctx context.Context) (context.Context, error) {
		if cfg.Database.Backup {
			go runDailyBackup(ctx, s, cfg.Database.Path)
		}
		return nil, nil
	}, nil)

	registerNode(mgr, "reaper", nil, func(ctx context.Context) (context.Context, error) {
		if lifetime, ok := cfg.NotificationLifetime(); ok {
			rp := reaper.New(s, rec, clock.Real, lifetime)
			go rp.Run(ctx)
		}
		return nil, nil
	}, nil)

	registerNode(mgr, "console", []string{"reaper"}, func(ctx context.Context) (context.Context, error) {
		console.Start(ctx)
		return nil, nil
	}, func(context.Context) error {
		console.Stop()
		return nil
	})

	if err := mgr.StartAll(); err != nil {
		logger.Errorf("keywordwatcher: startup failed: %v", err)
	}

	<-rootCtx.Done()
	logger.Info("keywordwatcher: shutting down")

	if err := mgr.Shutdown(); err != nil {
		logger.Errorf("keywordwatcher: shutdown error: %v", err)
	}
}

// runDailyBackup snapshots the database into <data>/backup once at startup
// and then every 24 hours; retention cleanup runs after every snapshot.
func runDailyBackup(ctx context.Context, s *store.Store, dbPath string) {
	dir := filepath.Join(filepath.Dir(dbPath), "backup")
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if err := s.Backup(dbPath, dir); err != nil {
			logger.Errorf("keywordwatcher: daily backup: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func registerNode(mgr *lifecycle.Manager, name string, deps []string, start lifecycle.StartFunc, stop lifecycle.StopFunc) {
	if err := mgr.Register(name, "", deps, start, stop); err != nil {
		logger.Errorf("keywordwatcher: register %s: %v", name, err)
	}
}
