// Package core assembles the daemon: config, logging, Discord client, webhook
// dispatcher, bulk scheduler, persistence, healthcheck, and the HTTP API.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	tele "gopkg.in/telebot.v4"

	"clippost/internal/bulk"
	"clippost/internal/config"
	"clippost/internal/discord"
	"clippost/internal/eventbus"
	"clippost/internal/healthcheck"
	"clippost/internal/n8n"
	"clippost/internal/runtime/supervisor"
	"clippost/internal/storage"
	"clippost/internal/transport/httpapi"
	logx "clippost/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus      eventbus.Bus
	webhooks *n8n.ConfigStore
	bulk     *bulk.Service
	store    storage.Store
	hc       *healthcheck.Service
	api      *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The Telegram operator log sink is optional; a broken token must not
	// keep the daemon from starting.
	var bot *tele.Bot
	if tg := cfg.Logging.Telegram; tg != nil && tg.Enabled && strings.TrimSpace(tg.Token) != "" {
		b, err := tele.NewBot(tele.Settings{Token: strings.TrimSpace(tg.Token)})
		if err != nil {
			logx.NewConsole(cfg.Logging.Level).Warn("telegram log sink unavailable", logx.Err(err))
		} else {
			bot = b
		}
	}

	logSvc, log := logx.New(logConfig(cfg), bot)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	reqTimeout, err := config.ParseDurationOrDefault("discord.request_timeout", cfg.Discord.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	extractor := discord.NewClient(discord.ClientConfig{
		BotToken:       cfg.Discord.Token(),
		APIBase:        cfg.Discord.APIBase,
		RequestTimeout: reqTimeout,
		RatePerSec:     cfg.Discord.RatePerSec,
	}, log.With(logx.String("comp", "discord")))

	webhooks := n8n.NewConfigStore(cfg.Webhooks.ConfigPath, log.With(logx.String("comp", "webhooks")))
	if err := webhooks.Load(); err != nil {
		return nil, fmt.Errorf("load webhook config: %w", err)
	}
	dispatchTimeout, err := config.ParseDurationOrDefault("webhooks.timeout", cfg.Webhooks.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	dispatcher := n8n.NewDispatcher(webhooks.Timeout(dispatchTimeout), log.With(logx.String("comp", "dispatch")))

	bus := eventbus.New()
	bulkCfg, err := bulkConfig(cfg)
	if err != nil {
		return nil, err
	}
	bulkSvc := bulk.New(bulkCfg, bulk.NewStore(), extractor, dispatcher, bus,
		log.With(logx.String("comp", "bulk")))

	var auditStore storage.Store
	if cfg.Storage != nil {
		busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		auditStore, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	var hc *healthcheck.Service
	if cfg.Healthcheck != nil && cfg.Healthcheck.Enabled {
		probeTimeout, err := config.ParseDurationOrDefault("healthcheck.timeout", cfg.Healthcheck.Timeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		hc = healthcheck.New(healthcheck.Config{
			Enabled:  true,
			Schedule: cfg.Healthcheck.Schedule,
			Timeout:  probeTimeout,
		}, webhooks, bulkSvc.Store(), log.With(logx.String("comp", "healthcheck")))
	}

	api := httpapi.New(httpapi.Config{
		Listen:  cfg.Server.Listen,
		Metrics: cfg.Server.Metrics,
	}, bulkSvc, webhooks, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		webhooks: webhooks,
		bulk:     bulkSvc,
		store:    auditStore,
		hc:       hc,
		api:      api,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("audit.pump", func(c context.Context) {
			defer unsub()
			a.auditPump(c, events)
		})
	}

	a.sup.Go0("config.watch", func(c context.Context) {
		_ = a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	if a.hc != nil {
		if err := a.hc.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if err := a.api.Start(); err != nil {
		return err
	}

	// Best-effort; a no-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("clippost started")
	return nil
}

// Stop shuts down in dependency order: stop accepting requests, cancel and
// drain bulk workers, then tear down background loops and sinks.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("shutting down")

	if a.api != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.api.Stop(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", logx.Err(err))
		}
		cancel()
	}

	a.bulk.Stop(ctx)

	if a.hc != nil {
		a.hc.Stop()
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}

	a.log.Info("shutdown complete")
	return a.logs.Close()
}

// applyConfig pushes hot-reloadable knobs into running services. Listen
// address, storage driver, and healthcheck schedule need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logConfig(cfg))

	bulkCfg, err := bulkConfig(cfg)
	if err != nil {
		a.log.Warn("config reload: bulk settings rejected", logx.Err(err))
	} else {
		a.bulk.Apply(bulkCfg)
	}
	a.log.Info("config applied")
}

func (a *App) auditPump(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			je, ok := ev.Data.(bulk.JobEvent)
			if !ok {
				continue
			}
			entry := storage.AuditEntry{
				At:        ev.Time,
				JobID:     je.JobID,
				Shape:     je.Shape,
				Event:     ev.Type,
				Item:      je.Item,
				Total:     je.Total,
				Completed: je.Completed,
				Failed:    je.Failed,
				Status:    je.Status,
				Error:     je.Error,
			}
			if entry.At.IsZero() {
				entry.At = time.Now()
			}
			if err := a.store.AppendAudit(ctx, entry); err != nil {
				a.log.Warn("audit append failed", logx.String("job", je.JobID), logx.Err(err))
			}
		}
	}
}

func logConfig(cfg *config.Config) logx.Config {
	out := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if tg := cfg.Logging.Telegram; tg != nil {
		out.Telegram = logx.TelegramConfig{
			Enabled:    tg.Enabled,
			ChatID:     tg.ChatID,
			MinLevel:   tg.MinLevel,
			RatePerSec: tg.RatePerSec,
		}
	}
	return out
}

func bulkConfig(cfg *config.Config) (bulk.Config, error) {
	sleepSlice, err := config.ParseDurationField("bulk.sleep_slice", cfg.Bulk.SleepSlice)
	if err != nil {
		return bulk.Config{}, err
	}
	grace, err := config.ParseDurationField("bulk.shutdown_grace", cfg.Bulk.ShutdownGrace)
	if err != nil {
		return bulk.Config{}, err
	}
	return bulk.Config{
		SleepSlice:      sleepSlice,
		ShutdownGrace:   grace,
		DefaultInterval: time.Duration(cfg.Bulk.DefaultIntervalMinutes) * time.Minute,
	}, nil
}
