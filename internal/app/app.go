// Package app wires the dispatcher core together: config, logging, the
// account pool, the queue, transports, the ledger, and the operator API.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"promobot/internal/accounts"
	"promobot/internal/api"
	"promobot/internal/campaign"
	"promobot/internal/config"
	"promobot/internal/dispatch"
	"promobot/internal/eventbus"
	"promobot/internal/ledger"
	"promobot/internal/quota"
	"promobot/internal/ratelimit"
	"promobot/internal/transport"
	"promobot/internal/transport/telegram"
	"promobot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm   *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus    *eventbus.Bus
	reg    *campaign.Registry
	limits *ratelimit.Hourly
	pool   *accounts.Pool
	led    *ledger.Ledger
	subs   *quota.Memory
	tr     transport.Transport
	disp   *dispatch.Service
	api    *api.Server

	cron *cron.Cron

	runCtx      context.Context
	dispRunning bool
	watchCancel context.CancelFunc
	reloadDone  chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	reg := campaign.NewRegistry()
	limits := ratelimit.NewHourly(cfg.Limits.MaxMessagesPerHour)
	pool := accounts.NewPool(limits, bus, log.With(logx.String("comp", "accounts")))

	busyTimeout, err := config.ParseDurationOrDefault("ledger.store.busy_timeout", cfg.Ledger.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := ledger.OpenStore(ledger.StoreConfig{
		Driver:      cfg.Ledger.Store.Driver,
		Path:        cfg.Ledger.Store.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "ledger")))
	if err != nil {
		return nil, err
	}
	retention, err := config.ParseDurationField("ledger.retention", cfg.Ledger.Retention)
	if err != nil {
		return nil, err
	}
	led := ledger.New(ledger.Config{
		MaxEntries: cfg.Ledger.MaxEntries,
		Retention:  retention,
	}, store, bus, log.With(logx.String("comp", "ledger")))

	subs := quota.NewMemory()

	httpTimeout, err := config.ParseDurationOrDefault("telegram.http_timeout", cfg.Telegram.HTTPTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	tr := telegram.New(telegram.Config{
		HTTPTimeout: httpTimeout,
		ParseMode:   cfg.Telegram.ParseMode,
	}, log.With(logx.String("comp", "telegram")))

	dispCfg, err := dispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	queue := dispatch.NewQueue(reg)
	disp := dispatch.New(dispCfg, dispatch.Deps{
		Queue:     queue,
		Pool:      pool,
		Limits:    limits,
		Registry:  reg,
		Ledger:    led,
		Quota:     subs,
		Transport: tr,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "dispatch")),
	})

	apiSrv := api.New(api.Config{
		Enabled: cfg.API.Enabled,
		Addr:    cfg.API.Addr,
	}, api.Deps{
		Dispatcher: disp,
		Pool:       pool,
		Registry:   reg,
		Ledger:     led,
		Subs:       subs,
		Transport:  tr,
		Log:        log.With(logx.String("comp", "api")),
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logSvc:  logSvc,
		log:     log.With(logx.String("comp", "app")),
		bus:     bus,
		reg:     reg,
		limits:  limits,
		pool:    pool,
		led:     led,
		subs:    subs,
		tr:      tr,
		disp:    disp,
		api:     apiSrv,
	}, nil
}

// Dispatcher exposes the core service, mostly for embedding callers.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.cfgm.SetValidator(func(c *config.Config) error {
		if _, err := dispatchConfig(c); err != nil {
			return err
		}
		if c.Limits.MaxMessagesPerHour < 0 {
			return fmt.Errorf("limits.max_messages_per_hour must be >= 0")
		}
		if _, err := config.ParseDurationField("ledger.retention", c.Ledger.Retention); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("telegram.http_timeout", c.Telegram.HTTPTimeout); err != nil {
			return err
		}
		return nil
	})

	a.runCtx = ctx
	if cfg.Dispatcher.Enabled == nil || *cfg.Dispatcher.Enabled {
		a.disp.Start(ctx)
		a.dispRunning = true
	}

	if err := a.api.Start(ctx); err != nil {
		return err
	}

	// Housekeeping: prune the ledger and evict stale rate windows.
	spec := cfg.Maintenance.Spec
	if spec == "" {
		spec = "@hourly"
	}
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(spec, func() {
		now := time.Now()
		pruned := a.led.Prune(now)
		swept := a.limits.Sweep(now)
		a.log.Debug("maintenance pass", logx.Int("ledger_pruned", pruned), logx.Int("windows_swept", swept))
	}); err != nil {
		return fmt.Errorf("maintenance.spec: %w", err)
	}
	a.cron.Start()

	// Hot reload fan-out.
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	sub := a.cfgm.Subscribe(8)
	a.reloadDone = make(chan struct{})
	go func() {
		defer close(a.reloadDone)
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-watchCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	}()
	if err := a.cfgm.Watch(watchCtx); err != nil {
		return err
	}

	a.log.Info("started")
	return nil
}

// applyConfig pushes a committed reload into the live components. The
// validator already ran, so parse errors here mean a component default.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.limits.SetMax(cfg.Limits.MaxMessagesPerHour)

	if dc, err := dispatchConfig(cfg); err == nil {
		a.disp.Apply(dc)
		if dc.Enabled && !a.dispRunning {
			a.log.Info("dispatcher enabled via config")
			a.disp.Start(a.runCtx)
			a.dispRunning = true
		} else if !dc.Enabled && a.dispRunning {
			a.log.Info("dispatcher disabled via config")
			stopCtx, cancel := context.WithTimeout(a.runCtx, 10*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
			a.dispRunning = false
		}
	}

	a.bus.Publish(eventbus.Event{Topic: eventbus.TopicConfigApplied, Time: time.Now()})
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Stop intake first, then the workers, then everything behind them.
	step("api", 3*time.Second, a.api.Stop)
	step("dispatcher", 10*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.watchCancel != nil {
		a.watchCancel()
		if a.reloadDone != nil {
			select {
			case <-a.reloadDone:
			case <-ctx.Done():
			}
		}
	}

	step("transport", 3*time.Second, func(context.Context) error { return a.tr.Close() })
	_ = a.logSvc.Close()

	a.log.Info("stopped")
	return nil
}

// dispatchConfig maps the file config onto the dispatcher, resolving
// duration strings and pointer-bool defaults.
func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatcher

	retryBase, err := config.ParseDurationOrDefault("dispatcher.retry_base", d.RetryBase, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("dispatcher.retry_max_delay", d.RetryMaxDelay, 10*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatcher.send_timeout", d.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	pollFloor, err := config.ParseDurationOrDefault("dispatcher.poll_floor", d.PollFloor, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	if d.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if d.MaxAttempts < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.max_attempts must be >= 0")
	}
	if d.RetryJitter < 0 || d.RetryJitter > 1 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.retry_jitter must be in [0,1]")
	}

	enabled := d.Enabled == nil || *d.Enabled
	enforcePremium := d.EnforcePremium == nil || *d.EnforcePremium
	randomizePacing := d.RandomizePacing == nil || *d.RandomizePacing

	jitter := d.RetryJitter
	if jitter == 0 {
		jitter = 0.2
	}

	return dispatch.Config{
		Enabled:         enabled,
		Workers:         d.Workers,
		MaxAttempts:     d.MaxAttempts,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		RetryJitter:     jitter,
		SendTimeout:     sendTimeout,
		PollFloor:       pollFloor,
		RatePerSec:      cfg.Limits.RatePerSec,
		EnforcePremium:  enforcePremium,
		RandomizePacing: randomizePacing,
	}, nil
}
