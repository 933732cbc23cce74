// Package app wires the capture pipeline, the broadcast dispatcher, and the
// operator command surface together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/capture"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/maintenance"
	"relaybot/internal/observability/pprof"
	"relaybot/internal/registry"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	telegram "relaybot/internal/transport/telegram/adapter"
	logx "relaybot/pkg/logx"
)

const (
	defaultRegistryPath = "./relaybot_registry.json"
	defaultArchiveDir   = "./status_archive"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	reg     *registry.Registry

	engine *capture.Engine
	disp   *dispatch.Service
	maint  *maintenance.Service
	pprof  *pprof.Service

	cmdm *CommandManager

	events  chan kit.StatusEvent
	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		StatusChats: cfg.Telegram.StatusChats,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New() calls Apply() immediately. If chat logging is enabled but
	// the target isn't set yet, Apply() would warn. Bootstrap with chat
	// logging disabled, set the target, then Apply() the final config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    false, // set target first, then enable via Apply()
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	logSvc.SetChatTarget(cfg.Logging.Chat.Target)
	finalLogCfg := baseLogCfg
	finalLogCfg.Chat.Enabled = cfg.Logging.Chat.Enabled
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	// Storage (optional archive index).
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	regPath := strings.TrimSpace(cfg.Capture.RegistryPath)
	if regPath == "" {
		regPath = defaultRegistryPath
	}
	reg, err := registry.Open(regPath, log.With(logx.String("comp", "registry")))
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", regPath, err)
	}

	archiveDir := strings.TrimSpace(cfg.Capture.ArchiveDir)
	if archiveDir == "" {
		archiveDir = defaultArchiveDir
	}
	arch := capture.NewArchiver(archiveDir, store, log.With(logx.String("comp", "archive")))

	engine := capture.New(capture.Config{ForwardTo: cfg.Capture.ForwardTo},
		reg, ad, arch, bus, log.With(logx.String("comp", "capture")))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, ad, bus, log.With(logx.String("comp", "dispatch")))

	mcfg, err := mapMaintenanceConfig(cfg, archiveDir)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(mcfg, log.With(logx.String("comp", "maintenance")))

	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pcfg, log.With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		reg:     reg,
		engine:  engine,
		disp:    disp,
		maint:   maint,
		pprof:   pprofSvc,
		events:  make(chan kit.StatusEvent, 256),
		updates: make(chan kit.Update, 256),
	}
	a.cmdm = NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
	a.cmdm.Register(a.commands())
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenanceConfig(cfg, defaultArchiveDir); err != nil {
			return err
		}
		_, err := mapPprofConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.events, a.updates); err != nil {
		return err
	}

	if a.disp.Enabled() {
		a.disp.Start(a.sup.Context())
	}
	if a.maint.Enabled() {
		a.maint.Start(a.sup.Context())
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	a.sup.Go("capture.run", func(c context.Context) error {
		return a.engine.Run(c, a.events)
	})

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// Debug visibility into bus traffic; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyConfig(c, newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *Config, sections []string) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	// update log target first (so Apply() doesn't warn when chat logging is enabled)
	a.logs.SetChatTarget(cfg.Logging.Chat.Target)
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	})

	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.adapter.Apply(telegram.Config{
		Token:       cfg.Telegram.Token,
		StatusChats: cfg.Telegram.StatusChats,
	})
	a.engine.Apply(capture.Config{ForwardTo: cfg.Capture.ForwardTo})

	// dispatcher: live apply + enable/disable on the fly
	prevDispEnabled := a.disp.Enabled()
	if dcfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
		switch {
		case prevDispEnabled && !dcfg.Enabled:
			a.log.Info("dispatcher disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		case !prevDispEnabled && dcfg.Enabled:
			a.log.Info("dispatcher enabled via config")
			a.disp.Start(ctx)
		}
	}

	archiveDir := strings.TrimSpace(cfg.Capture.ArchiveDir)
	if archiveDir == "" {
		archiveDir = defaultArchiveDir
	}
	if mcfg, err := mapMaintenanceConfig(cfg, archiveDir); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else {
		a.maint.Apply(ctx, mcfg)
	}

	if pcfg, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, pcfg)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("dispatcher", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("maintenance", 1*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (capture loop, config watch, command dispatcher).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, true, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	b := cfg.Broadcast
	minDelay, err := parseDurationField("broadcast.message_delay_min", b.MessageDelayMin)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := parseDurationField("broadcast.message_delay_max", b.MessageDelayMax)
	if err != nil {
		return dispatch.Config{}, err
	}
	step, err := parseDurationField("broadcast.batch_delay_step", b.BatchDelayStep)
	if err != nil {
		return dispatch.Config{}, err
	}
	statusTTL, err := parseDurationField("broadcast.status_ttl", b.StatusTTL)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:         b.Enabled,
		MaxTotal:        b.MaxTotal,
		BatchSize:       b.BatchSize,
		MessageDelayMin: minDelay,
		MessageDelayMax: maxDelay,
		BatchDelayStep:  step,
		RatePerSec:      b.RatePerSec,
		QueueSize:       b.QueueSize,
		StatusMax:       b.StatusMax,
		StatusTTL:       statusTTL,
	}, nil
}

func mapMaintenanceConfig(cfg *config.Config, archiveDir string) (maintenance.Config, error) {
	if cfg == nil || cfg.Maintenance == nil {
		return maintenance.Config{ArchiveDir: archiveDir}, nil
	}
	retention, err := parseDurationField("maintenance.retention", cfg.Maintenance.Retention)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:    cfg.Maintenance.Enabled,
		Spec:       strings.TrimSpace(cfg.Maintenance.Spec),
		Retention:  retention,
		ArchiveDir: archiveDir,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	p := cfg.Pprof
	rt, err := parseDurationField("pprof.read_timeout", p.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	wt, err := parseDurationField("pprof.write_timeout", p.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	it, err := parseDurationField("pprof.idle_timeout", p.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          strings.TrimSpace(p.Addr),
		Prefix:        strings.TrimSpace(p.Prefix),
		Token:         strings.TrimSpace(p.Token),
		AllowInsecure: p.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}
