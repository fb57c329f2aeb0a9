package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/auth"
	"github.com/saltyorg/markerplow/internal/backfill"
	"github.com/saltyorg/markerplow/internal/config"
	"github.com/saltyorg/markerplow/internal/database"
	"github.com/saltyorg/markerplow/internal/inotify"
	"github.com/saltyorg/markerplow/internal/logging"
	"github.com/saltyorg/markerplow/internal/mediainfo"
	"github.com/saltyorg/markerplow/internal/playback"
	"github.com/saltyorg/markerplow/internal/propagation"
	"github.com/saltyorg/markerplow/internal/queue"
	"github.com/saltyorg/markerplow/internal/scope"
	"github.com/saltyorg/markerplow/internal/subtitles"
	"github.com/saltyorg/markerplow/internal/web"
	"github.com/saltyorg/markerplow/internal/web/handlers"
	"github.com/saltyorg/markerplow/internal/web/sse"
)

type appOptions struct {
	port          int
	bind          string
	allowedNets   []*net.IPNet
	logFile       string
	timeouts      config.TimeoutConfig
	websocketPing time.Duration
}

// app holds every long-running component of the service
type app struct {
	db      *database.DB
	opts    appOptions
	broker  *sse.Broker
	apiKeys *auth.APIKeyService

	scope    *scope.Filter
	engine   *propagation.Engine
	pipeline *queue.Manager
	monitor  *playback.Monitor
	watcher  *inotify.Watcher
	sweeper  *backfill.Sweeper
	server   *web.Server
}

func newApp(db *database.DB, opts appOptions) *app {
	loader := config.NewLoader(db)
	clock := clockwork.NewRealClock()

	a := &app{
		db:      db,
		opts:    opts,
		broker:  sse.NewBroker(),
		apiKeys: auth.NewAPIKeyService(db),
	}

	// Settings can raise the log level above the CLI default and size the log file
	logging.Apply(a.logLevel(loader), loader, opts.logFile)

	a.scope = scope.NewFilter(scope.LoadConfigFromDB(loader))

	a.engine = propagation.NewEngine(db, db, db, propagation.LoadConfigFromDB(loader))
	a.engine.SetPublisher(a.broker)

	a.pipeline = queue.NewManager(queue.LoadConfigFromDB(loader), queue.Deps{
		Probe:      mediainfo.NewProber(mediainfo.LoadConfigFromDB(loader, opts.timeouts), db),
		Subtitles:  subtitles.NewSync(db),
		Backfiller: a.engine,
		Scope:      a.scope,
		Runtime:    db,
		Events:     a.broker,
		Clock:      clock,
	})
	a.engine.SetRequester(a.pipeline)

	a.monitor = playback.NewMonitor(playback.Deps{
		Scope:         a.scope,
		Store:         db,
		Propagator:    a.engine,
		Events:        a.broker,
		Limiter:       a.pipeline.Budget(),
		Clock:         clock,
		UpdateTimeout: opts.timeouts.MarkerUpdate,
	}, playback.LoadConfigFromDB(loader))

	a.watcher = inotify.New(inotify.LoadConfigFromDB(loader), db, a.pipeline, clock)
	a.sweeper = backfill.NewSweeper(db, a.pipeline, backfill.LoadConfigFromDB(loader))

	a.server = web.NewServer(web.Options{
		Port:           opts.port,
		Bind:           opts.bind,
		AllowedNets:    opts.allowedNets,
		RequestTimeout: opts.timeouts.HTTPRequest,
	}, a.broker, a.apiKeys, handlers.Deps{
		Monitor:    a.monitor,
		Pipeline:   a.pipeline,
		Propagator: a.engine,
		Library:    db,
		Settings:   db,
		Apply:      a.applySettings,
		Sweeper:    a.sweeper,
		Watcher:    a.watcher,
		Stream:     a.broker,
	})
	a.server.Handlers().SetVersionInfo(version, commit, date)
	a.server.Handlers().SetWebsocketPing(opts.websocketPing)

	return a
}

// logLevel prefers the CLI verbosity over the stored log.level
func (a *app) logLevel(loader *config.Loader) string {
	if verbosity > 0 {
		return logging.LevelForVerbosity(verbosity)
	}
	return loader.String("log.level", "info")
}

func (a *app) start() error {
	a.pipeline.Start()
	a.monitor.Start()

	if started, err := a.watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start library watcher")
	} else if !started {
		log.Debug().Msg("Library watcher not started (disabled or no library paths)")
	}

	if err := a.sweeper.Start(); err != nil {
		return err
	}
	return nil
}

// stop shuts components down producers first so nothing enqueues onto a
// stopped pipeline
func (a *app) stop() {
	a.sweeper.Stop()
	a.watcher.Stop()
	a.monitor.Stop()
	a.pipeline.Stop()
}

// applySettings reloads every component's settings from the database
func (a *app) applySettings(ctx context.Context) error {
	loader := config.NewLoader(a.db)

	logging.Apply(a.logLevel(loader), loader, a.opts.logFile)

	a.scope.Update(scope.LoadConfigFromDB(loader))
	a.monitor.UpdateConfig(playback.LoadConfigFromDB(loader))
	a.engine.UpdateConfig(propagation.LoadConfigFromDB(loader))
	a.pipeline.UpdateConfig(queue.LoadConfigFromDB(loader))

	var errs []error
	if err := a.watcher.Reload(inotify.LoadConfigFromDB(loader)); err != nil {
		errs = append(errs, err)
	}
	if err := a.sweeper.UpdateConfig(backfill.LoadConfigFromDB(loader)); err != nil {
		errs = append(errs, err)
	}

	log.Info().Msg("Settings applied")
	return errors.Join(errs...)
}
