package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mailsink-io/mailsink/internal/api"
	"github.com/mailsink-io/mailsink/internal/cache"
	"github.com/mailsink-io/mailsink/internal/config"
	"github.com/mailsink-io/mailsink/internal/delivery"
	"github.com/mailsink-io/mailsink/internal/mailbox"
	"github.com/mailsink-io/mailsink/internal/monitor"
	"github.com/mailsink-io/mailsink/internal/parser"
	"github.com/mailsink-io/mailsink/internal/rules"
	"github.com/mailsink-io/mailsink/internal/store"
)

const (
	statusLogSchedule = "@every 5m"
	shutdownTimeout   = 10 * time.Second
)

// App owns the long-lived components of the relay process and ties
// their lifecycles together: the poll monitor, the ops HTTP server,
// the status cache, and the cron scheduler.
type App struct {
	conf   *config.Config
	logger *log.Logger

	store   *store.Store
	table   *rules.Table
	monitor *monitor.Monitor
	cache   *cache.StatusPublisher
	httpSrv *http.Server
	cron    *cron.Cron

	wg sync.WaitGroup
}

// Option customizes the App.
type Option func(*App)

// WithLogger overrides the runner's logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New validates the configuration and builds every enabled component.
// Configuration problems surface here, before anything starts.
func New(conf *config.Config, opts ...Option) (*App, error) {
	if conf == nil {
		return nil, errors.New("runner: nil config")
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		conf:   conf,
		logger: log.New(os.Stdout, "[RUNNER] ", log.LstdFlags),
		cron:   cron.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	st, err := store.Open(conf.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open alert store: %w", err)
	}
	a.store = st

	table, err := a.loadRules()
	if err != nil {
		if conf.Monitor.Enabled {
			return nil, fmt.Errorf("load sender rules: %w", err)
		}
		// Ops-only mode can serve with an empty table.
		a.logger.Printf("Sender rules unavailable, serving empty table: %v", err)
		table = &rules.Table{}
	}
	a.table = table

	if conf.Cache.Enabled {
		pub, err := cache.NewStatusPublisher(cache.Config{
			Addr:      conf.Cache.Addr,
			Password:  conf.Cache.Password,
			DB:        conf.Cache.DB,
			KeyPrefix: conf.Cache.KeyPrefix,
			TTL:       conf.Cache.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("connect status cache: %w", err)
		}
		a.cache = pub
	}

	if conf.Monitor.Enabled {
		if err := a.buildMonitor(); err != nil {
			return nil, err
		}
	}

	if conf.Server.Enabled {
		srv := api.New(a.store, a.table, a.Status)
		a.httpSrv = &http.Server{
			Addr:    conf.Server.GetServerAddr(),
			Handler: srv.Handler(),
		}
	}

	return a, nil
}

func (a *App) loadRules() (*rules.Table, error) {
	loader := rules.NewLoader(a.conf.Rules.DefaultRoute)
	if a.conf.Rules.File != "" {
		return loader.FromFile(a.conf.Rules.File)
	}
	return loader.FromPatterns(a.conf.Rules.Patterns)
}

func (a *App) buildMonitor() error {
	session := mailbox.NewSession(mailbox.Config{
		Host:        a.conf.IMAP.Host,
		Port:        a.conf.IMAP.Port,
		Username:    a.conf.IMAP.Username,
		Password:    a.conf.IMAP.Password,
		Folder:      a.conf.IMAP.Folder,
		DialTimeout: a.conf.IMAP.DialTimeout,
	})
	client := delivery.NewClient(delivery.Config{
		BaseURL: a.conf.Delivery.BaseURL,
		Token:   a.conf.Delivery.Token,
		Timeout: a.conf.Delivery.Timeout,
	})

	var opts []monitor.Option
	if a.cache != nil {
		opts = append(opts, monitor.WithStatusSink(a.cache))
	}

	mon, err := monitor.New(monitor.Config{
		PollInterval:     a.conf.Monitor.PollInterval(),
		MaxSessionErrors: a.conf.Monitor.MaxSessionErrors,
	}, monitor.Deps{
		Session:   session,
		Rules:     a.table,
		Parser:    parser.New(),
		Store:     a.store,
		Deliverer: client,
	}, opts...)
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}
	a.monitor = mon
	return nil
}

// Status returns the current monitor snapshot. Without a monitor the
// snapshot still carries live store and rule counts.
func (a *App) Status() monitor.Status {
	if a.monitor != nil {
		return a.monitor.Status()
	}
	s := monitor.Disabled()
	s.AlertsStored = a.store.Len()
	s.Rules = a.table.Len()
	return s
}

// Run starts every enabled component and blocks until a termination
// signal arrives, the context is cancelled, or the HTTP listener fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Println("Starting mailsink...")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.monitor != nil {
		if err := a.monitor.Start(runCtx); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
		a.logger.Printf("Monitor polling every %s", a.conf.Monitor.PollInterval())
	} else {
		a.logger.Println("Monitor disabled")
	}

	srvErr := make(chan error, 1)
	if a.httpSrv != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.Printf("Ops server listening on %s", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	if _, err := a.cron.AddFunc(statusLogSchedule, a.logStatus); err != nil {
		return fmt.Errorf("schedule status job: %w", err)
	}
	a.cron.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		a.logger.Printf("Received signal: %v", sig)
	case <-ctx.Done():
		a.logger.Println("Context cancelled")
		runErr = ctx.Err()
	case err := <-srvErr:
		a.logger.Printf("Ops server failed: %v", err)
		runErr = err
	}

	cancel()
	a.shutdown()
	return runErr
}

// shutdown stops components in reverse start order: cron first, then
// the HTTP listener, then the monitor, then the cache connection.
func (a *App) shutdown() {
	a.logger.Println("Shutting down...")

	cronCtx := a.cron.Stop()
	<-cronCtx.Done()

	if a.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Printf("Ops server shutdown: %v", err)
		}
		cancel()
	}

	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Printf("Status cache close: %v", err)
		}
	}

	a.wg.Wait()
	a.logger.Println("Shutdown complete")
}

func (a *App) logStatus() {
	s := a.Status()
	a.logger.Printf("Status: state=%s cycles=%d errors=%d stored=%d", s.State, s.CycleCount, s.ConsecutiveErrors, s.AlertsStored)
}
