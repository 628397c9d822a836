// Package monitor drives the poll loop: search unseen mail per sender
// rule, fetch and parse matches, deliver them downstream, persist what was
// accepted, and mark messages seen only once nothing about them can still
// be retried.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mailsink-io/mailsink/internal/delivery"
	"github.com/mailsink-io/mailsink/internal/mailbox"
	"github.com/mailsink-io/mailsink/internal/models"
	"github.com/mailsink-io/mailsink/internal/rules"
)

const (
	defaultPollInterval     = 60 * time.Second
	defaultMaxSessionErrors = 3
)

// MailboxSession is the slice of the IMAP session the monitor drives. The
// session is reused across cycles while healthy.
type MailboxSession interface {
	Connect() error
	Connected() bool
	Healthy() bool
	SearchUnseenFrom(pattern string) ([]string, error)
	Fetch(uid string) (*mailbox.Message, error)
	MarkSeen(uid string) error
	Reset()
	Close() error
}

// Deliverer posts one alert to its route and classifies the result.
type Deliverer interface {
	Deliver(ctx context.Context, alert *models.Alert) delivery.Outcome
}

// AlertParser turns raw message bytes into alert fields. It never fails.
type AlertParser interface {
	Parse(msg *mailbox.Message) *models.Alert
}

// AlertStore is the persistence surface the monitor needs.
type AlertStore interface {
	ExistsForRoute(uid, route string) bool
	NextSequence() int
	Append(alert *models.Alert) error
	Len() int
}

// StatusSink receives a status snapshot after every completed cycle.
type StatusSink interface {
	Publish(ctx context.Context, status Status)
}

// Config holds the poll loop settings.
type Config struct {
	PollInterval     time.Duration
	MaxSessionErrors int
}

// Deps are the collaborators the monitor orchestrates.
type Deps struct {
	Session   MailboxSession
	Rules     *rules.Table
	Parser    AlertParser
	Store     AlertStore
	Deliverer Deliverer
}

type tickerFactory func(d time.Duration) (<-chan time.Time, func())

func defaultTickerFactory(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Monitor owns the single poll worker. All mailbox traffic goes through
// that one goroutine; Status is safe to read concurrently.
type Monitor struct {
	conf      Config
	session   MailboxSession
	rules     *rules.Table
	parser    AlertParser
	store     AlertStore
	deliver   Deliverer
	sink      StatusSink
	logger    *log.Logger
	now       func() time.Time
	newTicker tickerFactory

	mu      sync.RWMutex
	status  Status
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Monitor)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStatusSink attaches a best-effort status publisher.
func WithStatusSink(sink StatusSink) Option {
	return func(m *Monitor) {
		m.sink = sink
	}
}

func withTickerFactory(f tickerFactory) Option {
	return func(m *Monitor) {
		if f != nil {
			m.newTicker = f
		}
	}
}

// New validates the collaborators and builds a monitor.
func New(conf Config, deps Deps, opts ...Option) (*Monitor, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("monitor: mailbox session required")
	case deps.Rules == nil || deps.Rules.Len() == 0:
		return nil, errors.New("monitor: at least one sender rule required")
	case deps.Parser == nil:
		return nil, errors.New("monitor: parser required")
	case deps.Store == nil:
		return nil, errors.New("monitor: store required")
	case deps.Deliverer == nil:
		return nil, errors.New("monitor: deliverer required")
	}

	if conf.PollInterval <= 0 {
		conf.PollInterval = defaultPollInterval
	}
	if conf.MaxSessionErrors <= 0 {
		conf.MaxSessionErrors = defaultMaxSessionErrors
	}

	m := &Monitor{
		conf:      conf,
		session:   deps.Session,
		rules:     deps.Rules,
		parser:    deps.Parser,
		store:     deps.Store,
		deliver:   deps.Deliverer,
		logger:    log.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newTicker: defaultTickerFactory,
		status:    Status{State: StateDisconnected, Enabled: true},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start launches the poll worker. The first cycle runs immediately, then
// one cycle per poll interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("monitor: already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop cancels the worker, waits for the in-flight work item to finish,
// and closes the mailbox session.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	m.wg.Wait()
	if err := m.session.Close(); err != nil {
		m.logger.Printf("monitor: closing session: %v", err)
	}
	m.setState(StateDisconnected)
	m.logger.Printf("monitor: stopped")
}

// Status returns a snapshot of the poll loop. Store and rule counts are
// read live so the ops surface never serves stale totals.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	s := m.status
	m.mu.RUnlock()

	s.AlertsStored = m.store.Len()
	s.Rules = m.rules.Len()
	return s
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	tick, stop := m.newTicker(m.conf.PollInterval)
	defer stop()

	m.logger.Printf("monitor: started, polling every %s with %d rules", m.conf.PollInterval, m.rules.Len())
	m.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.cycle(ctx)
		}
	}
}

// cycle runs one poll pass and does the error bookkeeping around it.
func (m *Monitor) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	metricPollCycles.Inc()
	err := m.pollCycle(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	now := m.now()

	m.mu.Lock()
	m.status.LastCycleAt = now
	m.status.CycleCount++
	m.mu.Unlock()
	metricLastCycle.Set(float64(now.Unix()))
	metricAlertsStored.Set(float64(m.store.Len()))

	if err == nil {
		m.mu.Lock()
		m.status.ConsecutiveErrors = 0
		m.status.LastError = ""
		m.status.State = StateIdle
		m.mu.Unlock()
	} else {
		metricPollCycleErrors.Inc()
		m.mu.Lock()
		m.status.ConsecutiveErrors++
		m.status.LastError = err.Error()
		m.status.State = StateError
		failures := m.status.ConsecutiveErrors
		m.mu.Unlock()

		m.logger.Printf("monitor: poll cycle failed (%d consecutive): %v", failures, err)
		if failures >= m.conf.MaxSessionErrors {
			m.logger.Printf("monitor: %d consecutive failures, discarding mailbox session", failures)
			m.session.Reset()
			metricSessionReconnects.Inc()
			m.mu.Lock()
			m.status.ConsecutiveErrors = 0
			m.mu.Unlock()
		}
	}

	m.publish(ctx)
}

// pollCycle is one pass over the rule table: collect all pending work
// first, then process it in order. Communication errors abort the cycle;
// per-message failures do not.
func (m *Monitor) pollCycle(ctx context.Context) error {
	if err := m.ensureSession(); err != nil {
		return err
	}
	m.setState(StatePolling)

	items, lastFor, err := m.collectWork()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	m.logger.Printf("monitor: %d pending deliveries this cycle", len(items))

	fetched := make(map[string]*mailbox.Message)
	blocked := make(map[string]bool)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		if m.processItem(ctx, item, fetched) == outcomeRetry {
			blocked[item.uid] = true
		}

		// Seen is flipped when the last matching item settles. A single
		// retryable outcome keeps the whole message unseen for the next
		// cycle; the store dedups the routes that already went through.
		if lastFor[item.uid] == i && !blocked[item.uid] {
			if err := m.session.MarkSeen(item.uid); err != nil {
				m.logger.Printf("monitor: failed to mark message %s seen: %v", item.uid, err)
			}
		}
	}
	return nil
}

// ensureSession reuses the live session when it passes the health probe,
// otherwise reconnects.
func (m *Monitor) ensureSession() error {
	if m.session.Connected() {
		if m.session.Healthy() {
			return nil
		}
		m.logger.Printf("monitor: session failed health probe, reconnecting")
		m.session.Reset()
		metricSessionReconnects.Inc()
	}

	m.setState(StateDisconnected)
	if err := m.session.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	m.setState(StateConnected)
	return nil
}

type workItem struct {
	rule rules.Rule
	uid  string
}

// collectWork runs the per-rule unseen searches up front so that every
// (rule, message) pair pending at the start of the cycle is processed,
// even when an earlier item marks the shared message seen.
func (m *Monitor) collectWork() ([]workItem, map[string]int, error) {
	var items []workItem
	lastFor := make(map[string]int)

	for _, rule := range m.rules.Rules() {
		uids, err := m.session.SearchUnseenFrom(rule.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("search unseen from %q: %w", rule.Pattern, err)
		}
		for _, uid := range uids {
			items = append(items, workItem{rule: rule, uid: uid})
			lastFor[uid] = len(items) - 1
		}
	}
	return items, lastFor, nil
}

type itemOutcome int

const (
	outcomeDelivered itemOutcome = iota
	outcomeSkipped
	outcomeDropped
	outcomeRetry
)

// processItem takes one (rule, message) pair to a terminal or retryable
// outcome. Only outcomeRetry keeps the message unseen.
func (m *Monitor) processItem(ctx context.Context, item workItem, fetched map[string]*mailbox.Message) itemOutcome {
	if m.store.ExistsForRoute(item.uid, item.rule.Route) {
		m.logger.Printf("monitor: message %s already relayed to %s, skipping", item.uid, item.rule.Route)
		return outcomeSkipped
	}

	msg, ok := fetched[item.uid]
	if !ok {
		var err error
		msg, err = m.session.Fetch(item.uid)
		if err != nil {
			m.logger.Printf("monitor: failed to fetch message %s: %v", item.uid, err)
			metricDeliveryFailures.WithLabelValues(failureKindRetryable).Inc()
			return outcomeRetry
		}
		metricMessagesFetched.Inc()
		fetched[item.uid] = msg
	}

	alert := m.parser.Parse(msg)
	alert.Route = item.rule.Route

	// The server-side FROM search matches the whole header, display names
	// included. The rule only holds on the parsed address.
	if !item.rule.Matches(alert.Sender) {
		m.logger.Printf("monitor: message %s sender %q does not contain %q, skipping", item.uid, alert.Sender, item.rule.Pattern)
		return outcomeSkipped
	}

	out := m.deliver.Deliver(ctx, alert)
	if out.Duration > 0 {
		metricDeliveryDuration.Observe(out.Duration.Seconds())
	}

	switch {
	case out.Success:
		alert.ID = models.AlertID(m.store.NextSequence(), alert.UID)
		alert.StoredAt = m.now()
		if err := m.store.Append(alert); err != nil {
			m.logger.Printf("monitor: delivered message %s to %s but failed to persist: %v", item.uid, item.rule.Route, err)
			metricDeliveryFailures.WithLabelValues(failureKindRetryable).Inc()
			return outcomeRetry
		}
		metricAlertsDelivered.WithLabelValues(item.rule.Route).Inc()
		metricAlertsPersisted.Inc()
		m.logger.Printf("monitor: relayed message %s to %s as %s", item.uid, item.rule.Route, alert.ID)
		return outcomeDelivered

	case out.Fatal():
		metricDeliveryFailures.WithLabelValues(failureKindFatal).Inc()
		m.logger.Printf("monitor: receiver rejected message %s for %s, dropping: %v", item.uid, item.rule.Route, out.Err)
		return outcomeDropped

	default:
		metricDeliveryFailures.WithLabelValues(failureKindRetryable).Inc()
		m.logger.Printf("monitor: delivery of message %s to %s failed, leaving unseen: %v", item.uid, item.rule.Route, out.Err)
		return outcomeRetry
	}
}

func (m *Monitor) setState(state State) {
	m.mu.Lock()
	m.status.State = state
	m.mu.Unlock()
}

func (m *Monitor) publish(ctx context.Context) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(ctx, m.Status())
}
