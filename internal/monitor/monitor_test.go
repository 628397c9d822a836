package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mailsink-io/mailsink/internal/delivery"
	"github.com/mailsink-io/mailsink/internal/mailbox"
	"github.com/mailsink-io/mailsink/internal/models"
	"github.com/mailsink-io/mailsink/internal/parser"
	"github.com/mailsink-io/mailsink/internal/rules"
	"github.com/mailsink-io/mailsink/internal/store"
)

var fixedNow = time.Date(2025, 5, 6, 12, 0, 0, 0, time.UTC)

func quiet() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

type fakeSession struct {
	mu          sync.Mutex
	connected   bool
	healthy     bool
	connectErr  error
	unseen      map[string][]string
	searchErr   map[string]error
	messages    map[string]*mailbox.Message
	fetchErr    map[string]error
	markSeenErr error

	connects int
	resets   int
	closes   int
	searches []string
	fetches  []string
	seen     []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		healthy:   true,
		unseen:    map[string][]string{},
		searchErr: map[string]error{},
		messages:  map[string]*mailbox.Message{},
		fetchErr:  map[string]error{},
	}
}

func (s *fakeSession) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.healthy
}

func (s *fakeSession) SearchUnseenFrom(pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches = append(s.searches, pattern)
	if err := s.searchErr[pattern]; err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(s.seen))
	for _, uid := range s.seen {
		seen[uid] = true
	}
	var uids []string
	for _, uid := range s.unseen[pattern] {
		if !seen[uid] {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (s *fakeSession) Fetch(uid string) (*mailbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, uid)
	if err := s.fetchErr[uid]; err != nil {
		return nil, err
	}
	msg, ok := s.messages[uid]
	if !ok {
		return nil, fmt.Errorf("no message %s", uid)
	}
	return msg, nil
}

func (s *fakeSession) MarkSeen(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSeenErr != nil {
		return s.markSeenErr
	}
	s.seen = append(s.seen, uid)
	return nil
}

func (s *fakeSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.connected = false
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.connected = false
	return nil
}

func (s *fakeSession) addMessage(uid, pattern, sender, subject, body string) {
	raw := strings.Join([]string{
		"From: " + sender,
		"Subject: " + subject,
		"Date: Mon, 02 Jan 2006 15:04:05 -0700",
		"",
		body,
	}, "\r\n")
	s.messages[uid] = &mailbox.Message{UID: uid, Raw: []byte(raw)}
	s.unseen[pattern] = append(s.unseen[pattern], uid)
}

type deliveredCall struct {
	uid   string
	route string
	alert models.Alert
}

type fakeDeliverer struct {
	mu       sync.Mutex
	outcomes map[string]delivery.Outcome
	hook     func(alert *models.Alert)
	calls    []deliveredCall
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{outcomes: map[string]delivery.Outcome{}}
}

func (d *fakeDeliverer) set(uid, route string, out delivery.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes[uid+" "+route] = out
}

func (d *fakeDeliverer) clear(uid, route string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.outcomes, uid+" "+route)
}

func (d *fakeDeliverer) Deliver(ctx context.Context, alert *models.Alert) delivery.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, deliveredCall{uid: alert.UID, route: alert.Route, alert: *alert.Clone()})
	if d.hook != nil {
		d.hook(alert)
	}
	if out, ok := d.outcomes[alert.UID+" "+alert.Route]; ok {
		return out
	}
	return delivery.Outcome{Success: true, StatusCode: 200, Duration: time.Millisecond}
}

var (
	retryableOutcome = delivery.Outcome{Retryable: true, StatusCode: 503, Err: errors.New("HTTP 503: service unavailable")}
	fatalOutcome     = delivery.Outcome{StatusCode: 422, Err: errors.New("HTTP 422: unprocessable")}
)

type fakeSink struct {
	ch chan Status
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan Status, 16)}
}

func (s *fakeSink) Publish(ctx context.Context, status Status) {
	select {
	case s.ch <- status:
	default:
	}
}

func tableFromPatterns(t *testing.T, patterns string) *rules.Table {
	t.Helper()
	table, err := rules.NewLoader("/commute_alert", rules.WithLogger(quiet())).FromPatterns(patterns)
	require.NoError(t, err)
	return table
}

func tableFromYAML(t *testing.T, doc string) *rules.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	table, err := rules.NewLoader("/commute_alert", rules.WithLogger(quiet())).FromFile(path)
	require.NoError(t, err)
	return table
}

type harness struct {
	session *fakeSession
	deliver *fakeDeliverer
	store   *store.Store
	dir     string
	mon     *Monitor
}

func newHarness(t *testing.T, table *rules.Table, opts ...Option) *harness {
	t.Helper()

	session := newFakeSession()
	deliver := newFakeDeliverer()
	dir := t.TempDir()
	st, err := store.Open(dir, store.WithLogger(quiet()))
	require.NoError(t, err)

	p := parser.New(parser.WithLogger(quiet()), parser.WithClock(func() time.Time { return fixedNow }))

	base := []Option{WithLogger(quiet()), WithClock(func() time.Time { return fixedNow })}
	mon, err := New(
		Config{PollInterval: time.Minute, MaxSessionErrors: 3},
		Deps{Session: session, Rules: table, Parser: p, Store: st, Deliverer: deliver},
		append(base, opts...)...,
	)
	require.NoError(t, err)

	return &harness{session: session, deliver: deliver, store: st, dir: dir, mon: mon}
}

func TestNewValidatesDeps(t *testing.T) {
	table := tableFromPatterns(t, "alerts@")
	session := newFakeSession()
	p := parser.New(parser.WithLogger(quiet()))
	st, err := store.Open(t.TempDir(), store.WithLogger(quiet()))
	require.NoError(t, err)
	deliver := newFakeDeliverer()

	_, err = New(Config{}, Deps{Rules: table, Parser: p, Store: st, Deliverer: deliver})
	require.ErrorContains(t, err, "session")

	_, err = New(Config{}, Deps{Session: session, Rules: &rules.Table{}, Parser: p, Store: st, Deliverer: deliver})
	require.ErrorContains(t, err, "rule")

	_, err = New(Config{}, Deps{Session: session, Rules: table, Store: st, Deliverer: deliver})
	require.ErrorContains(t, err, "parser")

	_, err = New(Config{}, Deps{Session: session, Rules: table, Parser: p, Deliverer: deliver})
	require.ErrorContains(t, err, "store")

	_, err = New(Config{}, Deps{Session: session, Rules: table, Parser: p, Store: st})
	require.ErrorContains(t, err, "deliverer")
}

func TestCycleDeliversAndPersists(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay on Line 3", "Expect delays.")
	h.session.addMessage("102", "alerts@", "alerts@transit.gov", "Delay resolved", "Back to normal.")

	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 2)
	require.Equal(t, "101", h.deliver.calls[0].uid)
	require.Equal(t, "102", h.deliver.calls[1].uid)
	require.Equal(t, "/commute_alert", h.deliver.calls[0].route)
	require.Equal(t, "Delay on Line 3", h.deliver.calls[0].alert.Subject)
	require.Equal(t, "Expect delays.", strings.TrimSpace(h.deliver.calls[0].alert.Body))

	require.Equal(t, 2, h.store.Len())
	first, err := h.store.Get("alert_1_101")
	require.NoError(t, err)
	require.Equal(t, "Delay on Line 3", first.Subject)
	require.Equal(t, "alerts@transit.gov", first.Sender)
	require.Equal(t, fixedNow, first.StoredAt)
	_, err = h.store.Get("alert_2_102")
	require.NoError(t, err)

	require.Equal(t, []string{"101", "102"}, h.session.seen)

	status := h.mon.Status()
	require.Equal(t, StateIdle, status.State)
	require.True(t, status.Enabled)
	require.Equal(t, uint64(1), status.CycleCount)
	require.Equal(t, 0, status.ConsecutiveErrors)
	require.Equal(t, 2, status.AlertsStored)
	require.Equal(t, 1, status.Rules)
	require.Equal(t, fixedNow, status.LastCycleAt)
}

func TestSecondCycleFindsNothingNew(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay", "Body.")

	h.mon.cycle(context.Background())
	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 1)
	require.Equal(t, 1, h.store.Len())
	require.Equal(t, uint64(2), h.mon.Status().CycleCount)
}

func TestCycleFansOutToAllMatchingRules(t *testing.T) {
	table := tableFromYAML(t, `
rules:
  - pattern: "alerts@"
    route: /commute_alert
  - pattern: "@transit.gov"
    route: /transit_alert
`)
	h := newHarness(t, table)
	h.session.addMessage("7", "alerts@", "alerts@transit.gov", "Closure", "Elm Street closed.")
	h.session.unseen["@transit.gov"] = []string{"7"}

	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 2)
	require.Equal(t, "/commute_alert", h.deliver.calls[0].route)
	require.Equal(t, "/transit_alert", h.deliver.calls[1].route)

	require.Equal(t, 2, h.store.Len())
	_, err := h.store.Get("alert_1_7")
	require.NoError(t, err)
	_, err = h.store.Get("alert_2_7")
	require.NoError(t, err)

	// One message, one seen flip, after the last matching rule settled.
	require.Equal(t, []string{"7"}, h.session.seen)
}

func TestFanOutPartialRetryKeepsUnseen(t *testing.T) {
	table := tableFromYAML(t, `
rules:
  - pattern: "alerts@"
    route: /commute_alert
  - pattern: "@transit.gov"
    route: /transit_alert
`)
	h := newHarness(t, table)
	h.session.addMessage("7", "alerts@", "alerts@transit.gov", "Closure", "Elm Street closed.")
	h.session.unseen["@transit.gov"] = []string{"7"}
	h.deliver.set("7", "/transit_alert", retryableOutcome)

	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 2)
	require.Equal(t, 1, h.store.Len())
	require.Empty(t, h.session.seen)
	require.Equal(t, StateIdle, h.mon.Status().State)

	h.deliver.clear("7", "/transit_alert")
	h.mon.cycle(context.Background())

	// The already-delivered route dedups; only the failed one is retried.
	require.Len(t, h.deliver.calls, 3)
	require.Equal(t, "/transit_alert", h.deliver.calls[2].route)
	require.Equal(t, 2, h.store.Len())
	require.Equal(t, []string{"7"}, h.session.seen)
}

func TestRetryableLeavesUnseenThenSucceeds(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay", "Body.")
	h.deliver.set("101", "/commute_alert", retryableOutcome)

	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 1)
	require.Equal(t, 0, h.store.Len())
	require.Empty(t, h.session.seen)
	// Delivery failures are not communication errors.
	require.Equal(t, 0, h.mon.Status().ConsecutiveErrors)
	require.Equal(t, StateIdle, h.mon.Status().State)

	h.deliver.clear("101", "/commute_alert")
	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 2)
	require.Equal(t, 1, h.store.Len())
	_, err := h.store.Get("alert_1_101")
	require.NoError(t, err)
	require.Equal(t, []string{"101"}, h.session.seen)
}

func TestFatalDropsWithoutPersisting(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay", "Body.")
	h.deliver.set("101", "/commute_alert", fatalOutcome)

	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 1)
	require.Equal(t, 0, h.store.Len())
	require.Equal(t, []string{"101"}, h.session.seen)

	h.mon.cycle(context.Background())
	require.Len(t, h.deliver.calls, 1)
}

func TestDuplicateSkipsDeliveryAndMarksSeen(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay", "Body.")

	// Persisted on a previous run that crashed before the seen flag stuck.
	require.NoError(t, h.store.Append(&models.Alert{
		ID: "alert_1_101", UID: "101", Sender: "alerts@transit.gov",
		Type: models.AlertTypeEmail, Route: "/commute_alert",
		ReceivedAt: fixedNow, StoredAt: fixedNow,
	}))

	h.mon.cycle(context.Background())

	require.Empty(t, h.deliver.calls)
	require.Equal(t, 1, h.store.Len())
	require.Equal(t, []string{"101"}, h.session.seen)
}

func TestSenderRecheckSkipsFalsePositives(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	// The server-side FROM search can match a display name.
	h.session.addMessage("55", "alerts@", "news@other.org", "Newsletter", "Hello.")

	h.mon.cycle(context.Background())

	require.Empty(t, h.deliver.calls)
	require.Equal(t, 0, h.store.Len())
	require.Equal(t, []string{"55"}, h.session.seen)
}

func TestFetchErrorLeavesUnseen(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay", "Body.")
	h.session.fetchErr["101"] = errors.New("connection reset")

	h.mon.cycle(context.Background())

	require.Empty(t, h.deliver.calls)
	require.Empty(t, h.session.seen)
	require.Equal(t, StateIdle, h.mon.Status().State)
}

func TestPersistFailureLeavesUnseen(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay", "Body.")
	require.NoError(t, os.RemoveAll(h.dir))

	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 1)
	require.Equal(t, 0, h.store.Len())
	require.Empty(t, h.session.seen)
}

func TestSearchErrorIsCycleError(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.searchErr["alerts@"] = errors.New("connection reset")

	h.mon.cycle(context.Background())

	status := h.mon.Status()
	require.Equal(t, StateError, status.State)
	require.Equal(t, 1, status.ConsecutiveErrors)
	require.Contains(t, status.LastError, "search unseen")
	require.Empty(t, h.deliver.calls)
}

func TestConsecutiveErrorsResetSession(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.connectErr = errors.New("dial tcp: connection refused")

	h.mon.cycle(context.Background())
	require.Equal(t, 1, h.mon.Status().ConsecutiveErrors)
	h.mon.cycle(context.Background())
	require.Equal(t, 2, h.mon.Status().ConsecutiveErrors)
	h.mon.cycle(context.Background())

	status := h.mon.Status()
	require.Equal(t, StateError, status.State)
	require.Equal(t, 0, status.ConsecutiveErrors)
	require.Equal(t, 1, h.session.resets)
	require.Contains(t, status.LastError, "connect")

	h.session.connectErr = nil
	h.mon.cycle(context.Background())
	require.Equal(t, StateIdle, h.mon.Status().State)
}

func TestUnhealthySessionReconnects(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.connected = true
	h.session.healthy = false

	h.mon.cycle(context.Background())

	require.Equal(t, 1, h.session.resets)
	require.Equal(t, 1, h.session.connects)
	require.Equal(t, StateIdle, h.mon.Status().State)
}

func TestHealthySessionIsReused(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))

	h.mon.cycle(context.Background())
	h.mon.cycle(context.Background())

	require.Equal(t, 1, h.session.connects)
	require.Equal(t, 0, h.session.resets)
}

func TestCancellationStopsBetweenItems(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "First", "Body.")
	h.session.addMessage("102", "alerts@", "alerts@transit.gov", "Second", "Body.")

	ctx, cancel := context.WithCancel(context.Background())
	h.deliver.hook = func(*models.Alert) { cancel() }

	h.mon.cycle(ctx)

	// The in-flight item completes, the next one is never started.
	require.Len(t, h.deliver.calls, 1)
	require.Equal(t, 1, h.store.Len())
	require.Equal(t, []string{"101"}, h.session.seen)
	require.Equal(t, uint64(0), h.mon.Status().CycleCount)
}

func TestStartStopLifecycle(t *testing.T) {
	sink := newFakeSink()
	tick := make(chan time.Time)
	h := newHarness(t, tableFromPatterns(t, "alerts@"),
		WithStatusSink(sink),
		withTickerFactory(func(time.Duration) (<-chan time.Time, func()) { return tick, func() {} }),
	)
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay", "Body.")

	require.NoError(t, h.mon.Start(context.Background()))
	require.Error(t, h.mon.Start(context.Background()))

	status := <-sink.ch
	require.Equal(t, StateIdle, status.State)
	require.Equal(t, uint64(1), status.CycleCount)
	require.Equal(t, 1, status.AlertsStored)

	tick <- time.Now()
	status = <-sink.ch
	require.Equal(t, uint64(2), status.CycleCount)

	h.mon.Stop()
	require.Equal(t, 1, h.session.closes)
	require.Equal(t, StateDisconnected, h.mon.Status().State)
}

func TestMarkSeenFailureDoesNotAbortCycle(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.session.addMessage("101", "alerts@", "alerts@transit.gov", "Delay", "Body.")
	h.session.markSeenErr = errors.New("store failed")

	h.mon.cycle(context.Background())

	require.Len(t, h.deliver.calls, 1)
	require.Equal(t, 1, h.store.Len())
	require.Empty(t, h.session.seen)
	require.Equal(t, StateIdle, h.mon.Status().State)

	// Next cycle sees the message again; the store dedups it.
	h.session.markSeenErr = nil
	h.mon.cycle(context.Background())
	require.Len(t, h.deliver.calls, 1)
	require.Equal(t, []string{"101"}, h.session.seen)
}

func TestStopWithoutStart(t *testing.T) {
	h := newHarness(t, tableFromPatterns(t, "alerts@"))
	h.mon.Stop()
	require.Equal(t, 0, h.session.closes)
}
