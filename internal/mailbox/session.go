package mailbox

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Config describes how to reach one IMAP mailbox.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Folder      string
	DialTimeout time.Duration
}

// Message is one fetched mail. Read-only after fetch; the raw payload is
// handed to the parser untouched.
type Message struct {
	UID          string
	Folder       string
	Raw          []byte
	InternalDate time.Time
	Size         int64
}

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Noop() commandWaiter
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// Session owns a single authenticated IMAP connection. It is reused
// across poll cycles while healthy and is not safe for concurrent use.
type Session struct {
	conf      Config
	folder    string
	now       func() time.Time
	logger    *log.Logger
	newClient func(Config) (imapClient, error)
	client    imapClient
}

// SessionOption customizes session behavior.
type SessionOption func(*Session)

// WithLogger overrides the logger used for session diagnostics.
func WithLogger(logger *log.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func withClientFactory(factory func(Config) (imapClient, error)) SessionOption {
	return func(s *Session) {
		s.newClient = factory
	}
}

// NewSession returns a disconnected session for the given mailbox.
func NewSession(conf Config, opts ...SessionOption) *Session {
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = 10 * time.Second
	}
	s := &Session{
		conf:   conf,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.Default(),
	}
	s.newClient = defaultClientFactory
	for _, opt := range opts {
		opt(s)
	}
	if s.newClient == nil {
		s.newClient = defaultClientFactory
	}
	return s
}

// Connect establishes the IMAP connection, authenticates, and selects
// the configured folder. A connected session is left untouched.
func (s *Session) Connect() error {
	if s.client != nil {
		return nil
	}
	if err := validateConfig(s.conf); err != nil {
		return err
	}

	client, err := s.newClient(s.conf)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	if err := client.Login(s.conf.Username, s.conf.Password).Wait(); err != nil {
		s.closeQuietly(client)
		return fmt.Errorf("imap auth: %w", err)
	}

	folder := s.conf.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		s.closeQuietly(client)
		return fmt.Errorf("imap select %s: %w", folder, err)
	}

	s.client = client
	s.folder = folder
	return nil
}

// Connected reports whether the session currently holds a connection.
func (s *Session) Connected() bool {
	return s.client != nil
}

// Healthy probes the connection with a NOOP. A dead or absent connection
// reports false; the caller decides whether to Reset and reconnect.
func (s *Session) Healthy() bool {
	if s.client == nil {
		return false
	}
	if err := s.client.Noop().Wait(); err != nil {
		s.logger.Printf("mailbox: health probe failed: %v", err)
		return false
	}
	return true
}

// SearchUnseenFrom returns the UIDs of unseen messages whose From header
// matches pattern, in server order.
func (s *Session) SearchUnseenFrom(pattern string) ([]string, error) {
	if s.client == nil {
		return nil, errors.New("mailbox session not connected")
	}
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Header:  []imap.SearchCriteriaHeaderField{{Key: "From", Value: pattern}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search %q: %w", pattern, err)
	}

	var uids []string
	for _, uid := range data.AllUIDs() {
		uids = append(uids, formatUID(uid))
	}
	return uids, nil
}

// Fetch retrieves one message by UID. The body section is fetched with
// PEEK so fetching never flips the seen flag.
func (s *Session) Fetch(uidStr string) (*Message, error) {
	if s.client == nil {
		return nil, errors.New("mailbox session not connected")
	}
	uid, err := parseUID(uidStr)
	if err != nil {
		return nil, err
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	bufs, err := s.client.Fetch(imap.UIDSetNum(uid), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", uidStr, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("imap fetch %s: message not found", uidStr)
	}

	buf := bufs[0]
	var body []byte
	for _, section := range buf.BodySection {
		body = section.Bytes
		break
	}
	received := buf.InternalDate
	if received.IsZero() {
		received = s.now()
	}
	return &Message{
		UID:          uidStr,
		Folder:       s.folder,
		Raw:          append([]byte(nil), body...),
		InternalDate: received,
		Size:         int64(len(body)),
	}, nil
}

// MarkSeen flags one message as seen so later unseen searches skip it.
func (s *Session) MarkSeen(uidStr string) error {
	if s.client == nil {
		return errors.New("mailbox session not connected")
	}
	uid, err := parseUID(uidStr)
	if err != nil {
		return err
	}
	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := s.client.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
		return fmt.Errorf("imap store seen %s: %w", uidStr, err)
	}
	return nil
}

// Reset discards the connection without a logout round trip. Used to
// recover from a wedged connection; the next Connect dials fresh.
func (s *Session) Reset() {
	if s.client == nil {
		return
	}
	s.closeQuietly(s.client)
	s.client = nil
}

// Close logs out and releases the connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Logout().Wait()
	s.closeQuietly(s.client)
	s.client = nil
	if err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func (s *Session) closeQuietly(client imapClient) {
	if err := client.Close(); err != nil && s.logger != nil {
		s.logger.Printf("mailbox: close error: %v", err)
	}
}

func defaultClientFactory(conf Config) (imapClient, error) {
	port := conf.Port
	if port == 0 {
		port = 993
	}
	addr := fmt.Sprintf("%s:%d", conf.Host, port)
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: conf.DialTimeout}}
	client, err := imapclient.DialTLS(addr, opts)
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Noop() commandWaiter   { return w.Client.Noop() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}

func validateConfig(conf Config) error {
	if conf.Host == "" {
		return errors.New("mailbox config missing host")
	}
	if conf.Username == "" {
		return errors.New("mailbox config missing username")
	}
	if conf.Password == "" {
		return errors.New("mailbox config missing password")
	}
	return nil
}

func formatUID(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func parseUID(uidStr string) (imap.UID, error) {
	n, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mailbox uid %q: %w", uidStr, err)
	}
	return imap.UID(n), nil
}
