package parser

import (
	"bytes"
	"errors"
	"io"
	"log"
	"mime"
	stdmail "net/mail"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/mailsink-io/mailsink/internal/mailbox"
	"github.com/mailsink-io/mailsink/internal/models"
)

const defaultBodyLimit = 128 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Parser converts raw mailbox messages into alert fields. Parsing is
// total: malformed input degrades to empty fields and a clock-derived
// timestamp, never an error.
type Parser struct {
	now          func() time.Time
	logger       *log.Logger
	decoder      *mime.WordDecoder
	maxBodyBytes int64
	htmlPolicy   *bluemonday.Policy
}

// Option customizes parser behavior.
type Option func(*Parser)

// WithClock overrides the wall clock used for missing dates.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger overrides the logger used for parse diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBodyLimit caps how many body bytes are read from one message.
func WithBodyLimit(limit int64) Option {
	return func(p *Parser) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// New returns a parser with default limits.
func New(opts ...Option) *Parser {
	p := &Parser{
		now:          func() time.Time { return time.Now().UTC() },
		logger:       log.Default(),
		decoder:      &mime.WordDecoder{},
		maxBodyBytes: defaultBodyLimit,
		htmlPolicy:   bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.decoder == nil {
		p.decoder = &mime.WordDecoder{}
	}
	return p
}

type envelope struct {
	sender   string
	subject  string
	body     string
	mimeType string
	date     time.Time
}

// Parse extracts alert fields from one fetched message. The returned
// alert carries sender, subject, body, received time, uid, and type;
// the caller assigns id, route, and stored time.
func (p *Parser) Parse(msg *mailbox.Message) *models.Alert {
	env := p.extractEnvelope(msg)

	body := env.body
	if strings.HasPrefix(env.mimeType, "text/html") {
		body = strings.TrimSpace(p.htmlPolicy.Sanitize(body))
	}

	received := env.date
	if received.IsZero() {
		received = p.now()
	}

	alert := &models.Alert{
		Subject:    env.subject,
		Body:       body,
		Sender:     env.sender,
		ReceivedAt: received,
		Type:       models.AlertTypeEmail,
	}
	if msg != nil {
		alert.UID = msg.UID
	}
	return alert
}

func (p *Parser) extractEnvelope(msg *mailbox.Message) envelope {
	var env envelope
	if msg == nil || len(msg.Raw) == 0 {
		return env
	}
	reader, err := gomail.CreateReader(bytes.NewReader(msg.Raw))
	if err != nil {
		p.logf("parser: structured parse failed: %v", err)
		return p.legacyEnvelope(msg)
	}
	env.subject = p.subjectFromHeader(&reader.Header)
	env.sender = p.addressFromHeader(&reader.Header)
	env.date = p.dateFromHeader(&reader.Header)
	body, mimeType := p.readBodyParts(reader)
	if body != "" {
		env.body = body
		env.mimeType = mimeType
		return env
	}
	// Fall back to the legacy parser when structured parsing yields no body
	legacy := p.legacyEnvelope(msg)
	if env.subject == "" {
		env.subject = legacy.subject
	}
	if env.sender == "" {
		env.sender = legacy.sender
	}
	if env.date.IsZero() {
		env.date = legacy.date
	}
	env.body = legacy.body
	env.mimeType = legacy.mimeType
	return env
}

func (p *Parser) legacyEnvelope(msg *mailbox.Message) envelope {
	var env envelope
	reader, err := stdmail.ReadMessage(bytes.NewReader(msg.Raw))
	if err != nil {
		p.logf("parser: parse message failed: %v", err)
		env.body = p.fallbackBody(msg.Raw)
		return env
	}
	env.subject = p.decodeHeader(reader.Header.Get("Subject"))
	env.sender = p.parseAddress(reader.Header.Get("From"))
	if date, err := reader.Header.Date(); err == nil {
		env.date = date
	}
	env.mimeType, _ = p.parseContentType(reader.Header.Get("Content-Type"))
	body, err := io.ReadAll(io.LimitReader(reader.Body, p.maxBodyBytes))
	if err != nil {
		p.logf("parser: read body failed: %v", err)
		env.body = p.fallbackBody(msg.Raw)
	} else {
		env.body = string(body)
	}
	return env
}

func (p *Parser) subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return subject
	}
	return p.decodeHeader(header.Get("Subject"))
}

func (p *Parser) addressFromHeader(header *gomail.Header) string {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address)
	}
	return p.parseAddress(header.Get("From"))
}

func (p *Parser) dateFromHeader(header *gomail.Header) time.Time {
	if date, err := header.Date(); err == nil {
		return date
	}
	return time.Time{}
}

func (p *Parser) readBodyParts(reader *gomail.Reader) (string, string) {
	var plainCandidate, htmlCandidate *bodyCandidate
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.logf("parser: read part failed: %v", err)
			break
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			// Attachments carry no alert text
			continue
		}
		body, mimeType := p.extractInlineBody(part, header)
		if body == "" {
			continue
		}
		candidate := &bodyCandidate{body: body, mimeType: mimeType}
		switch {
		case strings.HasPrefix(mimeType, "text/plain"):
			if plainCandidate == nil {
				plainCandidate = candidate
			}
		case strings.HasPrefix(mimeType, "text/html"):
			if htmlCandidate == nil {
				htmlCandidate = candidate
			}
		default:
			if plainCandidate == nil && htmlCandidate == nil {
				plainCandidate = candidate
			}
		}
	}
	if plainCandidate != nil {
		return plainCandidate.body, plainCandidate.mimeType
	}
	if htmlCandidate != nil {
		return htmlCandidate.body, htmlCandidate.mimeType
	}
	return "", ""
}

type bodyCandidate struct {
	body     string
	mimeType string
}

func (p *Parser) extractInlineBody(part *gomail.Part, header *gomail.InlineHeader) (string, string) {
	mimeType, _, err := header.ContentType()
	if err != nil {
		mimeType, _ = p.parseContentType(header.Get("Content-Type"))
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		mimeType = "text/plain"
	}
	body, readErr := p.readPartBody(part.Body)
	if readErr != nil {
		p.logf("parser: read part body failed: %v", readErr)
		return "", ""
	}
	return body, mimeType
}

func (p *Parser) readPartBody(src io.Reader) (string, error) {
	if src == nil {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(src, p.maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *Parser) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	decoded, err := p.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func (p *Parser) parseAddress(value string) string {
	value = p.decodeHeader(value)
	if value == "" {
		return ""
	}
	if addrs, err := stdmail.ParseAddressList(value); err == nil && len(addrs) > 0 {
		return strings.TrimSpace(addrs[0].Address)
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.TrimSpace(addr.Address)
	}
	return strings.TrimSpace(value)
}

func (p *Parser) parseContentType(value string) (string, string) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "", ""
	}
	mediaType := raw
	charset := ""
	if parsed, params, err := mime.ParseMediaType(raw); err == nil {
		mediaType = parsed
		if cs, ok := params["charset"]; ok {
			charset = strings.TrimSpace(cs)
		}
	}
	return strings.ToLower(mediaType), strings.ToLower(charset)
}

func (p *Parser) fallbackBody(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if int64(len(raw)) > p.maxBodyBytes {
		raw = raw[:p.maxBodyBytes]
	}
	return string(raw)
}

func (p *Parser) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
