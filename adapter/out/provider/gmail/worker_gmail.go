// Package gmail provides the read-only Gmail mailbox adapter used by billing scans.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"billscan_worker/core/port/out"
	"billscan_worker/pkg/metrics"
	"billscan_worker/pkg/resilience"
	"billscan_worker/pkg/retry"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const userID = "me"

// Config tunes the Gmail adapter.
type Config struct {
	// Endpoint overrides the API base URL (tests point it at an httptest server).
	Endpoint string
	// HTTPClient is the base transport under the OAuth layer; nil uses http.DefaultClient.
	HTTPClient  *http.Client
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Sleep       retry.SleepFunc
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffMax:  32 * time.Second,
	}
}

// Factory builds per-credential clients sharing one circuit breaker.
type Factory struct {
	cfg     Config
	breaker *resilience.Breaker
	metrics *metrics.ScanMetrics
	log     zerolog.Logger
}

func NewFactory(cfg Config, m *metrics.ScanMetrics, log zerolog.Logger) *Factory {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.SleepContext
	}

	log = log.With().Str("component", "gmail").Logger()
	bcfg := resilience.DefaultBreakerConfig("gmail-api")
	bcfg.Trips = tripsCircuit
	return &Factory{
		cfg:     cfg,
		breaker: resilience.NewBreaker(bcfg, log),
		metrics: m,
		log:     log,
	}
}

// ForCredential binds a client to a caller-supplied OAuth access token.
// The token is never refreshed or stored.
func (f *Factory) ForCredential(ctx context.Context, accessToken string) (out.MailboxClient, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, errors.New("gmail: empty access token")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	if f.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.cfg.HTTPClient)
	}
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if f.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	return &Client{
		svc:     svc,
		breaker: f.breaker,
		metrics: f.metrics,
		log:     f.log,
		policy: retry.Policy{
			MaxAttempts: f.cfg.MaxAttempts,
			Backoff:     retry.Exponential(f.cfg.BackoffBase, f.cfg.BackoffMax),
			Retryable:   out.IsRateLimited,
			Sleep:       f.cfg.Sleep,
		},
	}, nil
}

// Client implements out.MailboxClient over the Gmail REST API.
type Client struct {
	svc     *gmail.Service
	breaker *resilience.Breaker
	policy  retry.Policy
	metrics *metrics.ScanMetrics
	log     zerolog.Logger
}

func (c *Client) ListMessages(ctx context.Context, query string, pageSize int, pageToken string) (*out.MessagePage, error) {
	var resp *gmail.ListMessagesResponse
	err := c.do(ctx, "messages.list", func(ctx context.Context) error {
		call := c.svc.Users.Messages.List(userID).Q(query).Context(ctx)
		if pageSize > 0 {
			call = call.MaxResults(int64(pageSize))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		r, err := call.Do()
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &out.MessagePage{NextPageToken: resp.NextPageToken, IDs: make([]string, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

func (c *Client) GetMetadata(ctx context.Context, id string, headers []string) (*out.MessageMetadata, error) {
	var msg *gmail.Message
	err := c.do(ctx, "messages.get.metadata", func(ctx context.Context) error {
		r, err := c.svc.Users.Messages.Get(userID, id).
			Format("metadata").
			MetadataHeaders(headers...).
			Context(ctx).
			Do()
		msg = r
		return err
	})
	if err != nil {
		return nil, err
	}

	meta := &out.MessageMetadata{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		Headers:      make(map[string]string),
		InternalDate: internalDate(msg.InternalDate),
	}
	if msg.Payload != nil {
		meta.Headers = headerMap(msg.Payload.Headers)
	}
	return meta, nil
}

func (c *Client) GetFull(ctx context.Context, id string) (*out.FullMessage, error) {
	var msg *gmail.Message
	err := c.do(ctx, "messages.get.full", func(ctx context.Context) error {
		r, err := c.svc.Users.Messages.Get(userID, id).Format("full").Context(ctx).Do()
		msg = r
		return err
	})
	if err != nil {
		return nil, err
	}

	return &out.FullMessage{
		ID:           msg.Id,
		InternalDate: internalDate(msg.InternalDate),
		Payload:      convertPart(msg.Payload),
	}, nil
}

// do runs one API call under the breaker and the rate-limit retry policy.
func (c *Client) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	policy := c.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("mailbox rate limited, backing off")
	}

	return policy.Do(ctx, func(ctx context.Context) error {
		err := c.breaker.Execute(func() error { return call(ctx) })
		c.metrics.MailboxCall(op, statusLabel(err))
		return wrapError(op, err)
	})
}

// tripsCircuit keeps client errors and quota signals from opening the
// circuit. The breaker is shared by every credential; a rate limit belongs to
// one user and is handled by the retry policy.
func tripsCircuit(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if out.IsRateLimited(wrapError("", apiErr)) {
			return false
		}
		return apiErr.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		me := &out.MailboxError{
			Op:     op,
			Status: apiErr.Code,
			Body:   apiErr.Body,
			Err:    apiErr,
		}
		if len(apiErr.Errors) > 0 {
			me.Reason = apiErr.Errors[0].Reason
		}
		if me.Body == "" {
			me.Body = apiErr.Message
		}
		return me
	}
	return fmt.Errorf("mailbox %s: %w", op, err)
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return strconv.Itoa(apiErr.Code)
	}
	if resilience.Rejected(err) {
		return "circuit_open"
	}
	return "error"
}

func internalDate(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func headerMap(headers []*gmail.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		key := http.CanonicalHeaderKey(h.Name)
		if _, ok := m[key]; !ok {
			m[key] = h.Value
		}
	}
	return m
}

func convertPart(p *gmail.MessagePart) *out.MessagePart {
	if p == nil {
		return nil
	}
	part := &out.MessagePart{
		MimeType: p.MimeType,
		Filename: p.Filename,
		Headers:  headerMap(p.Headers),
	}
	if p.Body != nil && p.Body.Data != "" {
		part.Data = decodeData(p.Body.Data)
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// decodeData accepts padded and unpadded base64url; undecodable data is dropped.
func decodeData(s string) []byte {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data
	}
	if data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return data
	}
	return nil
}

var (
	_ out.MailboxFactory = (*Factory)(nil)
	_ out.MailboxClient  = (*Client)(nil)
)
