package out

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// Mailbox Port
// =============================================================================

// MailboxClient is the read-only view of a user's mailbox used by the scan.
type MailboxClient interface {
	// ListMessages returns one page of message ids matching query.
	ListMessages(ctx context.Context, query string, pageSize int, pageToken string) (*MessagePage, error)

	// GetMetadata fetches only the allow-listed headers of a message.
	GetMetadata(ctx context.Context, id string, headers []string) (*MessageMetadata, error)

	// GetFull fetches the complete MIME tree of a message.
	GetFull(ctx context.Context, id string) (*FullMessage, error)
}

// MailboxFactory builds a client bound to one caller-supplied bearer credential.
type MailboxFactory interface {
	ForCredential(ctx context.Context, accessToken string) (MailboxClient, error)
}

type MessagePage struct {
	IDs           []string
	NextPageToken string
}

type MessageMetadata struct {
	ID           string
	ThreadID     string
	Headers      map[string]string
	InternalDate time.Time
}

// Header returns a header value by canonical name.
func (m *MessageMetadata) Header(name string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[http.CanonicalHeaderKey(name)]
}

type FullMessage struct {
	ID           string
	InternalDate time.Time
	Payload      *MessagePart
}

// MessagePart is one node of a decoded MIME tree. Data is already base64-decoded.
type MessagePart struct {
	MimeType string
	Filename string
	Headers  map[string]string
	Data     []byte
	Parts    []*MessagePart
}

// Header returns a part header by canonical name.
func (p *MessagePart) Header(name string) string {
	if p == nil || p.Headers == nil {
		return ""
	}
	return p.Headers[http.CanonicalHeaderKey(name)]
}

// =============================================================================
// Mailbox Errors
// =============================================================================

// MailboxError is returned for every non-2xx mailbox response.
type MailboxError struct {
	Op     string
	Status int
	Reason string
	Body   string
	Err    error
}

func (e *MailboxError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("mailbox %s: status %d (%s): %s", e.Op, e.Status, e.Reason, e.Body)
	}
	return fmt.Sprintf("mailbox %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *MailboxError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the response is a quota signal.
func (e *MailboxError) RateLimited() bool {
	if e.Status == http.StatusTooManyRequests {
		return true
	}
	return e.Status == http.StatusForbidden &&
		(e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded")
}

// IsRateLimited reports whether err carries a mailbox rate-limit signal.
func IsRateLimited(err error) bool {
	var me *MailboxError
	return errors.As(err, &me) && me.RateLimited()
}

// IsAuthFailure reports whether err means the bearer credential was rejected.
func IsAuthFailure(err error) bool {
	var me *MailboxError
	return errors.As(err, &me) && me.Status == http.StatusUnauthorized
}
