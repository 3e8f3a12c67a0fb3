package billing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"

	"github.com/google/uuid"
)

type fakeMessage struct {
	id      string
	from    string
	subject string
	date    time.Time
	text    string
	html    string
}

type listRule struct {
	contains string
	ids      []string
	err      error
}

// fakeMailbox answers list calls by the first rule whose marker appears in the query.
type fakeMailbox struct {
	mu        sync.Mutex
	messages  map[string]fakeMessage
	rules     []listRule
	fullErr   map[string]error
	queries   []string
	metaCalls int
	fullCalls int
}

func newFakeMailbox(msgs ...fakeMessage) *fakeMailbox {
	m := &fakeMailbox{messages: make(map[string]fakeMessage), fullErr: make(map[string]error)}
	for _, msg := range msgs {
		m.messages[msg.id] = msg
	}
	return m
}

func (m *fakeMailbox) on(marker string, ids ...string) *fakeMailbox {
	m.rules = append(m.rules, listRule{contains: marker, ids: ids})
	return m
}

func (m *fakeMailbox) failOn(marker string, err error) *fakeMailbox {
	m.rules = append(m.rules, listRule{contains: marker, err: err})
	return m
}

func (m *fakeMailbox) ListMessages(_ context.Context, query string, _ int, _ string) (*out.MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	for _, r := range m.rules {
		if strings.Contains(query, r.contains) {
			if r.err != nil {
				return nil, r.err
			}
			return &out.MessagePage{IDs: r.ids}, nil
		}
	}
	return &out.MessagePage{}, nil
}

func (m *fakeMailbox) GetMetadata(_ context.Context, id string, _ []string) (*out.MessageMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metaCalls++
	msg, ok := m.messages[id]
	if !ok {
		return nil, &out.MailboxError{Op: "messages.get", Status: http.StatusNotFound, Body: "not found"}
	}
	return &out.MessageMetadata{
		ID: id,
		Headers: map[string]string{
			"From":    msg.from,
			"Subject": msg.subject,
		},
		InternalDate: msg.date,
	}, nil
}

func (m *fakeMailbox) GetFull(_ context.Context, id string) (*out.FullMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fullCalls++
	if err := m.fullErr[id]; err != nil {
		return nil, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, &out.MailboxError{Op: "messages.get", Status: http.StatusNotFound, Body: "not found"}
	}
	root := &out.MessagePart{MimeType: "multipart/alternative"}
	if msg.text != "" {
		root.Parts = append(root.Parts, &out.MessagePart{MimeType: "text/plain", Data: []byte(msg.text)})
	}
	if msg.html != "" {
		root.Parts = append(root.Parts, &out.MessagePart{MimeType: "text/html", Data: []byte(msg.html)})
	}
	return &out.FullMessage{ID: id, InternalDate: msg.date, Payload: root}, nil
}

// fakeCompleter routes each request to respond and counts calls per schema.
type fakeCompleter struct {
	mu      sync.Mutex
	calls   map[string]int
	users   []string
	respond func(req *out.CompletionRequest) (string, error)
}

func newFakeCompleter(respond func(req *out.CompletionRequest) (string, error)) *fakeCompleter {
	return &fakeCompleter{calls: make(map[string]int), respond: respond}
}

func (c *fakeCompleter) Complete(ctx context.Context, req *out.CompletionRequest) ([]byte, error) {
	c.mu.Lock()
	c.calls[req.SchemaName]++
	c.users = append(c.users, req.User)
	c.mu.Unlock()
	resp, err := c.respond(req)
	if err != nil {
		return nil, err
	}
	return []byte(resp), nil
}

func (c *fakeCompleter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// memLedger is an in-memory LedgerStore.
type memLedger struct {
	mu   sync.Mutex
	rows map[string]domain.ProcessedMessageRecord
	err  error
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]domain.ProcessedMessageRecord)}
}

func ledgerKey(user uuid.UUID, id string) string {
	return user.String() + "/" + id
}

func (l *memLedger) Processed(_ context.Context, userID uuid.UUID, ids []string) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	found := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := l.rows[ledgerKey(userID, id)]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (l *memLedger) Record(ctx context.Context, records []domain.ProcessedMessageRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	written := 0
	for _, r := range records {
		k := ledgerKey(r.UserID, r.MessageID)
		if _, ok := l.rows[k]; ok {
			continue
		}
		l.rows[k] = r
		written++
	}
	return written, nil
}

func (l *memLedger) get(user uuid.UUID, id string) (domain.ProcessedMessageRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[ledgerKey(user, id)]
	return r, ok
}

func billingJSON(amount float64, due, period, account string) string {
	return fmt.Sprintf(`{"is_billing_email":true,"amount":%v,"currency":"ARS","due_date":%q,"period":%q,"account_number":%q}`,
		amount, due, period, account)
}

const notBillingJSON = `{"is_billing_email":false,"amount":null,"currency":null,"due_date":null,"period":null,"account_number":null}`
