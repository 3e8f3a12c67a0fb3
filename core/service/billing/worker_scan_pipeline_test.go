package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"
	"billscan_worker/core/service/catalog"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	utilitiesMarker = "(EPEC)"
	netflixMarker   = "(Netflix)"
	discoveryMarker = `"comprobante de pago"`
)

var scanNow = time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New("test", []domain.ServicePreset{
		{Name: "EPEC", Provider: "Empresa Provincial de Energía de Córdoba", Category: domain.CategoryUtilities, Frequency: domain.FrequencyMonthly, Section: domain.SectionUtilities, Regions: []string{catalog.RegionCordoba}},
		{Name: "Netflix", Provider: "Netflix", Category: domain.CategorySubscription, Frequency: domain.FrequencyMonthly, Section: domain.SectionSubscriptions},
	})
	require.NoError(t, err)
	return cat
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type pipelineFixture struct {
	pipeline  *Pipeline
	ledger    *memLedger
	completer *fakeCompleter
	user      uuid.UUID
	stages    []string
}

func newPipelineFixture(t *testing.T, respond func(*out.CompletionRequest) (string, error)) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		ledger:    newMemLedger(),
		completer: newFakeCompleter(respond),
		user:      uuid.New(),
	}
	extractor := NewInvoiceExtractor(f.completer, ExtractorConfig{
		Timeout: time.Second,
		Now:     func() time.Time { return scanNow },
	}, zerolog.Nop())

	cfg := DefaultPipelineConfig()
	cfg.Sleep = noSleep
	cfg.Progress = func(stage string) { f.stages = append(f.stages, stage) }
	f.pipeline = NewPipeline(testCatalog(t), f.ledger, extractor, cfg, nil, zerolog.Nop())
	return f
}

func (f *pipelineFixture) scan(client out.MailboxClient) (*domain.ScanResult, error) {
	return f.pipeline.Scan(context.Background(), client, domain.ScanRequest{
		UserID:       f.user,
		Locale:       "Córdoba, Argentina",
		LookbackDays: 90,
		Now:          scanNow,
	})
}

func daysAgo(n int) time.Time {
	return scanNow.AddDate(0, 0, -n)
}

func TestPipeline_StrictSectionRejectsNonInvoice(t *testing.T) {
	mbox := newFakeMailbox(fakeMessage{
		id: "e1", from: "EPEC <novedades@epec.com.ar>", subject: "EPEC: descargá la nueva app",
		date: daysAgo(3), text: "Conocé la nueva app de EPEC. Gestioná tu factura desde el celular.",
	}).on(utilitiesMarker, "e1")

	f := newPipelineFixture(t, func(req *out.CompletionRequest) (string, error) {
		return notBillingJSON, nil
	})

	result, err := f.scan(mbox)
	require.NoError(t, err)

	assert.Empty(t, result.Services)
	assert.Equal(t, 1, f.completer.calls[catalogSchemaName])
	assert.Equal(t, 1, result.Stats.LedgerRows)
	rec, ok := f.ledger.get(f.user, "e1")
	require.True(t, ok)
	assert.Equal(t, "EPEC", rec.MatchedName)
	assert.Equal(t, Stages, f.stages)
}

func TestPipeline_RerunSkipsProcessedMessages(t *testing.T) {
	mbox := newFakeMailbox(
		fakeMessage{id: "e1", from: "facturas@epec.com.ar", subject: "EPEC - Tu factura", date: daysAgo(10), text: "Total $10.500,00"},
		fakeMessage{id: "x1", from: "promo@tienda.com", subject: "EPEC y vos: ofertas", date: daysAgo(2), text: "Ofertas"},
	).on(utilitiesMarker, "e1", "x1")

	f := newPipelineFixture(t, func(req *out.CompletionRequest) (string, error) {
		if strings.Contains(req.User, "Subject: EPEC - Tu factura") {
			return billingJSON(10500, "2026-03-20", "2026-02", ""), nil
		}
		return notBillingJSON, nil
	})

	first, err := f.scan(mbox)
	require.NoError(t, err)
	require.Len(t, first.Services, 1)
	assert.Equal(t, "EPEC", first.Services[0].Name)
	calls := f.completer.total()
	metaCalls := mbox.metaCalls

	second, err := f.scan(mbox)
	require.NoError(t, err)

	assert.Equal(t, calls, f.completer.total())
	assert.Equal(t, metaCalls, mbox.metaCalls)
	assert.Equal(t, 2, second.Stats.LedgerHits)
	assert.Equal(t, 0, second.Stats.LedgerRows)
	assert.Empty(t, second.Services)
}

func TestPipeline_CancelledRunKeepsClassifiedInLedger(t *testing.T) {
	mbox := newFakeMailbox(
		fakeMessage{id: "e1", from: "facturas@epec.com.ar", subject: "EPEC - Aviso", date: daysAgo(10), text: "Aviso de corte programado"},
		fakeMessage{id: "n1", from: "info@netflix.com", subject: "Netflix: tu cuenta", date: daysAgo(5), text: "Novedades de tu cuenta"},
	).on(utilitiesMarker, "e1").on(netflixMarker, "n1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var firstSubject string
	f := newPipelineFixture(t, func(req *out.CompletionRequest) (string, error) {
		if firstSubject == "" {
			firstSubject = req.User
			cancel()
		}
		return notBillingJSON, nil
	})

	_, err := f.pipeline.Scan(ctx, mbox, domain.ScanRequest{
		UserID:       f.user,
		Locale:       "Córdoba, Argentina",
		LookbackDays: 90,
		Now:          scanNow,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.completer.total())

	done, pending := "e1", "n1"
	if strings.Contains(firstSubject, "Netflix") {
		done, pending = "n1", "e1"
	}
	_, ok := f.ledger.get(f.user, done)
	assert.True(t, ok, "classified message must be recorded")
	_, ok = f.ledger.get(f.user, pending)
	assert.False(t, ok, "unclassified message must stay out of the ledger")
}

func TestPipeline_CapsCandidatesAndStopsAtFirstPositive(t *testing.T) {
	var msgs []fakeMessage
	var ids []string
	for i := 1; i <= 7; i++ {
		id := fmt.Sprintf("n%d", i)
		ids = append(ids, id)
		msgs = append(msgs, fakeMessage{
			id:      id,
			from:    "Netflix <info@account.netflix.com>",
			subject: fmt.Sprintf("Netflix aviso %d", i),
			date:    daysAgo(30 * (8 - i)),
			text:    "Gracias por tu pago",
		})
	}
	mbox := newFakeMailbox(msgs...).on(netflixMarker, ids...)

	f := newPipelineFixture(t, func(req *out.CompletionRequest) (string, error) {
		if strings.Contains(req.User, "Subject: Netflix aviso 6") {
			return billingJSON(8999, "", "2026-02", ""), nil
		}
		return notBillingJSON, nil
	})

	result, err := f.scan(mbox)
	require.NoError(t, err)

	assert.Equal(t, 5, mbox.fullCalls)
	assert.Equal(t, 2, f.completer.calls[catalogSchemaName])
	require.Len(t, result.Services, 1)

	svc := result.Services[0]
	assert.Equal(t, "Netflix", svc.Name)
	assert.Equal(t, domain.SectionSubscriptions, svc.Section)
	assert.Equal(t, 7, svc.EmailCount)
	assert.Equal(t, domain.FrequencyMonthly, svc.Frequency)
	assert.Equal(t, daysAgo(30), svc.LatestEmailDate)
	assert.Equal(t, "info@account.netflix.com", svc.Sender)
	require.NotNil(t, svc.Amount)
	assert.InDelta(t, 8999.0, *svc.Amount, 0.0001)
	assert.Equal(t, domain.MethodModel, svc.Method)
	assert.False(t, svc.Discovered)

	for _, id := range ids {
		_, ok := f.ledger.get(f.user, id)
		assert.True(t, ok, id)
	}
}

func TestPipeline_RegexFallback(t *testing.T) {
	mbox := newFakeMailbox(fakeMessage{
		id: "e1", from: "facturas@epec.com.ar", subject: "EPEC factura electrónica",
		date: daysAgo(5),
		html: "<table><tr><td>Total a pagar</td><td>$58.099,00</td></tr><tr><td>Vencimiento</td><td>02/03/26</td></tr></table>",
	}).on(utilitiesMarker, "e1")

	f := newPipelineFixture(t, func(*out.CompletionRequest) (string, error) {
		return "", out.NewCompletionError(out.CompletionProvider, errors.New("model overloaded"))
	})

	result, err := f.scan(mbox)
	require.NoError(t, err)

	require.Len(t, result.Services, 1)
	svc := result.Services[0]
	assert.Equal(t, domain.MethodRegex, svc.Method)
	require.NotNil(t, svc.Amount)
	assert.InDelta(t, 58099.0, *svc.Amount, 0.0001)
	assert.Equal(t, "ARS", svc.Currency)
	assert.Equal(t, "2026-03-02", svc.DueDate)
	assert.Equal(t, 1, result.Stats.RegexFallbacks)
}

func TestPipeline_DiscoversUnknownSender(t *testing.T) {
	var msgs []fakeMessage
	var ids []string
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("d%d", i)
		ids = append(ids, id)
		msgs = append(msgs, fakeMessage{
			id:      id,
			from:    "Club Atlético <Cuotas@Club.org.ar>",
			subject: "Cuota social",
			date:    daysAgo(7 * (5 - i)),
			text:    "Tu cuota de $12.000 vence el 20/03/2026",
		})
	}
	msgs = append(msgs, fakeMessage{id: "s1", from: "jobs@linkedin.com", subject: "Pago de tu suscripción Premium", date: daysAgo(1), text: "Recibo"})
	mbox := newFakeMailbox(msgs...).on(discoveryMarker, append(ids, "s1")...)

	f := newPipelineFixture(t, func(req *out.CompletionRequest) (string, error) {
		if req.SchemaName == discoverySchemaName {
			return `{"is_billing_email":true,"provider_name":"Club Atlético","category":"other","amount":12000,"currency":"ARS","due_date":"2026-03-20","period":null,"account_number":null}`, nil
		}
		return notBillingJSON, nil
	})

	result, err := f.scan(mbox)
	require.NoError(t, err)

	require.Len(t, result.Services, 1)
	svc := result.Services[0]
	assert.Equal(t, "Club Atlético", svc.Name)
	assert.True(t, svc.Discovered)
	assert.Equal(t, 4, svc.EmailCount)
	assert.Equal(t, domain.FrequencyMonthly, svc.Frequency)
	assert.Equal(t, domain.SectionOther, svc.Section)
	assert.Equal(t, "cuotas@club.org.ar", svc.Sender)
	assert.Equal(t, daysAgo(7), svc.LatestEmailDate)
	assert.Equal(t, 1, f.completer.calls[discoverySchemaName])
	assert.Equal(t, 1, result.Stats.Discovered)
	assert.Equal(t, 5, result.Stats.DiscoveryScanned)

	for _, id := range ids {
		rec, ok := f.ledger.get(f.user, id)
		require.True(t, ok, id)
		assert.Equal(t, "Club Atlético", rec.MatchedName)
	}
	_, ok := f.ledger.get(f.user, "s1")
	assert.True(t, ok)
}

func TestPipeline_DiscoverySkipsCatalogIDs(t *testing.T) {
	mbox := newFakeMailbox(fakeMessage{
		id: "e1", from: "facturas@epec.com.ar", subject: "EPEC - Tu factura", date: daysAgo(4), text: "Total $10.500,00",
	}).on(utilitiesMarker, "e1").on(discoveryMarker, "e1")

	f := newPipelineFixture(t, func(req *out.CompletionRequest) (string, error) {
		if req.SchemaName == discoverySchemaName {
			t.Fatalf("discovery must not reclassify catalog ids")
		}
		return billingJSON(10500, "", "", ""), nil
	})

	result, err := f.scan(mbox)
	require.NoError(t, err)
	require.Len(t, result.Services, 1)
	assert.Equal(t, 0, result.Stats.DiscoveryScanned)
}

func TestPipeline_AuthFailureAbortsRun(t *testing.T) {
	mbox := newFakeMailbox().failOn(utilitiesMarker, &out.MailboxError{Op: "messages.list", Status: http.StatusUnauthorized, Body: "invalid credentials"})

	f := newPipelineFixture(t, func(*out.CompletionRequest) (string, error) {
		return notBillingJSON, nil
	})

	result, err := f.scan(mbox)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, out.IsAuthFailure(err))
	assert.Contains(t, err.Error(), StageListCandidates)
	assert.Equal(t, 0, f.completer.total())
}

func TestPipeline_FailedSectionIsSkipped(t *testing.T) {
	mbox := newFakeMailbox(fakeMessage{
		id: "n1", from: "info@account.netflix.com", subject: "Netflix: recibo de pago", date: daysAgo(3), text: "Cargo $8.999",
	}).
		failOn(utilitiesMarker, &out.MailboxError{Op: "messages.list", Status: http.StatusInternalServerError, Body: "backend error"}).
		on(netflixMarker, "n1")

	f := newPipelineFixture(t, func(*out.CompletionRequest) (string, error) {
		return billingJSON(8999, "", "", ""), nil
	})

	result, err := f.scan(mbox)
	require.NoError(t, err)

	require.Len(t, result.Services, 1)
	assert.Equal(t, "Netflix", result.Services[0].Name)
	assert.Equal(t, 2, result.Stats.Queries)
	assert.Equal(t, 1, result.Stats.Listed)
}

func TestPipeline_BodyFailureLeavesMessageUnrecorded(t *testing.T) {
	mbox := newFakeMailbox(
		fakeMessage{id: "e1", from: "facturas@epec.com.ar", subject: "EPEC - Tu factura", date: daysAgo(2), text: "Total $10.500,00"},
		fakeMessage{id: "e2", from: "facturas@epec.com.ar", subject: "EPEC - Tu factura anterior", date: daysAgo(32), text: "Total $9.800,00"},
	).on(utilitiesMarker, "e1", "e2")
	mbox.fullErr["e1"] = &out.MailboxError{Op: "messages.get", Status: http.StatusInternalServerError}

	f := newPipelineFixture(t, func(*out.CompletionRequest) (string, error) {
		return billingJSON(9800, "", "2026-02", ""), nil
	})

	result, err := f.scan(mbox)
	require.NoError(t, err)

	require.Len(t, result.Services, 1)
	assert.Equal(t, 2, result.Services[0].EmailCount)
	_, ok := f.ledger.get(f.user, "e1")
	assert.False(t, ok)
	_, ok = f.ledger.get(f.user, "e2")
	assert.True(t, ok)
}

func TestPipeline_LedgerReadFailureAborts(t *testing.T) {
	mbox := newFakeMailbox(fakeMessage{id: "e1", from: "facturas@epec.com.ar", subject: "EPEC", date: daysAgo(1)}).
		on(utilitiesMarker, "e1")

	f := newPipelineFixture(t, func(*out.CompletionRequest) (string, error) {
		return notBillingJSON, nil
	})
	f.ledger.err = errors.New("connection refused")

	_, err := f.scan(mbox)

	require.Error(t, err)
	assert.Contains(t, err.Error(), StageLedgerFilter)
	assert.Equal(t, 0, mbox.metaCalls)
}

func TestPipeline_UnknownLocaleUsesNationwidePresets(t *testing.T) {
	mbox := newFakeMailbox()
	f := newPipelineFixture(t, func(*out.CompletionRequest) (string, error) {
		return notBillingJSON, nil
	})

	result, err := f.pipeline.Scan(context.Background(), mbox, domain.ScanRequest{UserID: f.user, Locale: "Ushuaia", Now: scanNow})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Stats.Queries)
	for _, q := range mbox.queries {
		assert.NotContains(t, q, utilitiesMarker)
	}
}
