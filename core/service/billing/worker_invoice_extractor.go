package billing

import (
	"context"
	"errors"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"

	"github.com/rs/zerolog"
)

const (
	DefaultCompletionTimeout = 20 * time.Second
	DefaultCurrency          = "ARS"
)

// CatalogInput is one search-matched email of a known provider.
type CatalogInput struct {
	ProviderName string
	Section      domain.Section
	Subject      string
	Body         DecodedBody
}

// DiscoveryInput is one sampled email of an unknown sender.
type DiscoveryInput struct {
	Sender  string
	Subject string
	Body    DecodedBody
}

type ExtractorConfig struct {
	Timeout         time.Duration
	DefaultCurrency string
	HTMLBudget      int
	Now             func() time.Time
}

// InvoiceExtractor classifies emails and extracts invoice fields through a
// structured-completion provider.
type InvoiceExtractor struct {
	completer out.StructuredCompleter
	timeout   time.Duration
	currency  string
	budget    int
	now       func() time.Time
	log       zerolog.Logger
}

func NewInvoiceExtractor(completer out.StructuredCompleter, cfg ExtractorConfig, log zerolog.Logger) *InvoiceExtractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCompletionTimeout
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = DefaultCurrency
	}
	if cfg.HTMLBudget <= 0 {
		cfg.HTMLBudget = DefaultHTMLBudget
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &InvoiceExtractor{
		completer: completer,
		timeout:   cfg.Timeout,
		currency:  cfg.DefaultCurrency,
		budget:    cfg.HTMLBudget,
		now:       cfg.Now,
		log:       log.With().Str("component", "invoice_extractor").Logger(),
	}
}

// ExtractCatalog never returns OutcomeProviderError: when the provider fails
// or answers outside the schema, the regex extractors run instead and the
// outcome is Billing with Method regex, ErrKind recording the cause.
func (e *InvoiceExtractor) ExtractCatalog(ctx context.Context, in CatalogInput) domain.ExtractionOutcome {
	strictness, err := domain.StrictnessOf(in.Section)
	if err != nil {
		e.log.Warn().Err(err).Str("provider", in.ProviderName).Msg("unmapped section, classifying strictly")
	}

	req := &out.CompletionRequest{
		System:     catalogSystemPrompt,
		User:       catalogRequestPrompt(in.ProviderName, in.Section, strictness, in.Subject, in.Body.StructuredHTML(e.budget)),
		SchemaName: catalogSchemaName,
		Schema:     CatalogSchema(),
	}

	inv, err := e.completeInvoice(ctx, req)
	if err == nil {
		if !inv.IsBillingEmail {
			return domain.NotBilling()
		}
		return domain.Billing(inv)
	}

	kind := providerErrorKind(err)
	e.log.Warn().Err(err).
		Str("provider", in.ProviderName).
		Str("kind", string(kind)).
		Msg("completion failed, using regex extraction")

	fallback := domain.Billing(ExtractWithRegex(in.Body.PlainText(), e.now(), e.currency))
	fallback.ErrKind = kind
	fallback.Err = err
	return fallback
}

// ExtractDiscovery has no fallback: a ProviderError outcome must be read as
// "not billing" by callers.
func (e *InvoiceExtractor) ExtractDiscovery(ctx context.Context, in DiscoveryInput) domain.ExtractionOutcome {
	req := &out.CompletionRequest{
		System:     discoverySystemPrompt,
		User:       discoveryRequestPrompt(in.Sender, in.Subject, in.Body.StructuredHTML(e.budget)),
		SchemaName: discoverySchemaName,
		Schema:     DiscoverySchema(),
	}

	raw, err := e.complete(ctx, req)
	if err != nil {
		return domain.ProviderFailure(providerErrorKind(err), err)
	}
	payload, err := decodePayload(raw, true)
	if err != nil {
		return domain.ProviderFailure(domain.ProviderErrSchema, err)
	}
	inv, err := validateInvoice(payload, e.currency)
	if err != nil {
		return domain.ProviderFailure(domain.ProviderErrSchema, err)
	}
	name, category, err := validateDiscovery(payload)
	if err != nil {
		return domain.ProviderFailure(domain.ProviderErrSchema, err)
	}
	if !inv.IsBillingEmail {
		return domain.NotBilling()
	}

	outcome := domain.Billing(inv)
	outcome.Name = name
	outcome.Category = category
	return outcome
}

func (e *InvoiceExtractor) completeInvoice(ctx context.Context, req *out.CompletionRequest) (*domain.ExtractedInvoiceData, error) {
	raw, err := e.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(raw, false)
	if err != nil {
		return nil, err
	}
	return validateInvoice(payload, e.currency)
}

func (e *InvoiceExtractor) complete(ctx context.Context, req *out.CompletionRequest) ([]byte, error) {
	if e.completer == nil {
		return nil, out.NewCompletionError(out.CompletionProvider, errors.New("no completion provider configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.completer.Complete(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, out.NewCompletionError(out.CompletionTimeout, err)
		}
		return nil, err
	}
	return raw, nil
}

func providerErrorKind(err error) domain.ProviderErrorKind {
	var se *SchemaError
	if errors.As(err, &se) {
		return domain.ProviderErrSchema
	}
	switch out.CompletionKindOf(err) {
	case out.CompletionTimeout:
		return domain.ProviderErrTimeout
	case out.CompletionSchema:
		return domain.ProviderErrSchema
	default:
		return domain.ProviderErrFailed
	}
}
