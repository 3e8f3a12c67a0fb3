package domain

// OutcomeKind tags an ExtractionOutcome.
type OutcomeKind int

const (
	OutcomeBilling OutcomeKind = iota
	OutcomeNotBilling
	OutcomeProviderError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeBilling:
		return "billing"
	case OutcomeNotBilling:
		return "not_billing"
	case OutcomeProviderError:
		return "provider_error"
	default:
		return "unknown"
	}
}

// ProviderErrorKind classifies a completion-provider failure.
type ProviderErrorKind string

const (
	ProviderErrTimeout ProviderErrorKind = "timeout"
	ProviderErrFailed  ProviderErrorKind = "provider"
	ProviderErrSchema  ProviderErrorKind = "schema"
)

// ExtractionOutcome is the result of classifying one email.
// Invoice is set only for OutcomeBilling. ErrKind and Err are set for
// OutcomeProviderError, and for a Billing outcome produced by the regex
// fallback after the provider failed.
type ExtractionOutcome struct {
	Kind     OutcomeKind
	Invoice  *ExtractedInvoiceData
	Name     string
	Category Category
	ErrKind  ProviderErrorKind
	Err      error
}

func Billing(inv *ExtractedInvoiceData) ExtractionOutcome {
	inv.IsBillingEmail = true
	return ExtractionOutcome{Kind: OutcomeBilling, Invoice: inv}
}

func NotBilling() ExtractionOutcome {
	return ExtractionOutcome{Kind: OutcomeNotBilling}
}

func ProviderFailure(kind ProviderErrorKind, err error) ExtractionOutcome {
	return ExtractionOutcome{Kind: OutcomeProviderError, ErrKind: kind, Err: err}
}

func (o ExtractionOutcome) IsBilling() bool {
	return o.Kind == OutcomeBilling
}
