package billing

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"billscan_worker/core/domain"

	"github.com/goccy/go-json"
)

// Currencies accepted from the completion provider.
var Currencies = []string{"ARS", "USD", "EUR"}

const (
	catalogSchemaName   = "catalog_invoice"
	discoverySchemaName = "discovery_invoice"
	maxAccountLength    = 50
	maxProviderName     = 60
)

var (
	dueDateFormat = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	periodFormat  = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
)

// SchemaError is a field-level violation of a completion response.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation at %s: %s", e.Field, e.Reason)
}

func nullable(t string) []string {
	return []string{t, "null"}
}

func invoiceProperties() map[string]any {
	currencyEnum := make([]any, 0, len(Currencies)+1)
	for _, c := range Currencies {
		currencyEnum = append(currencyEnum, c)
	}
	currencyEnum = append(currencyEnum, nil)

	return map[string]any{
		"is_billing_email": map[string]any{"type": "boolean"},
		"amount": map[string]any{
			"type":        nullable("number"),
			"description": "Total amount due, greater than 0 and below 10000000.",
		},
		"currency": map[string]any{
			"type": nullable("string"),
			"enum": currencyEnum,
		},
		"due_date": map[string]any{
			"type":        nullable("string"),
			"pattern":     dueDateFormat.String(),
			"description": "Payment due date, YYYY-MM-DD.",
		},
		"period": map[string]any{
			"type":        nullable("string"),
			"pattern":     periodFormat.String(),
			"description": "Billing period, YYYY-MM.",
		},
		"account_number": map[string]any{
			"type":        nullable("string"),
			"description": "Client, account or supply number as printed.",
		},
	}
}

func objectSchema(props map[string]any) map[string]any {
	required := make([]string, 0, len(props))
	for _, k := range []string{
		"is_billing_email", "provider_name", "category", "amount",
		"currency", "due_date", "period", "account_number",
	} {
		if _, ok := props[k]; ok {
			required = append(required, k)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// CatalogSchema is the response schema of catalog-mode extraction.
func CatalogSchema() map[string]any {
	return objectSchema(invoiceProperties())
}

// DiscoverySchema adds the inferred provider name and category.
func DiscoverySchema() map[string]any {
	props := invoiceProperties()
	props["provider_name"] = map[string]any{
		"type":        nullable("string"),
		"description": "Short commercial name of the billing company.",
	}
	categories := domain.Categories()
	enum := make([]any, 0, len(categories)+1)
	for _, c := range categories {
		enum = append(enum, c)
	}
	props["category"] = map[string]any{
		"type": nullable("string"),
		"enum": append(enum, nil),
	}
	return objectSchema(props)
}

type invoicePayload struct {
	IsBillingEmail *bool    `json:"is_billing_email"`
	ProviderName   *string  `json:"provider_name"`
	Category       *string  `json:"category"`
	Amount         *float64 `json:"amount"`
	Currency       *string  `json:"currency"`
	DueDate        *string  `json:"due_date"`
	Period         *string  `json:"period"`
	AccountNumber  *string  `json:"account_number"`
}

// decodePayload rejects unknown fields and wrong types.
func decodePayload(raw []byte, discovery bool) (*invoicePayload, error) {
	raw = bytes.TrimSpace(stripCodeFence(raw))
	if len(raw) == 0 {
		return nil, &SchemaError{Field: "$", Reason: "empty response"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p invoicePayload
	if err := dec.Decode(&p); err != nil {
		return nil, &SchemaError{Field: "$", Reason: err.Error()}
	}
	if !discovery && (p.ProviderName != nil || p.Category != nil) {
		return nil, &SchemaError{Field: "$", Reason: "unexpected discovery fields"}
	}
	return &p, nil
}

// validateInvoice turns a decoded payload into invoice data or a SchemaError.
func validateInvoice(p *invoicePayload, defaultCurrency string) (*domain.ExtractedInvoiceData, error) {
	if p.IsBillingEmail == nil {
		return nil, &SchemaError{Field: "is_billing_email", Reason: "required"}
	}
	inv := &domain.ExtractedInvoiceData{
		IsBillingEmail: *p.IsBillingEmail,
		Method:         domain.MethodModel,
	}

	if p.Amount != nil {
		if !domain.ValidAmount(*p.Amount) {
			return nil, &SchemaError{Field: "amount", Reason: fmt.Sprintf("%v out of range", *p.Amount)}
		}
		v := *p.Amount
		inv.Amount = &v
	}

	if p.Currency != nil && *p.Currency != "" {
		if !contains(Currencies, *p.Currency) {
			return nil, &SchemaError{Field: "currency", Reason: fmt.Sprintf("%q not in enum", *p.Currency)}
		}
		inv.Currency = *p.Currency
	} else if inv.Amount != nil {
		inv.Currency = defaultCurrency
	}

	if p.DueDate != nil && *p.DueDate != "" {
		if !dueDateFormat.MatchString(*p.DueDate) {
			return nil, &SchemaError{Field: "due_date", Reason: fmt.Sprintf("%q does not match YYYY-MM-DD", *p.DueDate)}
		}
		if _, err := time.Parse("2006-01-02", *p.DueDate); err != nil {
			return nil, &SchemaError{Field: "due_date", Reason: err.Error()}
		}
		inv.DueDate = *p.DueDate
	}

	if p.Period != nil && *p.Period != "" {
		if !periodFormat.MatchString(*p.Period) {
			return nil, &SchemaError{Field: "period", Reason: fmt.Sprintf("%q does not match YYYY-MM", *p.Period)}
		}
		inv.Period = *p.Period
	}

	if p.AccountNumber != nil {
		acct := strings.TrimSpace(*p.AccountNumber)
		if len(acct) > maxAccountLength {
			return nil, &SchemaError{Field: "account_number", Reason: "too long"}
		}
		inv.AccountNumber = acct
	}
	return inv, nil
}

// validateDiscovery additionally requires name and category for billing verdicts.
func validateDiscovery(p *invoicePayload) (string, domain.Category, error) {
	if p.IsBillingEmail == nil || !*p.IsBillingEmail {
		return "", "", nil
	}
	if p.ProviderName == nil || strings.TrimSpace(*p.ProviderName) == "" {
		return "", "", &SchemaError{Field: "provider_name", Reason: "required for billing emails"}
	}
	name := strings.TrimSpace(*p.ProviderName)
	if len([]rune(name)) > maxProviderName {
		return "", "", &SchemaError{Field: "provider_name", Reason: "too long"}
	}
	if p.Category == nil {
		return "", "", &SchemaError{Field: "category", Reason: "required for billing emails"}
	}
	cat := domain.Category(*p.Category)
	if !cat.Valid() {
		return "", "", &SchemaError{Field: "category", Reason: fmt.Sprintf("%q not in enum", *p.Category)}
	}
	return name, cat, nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON.
func stripCodeFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return raw
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(strings.TrimSpace(s))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
