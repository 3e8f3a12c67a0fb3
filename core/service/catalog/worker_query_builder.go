package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"billscan_worker/core/domain"
)

var ErrNoQueries = errors.New("no catalog presets apply to locale")

// sectionKeywords are the billing signals searched per section.
var sectionKeywords = map[domain.Section][]string{
	domain.SectionUtilities:     {"factura", "tu factura", "aviso de vencimiento", "resumen de cuenta", "aviso de deuda", "boleta"},
	domain.SectionTelecom:       {"factura", "tu factura", "aviso de vencimiento", "resumen de cuenta", "boleta"},
	domain.SectionHealth:        {"factura", "cuota", "aviso de vencimiento", "resumen de cuenta", "cupón de pago"},
	domain.SectionTax:           {"boleta", "vencimiento", "cuota", "aviso de deuda", "impuesto", "liquidación"},
	domain.SectionInsurance:     {"póliza", "cuota", "factura", "aviso de vencimiento", "cupón de pago"},
	domain.SectionSubscriptions: {"pago", "recibo", "suscripción", "renovación", "cargo", "factura", "receipt", "invoice"},
	domain.SectionOther:         {"factura", "pago", "recibo", "cuota", "liquidación"},
}

// DiscoveryKeywords are the generic billing terms of the discovery search.
var DiscoveryKeywords = []string{
	"factura", "tu factura", "recibo", "comprobante de pago", "aviso de vencimiento",
	"pago recibido", "débito automático", "suscripción", "resumen de cuenta",
	"invoice", "receipt", "payment",
}

// SectionKeywords returns the search keywords of a section.
func SectionKeywords(s domain.Section) ([]string, error) {
	kw, ok := sectionKeywords[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSection, s)
	}
	return kw, nil
}

// BuildQueries compiles one search expression per section for the presets that
// apply to locale, restricted to mail received after now-lookbackDays.
func BuildQueries(c *Catalog, locale string, now time.Time, lookbackDays int) ([]domain.ServiceQuery, error) {
	if c == nil {
		return nil, errors.New("nil catalog")
	}
	if lookbackDays <= 0 {
		return nil, fmt.Errorf("lookback days must be positive, got %d", lookbackDays)
	}

	region := ResolveRegion(locale)
	bySection := make(map[domain.Section][]string)
	for _, p := range c.ForRegion(region) {
		bySection[p.Section] = append(bySection[p.Section], p.Name)
	}

	window := TimeWindow(now, lookbackDays)
	var queries []domain.ServiceQuery
	for _, section := range domain.Sections() {
		names := bySection[section]
		if len(names) == 0 {
			continue
		}
		keywords, err := SectionKeywords(section)
		if err != nil {
			return nil, err
		}
		queries = append(queries, domain.ServiceQuery{
			Section:   section,
			Query:     fmt.Sprintf("%s AND %s AND %s", OrGroup(names), OrGroup(keywords), window),
			Providers: names,
		})
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoQueries, locale)
	}
	return queries, nil
}

// DiscoveryQuery is the broad keyword-only search used for unknown senders.
func DiscoveryQuery(now time.Time, lookbackDays int) string {
	return fmt.Sprintf("%s AND %s", OrGroup(DiscoveryKeywords), TimeWindow(now, lookbackDays))
}

// TimeWindow renders the lower bound of the lookback window.
func TimeWindow(now time.Time, lookbackDays int) string {
	return "after:" + now.AddDate(0, 0, -lookbackDays).Format("2006/01/02")
}

// OrGroup renders (a OR b OR "c d").
func OrGroup(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		if q := QuoteTerm(t); q != "" {
			quoted = append(quoted, q)
		}
	}
	return "(" + strings.Join(quoted, " OR ") + ")"
}

// QuoteTerm wraps terms containing anything but letters and digits in quotes
// so they match as an exact phrase.
func QuoteTerm(term string) string {
	term = strings.TrimSpace(strings.ReplaceAll(term, `"`, ""))
	if term == "" {
		return ""
	}
	for _, r := range term {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return `"` + term + `"`
		}
	}
	return term
}
