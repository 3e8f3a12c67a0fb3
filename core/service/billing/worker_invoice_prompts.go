package billing

import (
	"fmt"
	"strings"

	"billscan_worker/core/domain"
)

const catalogSystemPrompt = `You read Spanish-language emails from Argentine service providers and decide whether an email is a bill for a recurring service.
Extract only what is printed in the email. Never guess values.
Amounts use Argentine formatting ("$58.099,00" means 58099.00). Return the total to pay.
Dates are day/month/year. Return due_date as YYYY-MM-DD and period as YYYY-MM.
Use null for anything that is not present.`

const discoverySystemPrompt = `You read emails and decide whether they are bills, invoices, receipts or payment confirmations for a recurring service the recipient pays (utilities, phone, internet, health plans, insurance, taxes, subscriptions, rent, school fees).
Marketing, newsletters, shipping notices, one-off purchases, bank statements and security alerts are NOT billing emails.
For billing emails give the short commercial name of the company (for example "Netflix", not "Netflix International B.V.") and one category from the allowed list.
Extract only what is printed. Amounts use Argentine formatting ("$58.099,00" means 58099.00). Dates are day/month/year; return due_date as YYYY-MM-DD and period as YYYY-MM.
Use null for anything that is not present.`

const (
	strictRule = `Classify as billing ONLY if the email is itself an invoice, bill, statement or payment notice ("factura", "resumen", "aviso de vencimiento", "boleta", "cuota"). Promotions, plan changes, outage notices and generic account messages are NOT billing.`
	looseRule  = `Classify as billing if the email confirms or requests any payment, renewal, charge or receipt for the service.`
)

func strictnessRule(s domain.Strictness) string {
	if s == domain.LoosePayment {
		return looseRule
	}
	return strictRule
}

func catalogRequestPrompt(providerName string, section domain.Section, strictness domain.Strictness, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Provider: %s\n", providerName)
	fmt.Fprintf(&b, "Section: %s\n", section)
	fmt.Fprintf(&b, "Rule: %s\n\n", strictnessRule(strictness))
	fmt.Fprintf(&b, "Subject: %s\n\n", subject)
	b.WriteString("Body:\n")
	b.WriteString(body)
	return b.String()
}

func discoveryRequestPrompt(sender, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sender: %s\n", sender)
	fmt.Fprintf(&b, "Allowed categories: %s\n\n", strings.Join(domain.Categories(), ", "))
	fmt.Fprintf(&b, "Subject: %s\n\n", subject)
	b.WriteString("Body:\n")
	b.WriteString(body)
	return b.String()
}
