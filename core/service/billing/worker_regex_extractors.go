package billing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/pkg/textnorm"
)

// Patterns run on accent-stripped text, so keywords are written without accents.
const monthNames = `enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre`

var monthNumber = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October,
	"noviembre": time.November, "diciembre": time.December,
}

var (
	currencyAmount = regexp.MustCompile(`(?i)(?:\$|\bARS|\bUSD|U\$S|US\$)\s*(\d[\d.,]*\d|\d)`)
	// only consulted when no amount carries a currency marker
	keywordAmount = regexp.MustCompile(`(?i)\b(?:total(?: a pagar)?|importe|monto|saldo)\b[^0-9$\n]{0,20}(\d[\d.,]*\d|\d)`)

	dueDatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:vencimiento|vence(?:ra|n)?|vto)\b[^0-9]{0,40}?(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{2,4})\b`),
		regexp.MustCompile(`(?i)\b(?:vencimiento|vence(?:ra|n)?|vto)\b[^0-9]{0,40}?(\d{1,2})\s+de\s+(` + monthNames + `)\b(?:\s+(?:del?\s+)?(\d{4}))?`),
	}

	periodNumericMonthYear = regexp.MustCompile(`(?i)\b(?:periodo|mes)\b[^0-9]{0,30}?(\d{1,2})[/\-](\d{4})\b`)
	periodNumericYearMonth = regexp.MustCompile(`(?i)\b(?:periodo|mes)\b[^0-9]{0,30}?(\d{4})[/\-](\d{1,2})\b`)
	periodVerbal           = regexp.MustCompile(`(?i)\b(?:periodo|mes)\b[^0-9]{0,30}?\b(` + monthNames + `)\b[\s/\-]*(?:del?\s+)?(\d{4})\b`)

	accountPattern = regexp.MustCompile(`(?i)\b(?:cliente|cuenta|suministro|nis)\b[\s:#°º.]*(?:(?:nro|numero|num|no|n)[\s.:#°º]*)?(?:de\s+)?([A-Za-z0-9][A-Za-z0-9\-/]{1,48}[A-Za-z0-9])\b`)
)

// ExtractAmount returns the largest plausible currency amount in text.
// Numbers after a keyword such as "importe" count only when no amount has a
// currency marker, and never when they are part of a date.
func ExtractAmount(text string) (float64, bool) {
	text = textnorm.StripAccents(text)
	if v, ok := largestAmount(text, currencyAmount); ok {
		return v, true
	}
	return largestAmount(text, keywordAmount)
}

func largestAmount(text string, re *regexp.Regexp) (float64, bool) {
	best, found := 0.0, false
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		if end < len(text) && (text[end] == '/' || text[end] == '-') {
			continue
		}
		v, err := ParseAmount(text[start:end])
		if err != nil || !domain.ValidAmount(v) {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

// ParseAmount parses a number using either "." or "," as decimal separator.
// With both present the last one is the decimal separator. With only one kind,
// exactly three digits after its last occurrence (or repeated occurrences)
// mean thousands grouping; otherwise it is the decimal point.
func ParseAmount(token string) (float64, error) {
	token = strings.Trim(token, ".,")
	if token == "" {
		return 0, fmt.Errorf("empty amount")
	}

	lastDot := strings.LastIndexByte(token, '.')
	lastComma := strings.LastIndexByte(token, ',')

	var normalized string
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimal, thousands := ".", ","
		if lastComma > lastDot {
			decimal, thousands = ",", "."
		}
		normalized = strings.ReplaceAll(token, thousands, "")
		normalized = strings.Replace(normalized, decimal, ".", 1)
	case lastDot >= 0 || lastComma >= 0:
		sep, last := ".", lastDot
		if lastComma >= 0 {
			sep, last = ",", lastComma
		}
		digitsAfter := len(token) - last - 1
		if digitsAfter == 3 || strings.Count(token, sep) > 1 {
			normalized = strings.ReplaceAll(token, sep, "")
		} else {
			normalized = strings.Replace(token, sep, ".", 1)
		}
	default:
		normalized = token
	}

	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", token, err)
	}
	return v, nil
}

// ExtractDueDate returns the due date as YYYY-MM-DD. A verbal date without
// a year takes the year of now.
func ExtractDueDate(text string, now time.Time) (string, bool) {
	text = textnorm.StripAccents(text)

	for _, m := range dueDatePatterns[0].FindAllStringSubmatch(text, -1) {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, ok := parseYear(m[3])
		if !ok {
			continue
		}
		if d, ok := validDate(year, time.Month(month), day); ok {
			return d, true
		}
	}

	for _, m := range dueDatePatterns[1].FindAllStringSubmatch(text, -1) {
		day, _ := strconv.Atoi(m[1])
		month := monthNumber[strings.ToLower(m[2])]
		year := now.Year()
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
		}
		if d, ok := validDate(year, month, day); ok {
			return d, true
		}
	}
	return "", false
}

func parseYear(s string) (int, bool) {
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	switch len(s) {
	case 2:
		return 2000 + y, true
	case 4:
		return y, true
	default:
		return 0, false
	}
}

func validDate(year int, month time.Month, day int) (string, bool) {
	if month < time.January || month > time.December || day < 1 || year < 2000 || year > 2100 {
		return "", false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

// ExtractPeriod returns the billing period as YYYY-MM.
func ExtractPeriod(text string) (string, bool) {
	text = textnorm.StripAccents(text)

	if m := periodNumericMonthYear.FindStringSubmatch(text); m != nil {
		month, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		if p, ok := validPeriod(year, month); ok {
			return p, true
		}
	}
	if m := periodNumericYearMonth.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if p, ok := validPeriod(year, month); ok {
			return p, true
		}
	}
	if m := periodVerbal.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[2])
		if p, ok := validPeriod(year, int(monthNumber[strings.ToLower(m[1])])); ok {
			return p, true
		}
	}
	return "", false
}

func validPeriod(year, month int) (string, bool) {
	if month < 1 || month > 12 || year < 2000 || year > 2100 {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d", year, month), true
}

// ExtractAccountNumber returns the first client/account/supply number.
// Tokens without digits ("cuenta con ...") are skipped.
func ExtractAccountNumber(text string) (string, bool) {
	text = textnorm.StripAccents(text)
	for _, m := range accountPattern.FindAllStringSubmatch(text, -1) {
		if strings.ContainsAny(m[1], "0123456789") {
			return m[1], true
		}
	}
	return "", false
}

// ExtractWithRegex runs every deterministic extractor. The email is assumed
// to be billing since it already matched a catalog search.
func ExtractWithRegex(text string, now time.Time, currency string) *domain.ExtractedInvoiceData {
	inv := &domain.ExtractedInvoiceData{
		IsBillingEmail: true,
		Currency:       currency,
		Method:         domain.MethodRegex,
	}
	if v, ok := ExtractAmount(text); ok {
		inv.Amount = &v
	}
	inv.DueDate, _ = ExtractDueDate(text, now)
	inv.Period, _ = ExtractPeriod(text)
	inv.AccountNumber, _ = ExtractAccountNumber(text)
	return inv
}
