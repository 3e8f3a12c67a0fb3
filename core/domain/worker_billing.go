package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Section groups catalog presets for search keywords and classification strictness.
type Section string

const (
	SectionUtilities     Section = "utilities"
	SectionTelecom       Section = "telecom"
	SectionHealth        Section = "health"
	SectionTax           Section = "tax"
	SectionInsurance     Section = "insurance"
	SectionSubscriptions Section = "subscriptions"
	SectionOther         Section = "other"
)

// Strictness controls which signals the extractor accepts as billing.
type Strictness int

const (
	// StrictInvoice requires a literal invoice or statement signal.
	StrictInvoice Strictness = iota
	// LoosePayment accepts any payment, renewal or charge signal.
	LoosePayment
)

func (s Strictness) String() string {
	if s == LoosePayment {
		return "loose"
	}
	return "strict"
}

var ErrUnknownSection = errors.New("unknown section")

// sectionStrictness must list every Section constant.
var sectionStrictness = map[Section]Strictness{
	SectionUtilities:     StrictInvoice,
	SectionTelecom:       StrictInvoice,
	SectionHealth:        StrictInvoice,
	SectionTax:           StrictInvoice,
	SectionInsurance:     StrictInvoice,
	SectionSubscriptions: LoosePayment,
	SectionOther:         LoosePayment,
}

// Sections returns all known sections in a stable order.
func Sections() []Section {
	return []Section{
		SectionUtilities, SectionTelecom, SectionHealth, SectionTax,
		SectionInsurance, SectionSubscriptions, SectionOther,
	}
}

// StrictnessOf returns the classification strictness of a section.
func StrictnessOf(s Section) (Strictness, error) {
	st, ok := sectionStrictness[s]
	if !ok {
		return StrictInvoice, fmt.Errorf("%w: %q", ErrUnknownSection, s)
	}
	return st, nil
}

func (s Section) Valid() bool {
	_, ok := sectionStrictness[s]
	return ok
}

// Category is the closed set of coarse service categories.
type Category string

const (
	CategoryUtilities    Category = "utilities"
	CategoryTelecom      Category = "telecom"
	CategoryHealth       Category = "health"
	CategoryInsurance    Category = "insurance"
	CategoryTax          Category = "tax"
	CategorySubscription Category = "subscription"
	CategoryEducation    Category = "education"
	CategoryHousing      Category = "housing"
	CategoryTransport    Category = "transport"
	CategoryOther        Category = "other"
)

var categorySection = map[Category]Section{
	CategoryUtilities:    SectionUtilities,
	CategoryTelecom:      SectionTelecom,
	CategoryHealth:       SectionHealth,
	CategoryInsurance:    SectionInsurance,
	CategoryTax:          SectionTax,
	CategorySubscription: SectionSubscriptions,
	CategoryEducation:    SectionOther,
	CategoryHousing:      SectionOther,
	CategoryTransport:    SectionOther,
	CategoryOther:        SectionOther,
}

// Categories returns the closed category enum in a stable order.
func Categories() []string {
	return []string{
		string(CategoryUtilities), string(CategoryTelecom), string(CategoryHealth),
		string(CategoryInsurance), string(CategoryTax), string(CategorySubscription),
		string(CategoryEducation), string(CategoryHousing), string(CategoryTransport),
		string(CategoryOther),
	}
}

func (c Category) Valid() bool {
	_, ok := categorySection[c]
	return ok
}

// Section maps a category to the section used for discovered services.
func (c Category) Section() Section {
	if s, ok := categorySection[c]; ok {
		return s
	}
	return SectionOther
}

// Frequency is the expected billing cadence.
type Frequency string

const (
	FrequencyWeekly     Frequency = "WEEKLY"
	FrequencyBiweekly   Frequency = "BIWEEKLY"
	FrequencyMonthly    Frequency = "MONTHLY"
	FrequencyBimonthly  Frequency = "BIMONTHLY"
	FrequencyQuarterly  Frequency = "QUARTERLY"
	FrequencySemiannual Frequency = "SEMIANNUAL"
	FrequencyAnnual     Frequency = "ANNUAL"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyBimonthly,
		FrequencyQuarterly, FrequencySemiannual, FrequencyAnnual:
		return true
	}
	return false
}

// ServicePreset is a static catalog entry.
type ServicePreset struct {
	Name      string    `yaml:"name" json:"name"`
	Provider  string    `yaml:"provider" json:"provider"`
	Category  Category  `yaml:"category" json:"category"`
	Frequency Frequency `yaml:"frequency" json:"frequency"`
	Regions   []string  `yaml:"regions,omitempty" json:"regions,omitempty"`
	Section   Section   `yaml:"section" json:"section"`
}

// Nationwide reports whether the preset applies to every region.
func (p ServicePreset) Nationwide() bool {
	return len(p.Regions) == 0
}

// ServiceQuery is one compiled search expression for a section.
type ServiceQuery struct {
	Section   Section
	Query     string
	Providers []string
}

// EmailInfo is the transient per-run view of a listed message.
type EmailInfo struct {
	ID          string
	From        string
	Subject     string
	Date        time.Time
	MatchedName string
}

func (e EmailInfo) Matched() bool {
	return e.MatchedName != ""
}

// ExtractionMethod tags where invoice fields came from.
type ExtractionMethod string

const (
	MethodModel ExtractionMethod = "model"
	MethodRegex ExtractionMethod = "regex"
)

// Amount bounds, exclusive on both ends.
const (
	MinAmount = 0
	MaxAmount = 10_000_000
)

// ValidAmount reports whether v is inside the plausible amount range.
func ValidAmount(v float64) bool {
	return v > MinAmount && v < MaxAmount
}

type ExtractedInvoiceData struct {
	IsBillingEmail bool             `json:"is_billing_email"`
	Amount         *float64         `json:"amount,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	DueDate        string           `json:"due_date,omitempty"`
	Period         string           `json:"period,omitempty"`
	AccountNumber  string           `json:"account_number,omitempty"`
	Method         ExtractionMethod `json:"method"`
}

// DetectedService is one inferred recurring billing relationship.
type DetectedService struct {
	Name            string           `json:"name" bson:"name"`
	Category        Category         `json:"category" bson:"category"`
	Section         Section          `json:"section" bson:"section"`
	Frequency       Frequency        `json:"frequency" bson:"frequency"`
	Amount          *float64         `json:"amount,omitempty" bson:"amount,omitempty"`
	Currency        string           `json:"currency,omitempty" bson:"currency,omitempty"`
	DueDate         string           `json:"due_date,omitempty" bson:"due_date,omitempty"`
	Period          string           `json:"period,omitempty" bson:"period,omitempty"`
	AccountNumber   string           `json:"account_number,omitempty" bson:"account_number,omitempty"`
	Sender          string           `json:"sender" bson:"sender"`
	EmailCount      int              `json:"email_count" bson:"email_count"`
	LatestEmailDate time.Time        `json:"latest_email_date" bson:"latest_email_date"`
	Method          ExtractionMethod `json:"method" bson:"method"`
	Discovered      bool             `json:"discovered" bson:"discovered"`
}

// ApplyInvoice copies the invoice fields of one source email.
func (d *DetectedService) ApplyInvoice(inv *ExtractedInvoiceData) {
	if inv == nil {
		return
	}
	d.Amount = inv.Amount
	d.Currency = inv.Currency
	d.DueDate = inv.DueDate
	d.Period = inv.Period
	d.AccountNumber = inv.AccountNumber
	d.Method = inv.Method
}

// ProcessedMessageRecord is one append-only ledger row.
type ProcessedMessageRecord struct {
	UserID      uuid.UUID
	MessageID   string
	MatchedName string
	CreatedAt   time.Time
}
