package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScanRequest describes one pipeline run for a user.
type ScanRequest struct {
	UserID       uuid.UUID
	Locale       string
	LookbackDays int
	Now          time.Time
}

// ScanStats counts what a run did at each stage.
type ScanStats struct {
	Queries          int `json:"queries" bson:"queries"`
	Listed           int `json:"listed" bson:"listed"`
	LedgerHits       int `json:"ledger_hits" bson:"ledger_hits"`
	MetadataFetched  int `json:"metadata_fetched" bson:"metadata_fetched"`
	Matched          int `json:"matched" bson:"matched"`
	BodiesFetched    int `json:"bodies_fetched" bson:"bodies_fetched"`
	CompletionCalls  int `json:"completion_calls" bson:"completion_calls"`
	RegexFallbacks   int `json:"regex_fallbacks" bson:"regex_fallbacks"`
	LedgerRows       int `json:"ledger_rows" bson:"ledger_rows"`
	DiscoveryScanned int `json:"discovery_scanned" bson:"discovery_scanned"`
	Discovered       int `json:"discovered" bson:"discovered"`
}

// ScanResult is the ordered output of a run plus its stats.
type ScanResult struct {
	Services []DetectedService `json:"services"`
	Stats    ScanStats         `json:"stats"`
}

type ScanStatus string

const (
	ScanQueued    ScanStatus = "queued"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// ScanReport is the persisted record of a scan requested through the API.
type ScanReport struct {
	ID          uuid.UUID         `json:"id" bson:"_id"`
	UserID      uuid.UUID         `json:"user_id" bson:"user_id"`
	Status      ScanStatus        `json:"status" bson:"status"`
	Locale      string            `json:"locale" bson:"locale"`
	Services    []DetectedService `json:"services" bson:"services"`
	Stats       ScanStats         `json:"stats" bson:"stats"`
	Error       string            `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" bson:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// ScanJob is the queued form of an async scan.
type ScanJob struct {
	ScanID         uuid.UUID `json:"scan_id"`
	UserID         uuid.UUID `json:"user_id"`
	Locale         string    `json:"locale"`
	LookbackDays   int       `json:"lookback_days"`
	EncryptedToken string    `json:"encrypted_token"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}
