package out

import (
	"context"

	"billscan_worker/core/domain"

	"github.com/google/uuid"
)

// =============================================================================
// LedgerStore (processed message ids)
// =============================================================================

// LedgerStore is the append-only record of message ids already considered per user.
type LedgerStore interface {
	// Processed returns the subset of ids already recorded for the user.
	Processed(ctx context.Context, userID uuid.UUID, ids []string) (map[string]struct{}, error)

	// Record inserts rows, silently skipping ones that already exist.
	// It returns the number of rows actually written.
	Record(ctx context.Context, records []domain.ProcessedMessageRecord) (int, error)
}
