package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB Scan Report Adapter
// =============================================================================

const (
	collectionScanReports = "scan_reports"

	// finished reports are dropped after this long
	scanReportRetention = 30 * 24 * time.Hour
)

// ScanReportAdapter implements out.ScanReportRepository using MongoDB.
type ScanReportAdapter struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewScanReportAdapter(db *mongo.Database) *ScanReportAdapter {
	return &ScanReportAdapter{
		collection: db.Collection(collectionScanReports),
		now:        time.Now,
	}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *ScanReportAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0), // TTL index
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

type scanReportDocument struct {
	ID     string `bson:"_id"`
	UserID string `bson:"user_id"`
	Status string `bson:"status"`
	Locale string `bson:"locale"`

	Services []domain.DetectedService `bson:"services"`
	Stats    domain.ScanStats         `bson:"stats"`
	Error    string                   `bson:"error,omitempty"`

	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty"`
}

func toScanReportDocument(r *domain.ScanReport) *scanReportDocument {
	return &scanReportDocument{
		ID:          r.ID.String(),
		UserID:      r.UserID.String(),
		Status:      string(r.Status),
		Locale:      r.Locale,
		Services:    r.Services,
		Stats:       r.Stats,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func (d *scanReportDocument) toDomain() (*domain.ScanReport, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid report id %q: %w", d.ID, err)
	}
	userID, err := uuid.Parse(d.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", d.UserID, err)
	}
	return &domain.ScanReport{
		ID:          id,
		UserID:      userID,
		Status:      domain.ScanStatus(d.Status),
		Locale:      d.Locale,
		Services:    d.Services,
		Stats:       d.Stats,
		Error:       d.Error,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		CompletedAt: d.CompletedAt,
	}, nil
}

// =============================================================================
// Single Operations
// =============================================================================

// Save upserts a report.
func (a *ScanReportAdapter) Save(ctx context.Context, report *domain.ScanReport) error {
	doc := toScanReportDocument(report)
	opts := options.Replace().SetUpsert(true)

	if _, err := a.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("failed to save scan report: %w", err)
	}
	return nil
}

func (a *ScanReportAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.ScanReport, error) {
	var doc scanReportDocument
	err := a.collection.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, out.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get scan report: %w", err)
	}
	return doc.toDomain()
}

func (a *ScanReportAdapter) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ScanStatus, errMsg string) error {
	now := a.now().UTC()
	set := bson.M{
		"status":     string(status),
		"updated_at": now,
	}
	if errMsg != "" {
		set["error"] = errMsg
	}
	if status == domain.ScanFailed {
		set["completed_at"] = now
		set["expires_at"] = now.Add(scanReportRetention)
	}
	return a.update(ctx, id, set)
}

// Complete stores the result and marks the report completed.
func (a *ScanReportAdapter) Complete(ctx context.Context, id uuid.UUID, result *domain.ScanResult) error {
	now := a.now().UTC()
	return a.update(ctx, id, bson.M{
		"status":       string(domain.ScanCompleted),
		"services":     result.Services,
		"stats":        result.Stats,
		"updated_at":   now,
		"completed_at": now,
		"expires_at":   now.Add(scanReportRetention),
	})
}

func (a *ScanReportAdapter) update(ctx context.Context, id uuid.UUID, set bson.M) error {
	res, err := a.collection.UpdateOne(ctx, bson.M{"_id": id.String()}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update scan report: %w", err)
	}
	if res.MatchedCount == 0 {
		return out.ErrReportNotFound
	}
	return nil
}

// =============================================================================
// Query Operations
// =============================================================================

// ListByUser returns the newest reports of a user first.
func (a *ScanReportAdapter) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.ScanReport, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := a.collection.Find(ctx, bson.M{"user_id": userID.String()}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan reports: %w", err)
	}
	defer cursor.Close(ctx)

	var reports []*domain.ScanReport
	for cursor.Next(ctx) {
		var doc scanReportDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode scan report: %w", err)
		}
		report, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, cursor.Err()
}

var _ out.ScanReportRepository = (*ScanReportAdapter)(nil)
