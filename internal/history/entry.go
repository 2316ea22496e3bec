package history

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/zombor/nutriscan/internal/nutrition"
)

// DefaultListLimit is used when ListForUser is called with a non-positive limit
const DefaultListLimit = 20

var (
	// ErrNotFound is returned when a scan does not exist
	ErrNotFound = errors.New("scan not found")
	// ErrMissingUser is returned when saving without a user ID
	ErrMissingUser = errors.New("user id is required")
)

// Entry is a persisted scan
type Entry struct {
	ID       string           `json:"id"`
	UserID   string           `json:"userId"`
	Record   nutrition.Record `json:"record"`
	ImageKey string           `json:"imageKey,omitempty"`
}

// Store persists scan records per user
type Store interface {
	// Save stores record for userID and returns the new scan ID
	Save(ctx context.Context, userID string, record nutrition.Record) (string, error)

	// ListForUser returns up to limit scans for userID, newest first
	ListForUser(ctx context.Context, userID string, limit int) ([]Entry, error)

	// Get retrieves a scan by ID
	Get(ctx context.Context, id string) (Entry, error)

	// Delete removes a scan
	Delete(ctx context.Context, id string) error

	// DeleteAllForUser removes every scan for userID and returns what was removed
	DeleteAllForUser(ctx context.Context, userID string) ([]Entry, error)

	// SetImageKey links an archived label image to a scan
	SetImageKey(ctx context.Context, id, key string) error

	// Close closes the underlying database
	Close() error
}

// IDGenerator generates unique scan IDs
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

// document is the stored layout of a scan
type document struct {
	UserID               string   `json:"userId"`
	ProductName          string   `json:"productName"`
	Calories             *int     `json:"calories"`
	Sugar                *int     `json:"sugar"`
	Sodium               *int     `json:"sodium"`
	TotalFat             *int     `json:"totalFat"`
	SaturatedFat         *int     `json:"saturatedFat"`
	Fiber                *int     `json:"fiber"`
	Protein              *int     `json:"protein"`
	Allergens            []string `json:"allergens"`
	WatchlistIngredients []string `json:"watchlistIngredients"`
	Timestamp            int64    `json:"timestamp"`
	ImageKey             string   `json:"imageKey,omitempty"`
}

func newDocument(userID string, r nutrition.Record) document {
	r = r.Normalized()
	return document{
		UserID:               userID,
		ProductName:          r.ProductName,
		Calories:             r.Calories,
		Sugar:                r.SugarGrams,
		Sodium:               r.SodiumMilligrams,
		TotalFat:             r.TotalFatGrams,
		SaturatedFat:         r.SaturatedFatGrams,
		Fiber:                r.FiberGrams,
		Protein:              r.ProteinGrams,
		Allergens:            r.Allergens,
		WatchlistIngredients: r.WatchlistIngredients,
		Timestamp:            r.CapturedAt,
	}
}

func (d document) entry(id string) Entry {
	r := nutrition.Record{
		ScanID:               id,
		CapturedAt:           d.Timestamp,
		ProductName:          d.ProductName,
		Calories:             d.Calories,
		SugarGrams:           d.Sugar,
		SodiumMilligrams:     d.Sodium,
		TotalFatGrams:        d.TotalFat,
		SaturatedFatGrams:    d.SaturatedFat,
		FiberGrams:           d.Fiber,
		ProteinGrams:         d.Protein,
		Allergens:            d.Allergens,
		WatchlistIngredients: d.WatchlistIngredients,
	}
	return Entry{
		ID:       id,
		UserID:   d.UserID,
		Record:   r.Normalized(),
		ImageKey: d.ImageKey,
	}
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
