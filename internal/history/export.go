package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// exportLimit bounds how many scans go into one workbook
const exportLimit = 10000

const exportSheet = "Scans"

var exportHeaders = []string{
	"Scanned At (UTC)",
	"Product",
	"Calories",
	"Sugar (g)",
	"Sodium (mg)",
	"Total Fat (g)",
	"Saturated Fat (g)",
	"Fiber (g)",
	"Protein (g)",
	"Allergens",
	"Watchlist Ingredients",
}

// Export returns the user's scan history as an XLSX workbook, newest first
func (s *Service) Export(ctx context.Context, userID string) ([]byte, error) {
	start := time.Now()

	entries, err := s.store.ListForUser(ctx, userID, exportLimit)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}

	for i, entry := range entries {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(exportSheet, cell, v)
		}

		r := entry.Record
		write(1, time.UnixMilli(r.CapturedAt).UTC().Format("2006-01-02 15:04"))
		write(2, r.ProductName)
		for col, v := range []*int{r.Calories, r.SugarGrams, r.SodiumMilligrams, r.TotalFatGrams, r.SaturatedFatGrams, r.FiberGrams, r.ProteinGrams} {
			if v != nil {
				write(col+3, *v)
			}
		}
		write(10, strings.Join(r.Allergens, ", "))
		write(11, strings.Join(r.WatchlistIngredients, ", "))
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 18)
	_ = f.SetColWidth(exportSheet, "B", "B", 32)
	_ = f.SetColWidth(exportSheet, "C", "I", 14)
	_ = f.SetColWidth(exportSheet, "J", "K", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	slog.Info("Exported scan history",
		"user_id", userID,
		"rows", len(entries),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
