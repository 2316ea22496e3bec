package nutrition

import "slices"

// DefaultProductName is used when a label yields no usable product name
const DefaultProductName = "Food Product"

// Record is the structured nutrition data extracted from a single label scan.
// Records are values: enrichment returns a copy instead of editing in place.
type Record struct {
	ScanID               string   `json:"scanId,omitempty"`
	CapturedAt           int64    `json:"timestamp"` // epoch milliseconds
	ProductName          string   `json:"productName"`
	Calories             *int     `json:"calories"`
	SugarGrams           *int     `json:"sugar"`
	SodiumMilligrams     *int     `json:"sodium"`
	TotalFatGrams        *int     `json:"totalFat"`
	SaturatedFatGrams    *int     `json:"saturatedFat"`
	FiberGrams           *int     `json:"fiber"`
	ProteinGrams         *int     `json:"protein"`
	Allergens            []string `json:"allergens"`
	WatchlistIngredients []string `json:"watchlistIngredients"`
}

// WithScanID returns a copy of the record carrying the persisted scan ID
func (r Record) WithScanID(id string) Record {
	c := r.clone()
	c.ScanID = id
	return c
}

// WithCapturedAt returns a copy of the record stamped with the capture time
func (r Record) WithCapturedAt(millis int64) Record {
	c := r.clone()
	c.CapturedAt = millis
	return c
}

func (r Record) clone() Record {
	c := r
	c.Calories = cloneInt(r.Calories)
	c.SugarGrams = cloneInt(r.SugarGrams)
	c.SodiumMilligrams = cloneInt(r.SodiumMilligrams)
	c.TotalFatGrams = cloneInt(r.TotalFatGrams)
	c.SaturatedFatGrams = cloneInt(r.SaturatedFatGrams)
	c.FiberGrams = cloneInt(r.FiberGrams)
	c.ProteinGrams = cloneInt(r.ProteinGrams)
	c.Allergens = nonNil(slices.Clone(r.Allergens))
	c.WatchlistIngredients = nonNil(slices.Clone(r.WatchlistIngredients))
	return c
}

// Normalized fills defaults so no partial record escapes: a blank product
// name becomes DefaultProductName and nil lists become empty.
func (r Record) Normalized() Record {
	c := r.clone()
	if isBlank(c.ProductName) {
		c.ProductName = DefaultProductName
	}
	return c
}

// Int returns a pointer to v, for building records by hand
func Int(v int) *int {
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
