package nutrition

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// maxNutrientValue bounds coerced values; anything larger is treated as noise
const maxNutrientValue = 1_000_000

var (
	reTrailingComma = regexp.MustCompile(`,\s*([}\]])`)
	reNumber        = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// numericFields lists the JSON keys of the optional nutrient values, in record order
var numericFields = []string{"calories", "sugar", "sodium", "totalFat", "saturatedFat", "fiber", "protein"}

var (
	stringPatterns  = map[string]*regexp.Regexp{}
	numericPatterns = map[string]*regexp.Regexp{}
)

// fieldNumber extracts one numeric field during fallback extraction
var fieldNumber = extractNumber

func init() {
	stringPatterns["productName"] = regexp.MustCompile(`"productName"\s*:\s*"([^"]*)"`)
	for _, key := range numericFields {
		numericPatterns[key] = regexp.MustCompile(`"` + key + `"\s*:\s*(\d+(?:\.\d+)?)`)
	}
}

// rawRecord mirrors the structured payload with loosely typed fields so that
// close-enough literals ("12g", "3.5", 7) can be coerced instead of rejected
type rawRecord struct {
	ProductName          any `json:"productName"`
	Calories             any `json:"calories"`
	Sugar                any `json:"sugar"`
	Sodium               any `json:"sodium"`
	TotalFat             any `json:"totalFat"`
	SaturatedFat         any `json:"saturatedFat"`
	Fiber                any `json:"fiber"`
	Protein              any `json:"protein"`
	Allergens            any `json:"allergens"`
	WatchlistIngredients any `json:"watchlistIngredients"`
}

// Parse turns structurer output into a Record. It never fails: a strict
// decode is tried first, then per-field extraction, then an error record.
func Parse(text string) Record {
	rec, err := decode(text)
	if err == nil {
		return rec
	}

	slog.Warn("Nutrition JSON decode failed, extracting fields manually",
		"error", err,
		"length", len(text),
	)
	return extractFields(text)
}

// cleanJSON strips markdown fences and isolates the outermost JSON object
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	// Some models escape underscores in keys
	text = strings.ReplaceAll(text, `\_`, "_")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func decode(text string) (Record, error) {
	cleaned := cleanJSON(text)
	if !strings.HasPrefix(cleaned, "{") {
		return Record{}, fmt.Errorf("no JSON object found")
	}
	cleaned = reTrailingComma.ReplaceAllString(cleaned, "$1")

	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()

	var raw rawRecord
	if err := dec.Decode(&raw); err != nil {
		return Record{}, fmt.Errorf("decoding nutrition json: %w", err)
	}

	rec := Record{
		ProductName:          coerceString(raw.ProductName),
		Calories:             coerceInt(raw.Calories),
		SugarGrams:           coerceInt(raw.Sugar),
		SodiumMilligrams:     coerceInt(raw.Sodium),
		TotalFatGrams:        coerceInt(raw.TotalFat),
		SaturatedFatGrams:    coerceInt(raw.SaturatedFat),
		FiberGrams:           coerceInt(raw.Fiber),
		ProteinGrams:         coerceInt(raw.Protein),
		Allergens:            normalizeAllergens(coerceList(raw.Allergens)),
		WatchlistIngredients: normalizeIngredients(coerceList(raw.WatchlistIngredients)),
	}
	return rec.Normalized(), nil
}

// extractFields is the regex fallback used when the payload is not decodable
func extractFields(text string) (rec Record) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Manual nutrition extraction failed", "panic", r)
			rec = ErrorRecord("Unable to parse nutrition data")
		}
	}()

	values := make(map[string]*int, len(numericFields))
	for _, key := range numericFields {
		values[key] = fieldNumber(text, key)
	}

	rec = Record{
		ProductName:          extractString(text, "productName"),
		Calories:             values["calories"],
		SugarGrams:           values["sugar"],
		SodiumMilligrams:     values["sodium"],
		TotalFatGrams:        values["totalFat"],
		SaturatedFatGrams:    values["saturatedFat"],
		FiberGrams:           values["fiber"],
		ProteinGrams:         values["protein"],
		Allergens:            []string{},
		WatchlistIngredients: []string{},
	}
	return rec.Normalized()
}

func extractString(text, key string) string {
	m := stringPatterns[key].FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func extractNumber(text, key string) *int {
	m := numericPatterns[key].FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return parseNumber(m[1])
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func coerceInt(v any) *int {
	switch t := v.(type) {
	case json.Number:
		return parseNumber(t.String())
	case float64:
		return fromFloat(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" || strings.EqualFold(s, "null") {
			return nil
		}
		// Accept unit-suffixed literals such as "12g" or "480 mg"
		return parseNumber(reNumber.FindString(s))
	default:
		return nil
	}
}

func parseNumber(s string) *int {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return fromFloat(f)
}

func fromFloat(f float64) *int {
	if math.IsNaN(f) || f < 0 || f > maxNutrientValue {
		return nil
	}
	v := int(math.Round(f))
	return &v
}

func coerceList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if isBlank(t) {
			return []string{}
		}
		return strings.Split(t, ",")
	default:
		return []string{}
	}
}
