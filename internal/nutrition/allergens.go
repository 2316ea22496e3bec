package nutrition

import "strings"

// Allergens is the fixed allergen vocabulary, in display order
var Allergens = []string{"Milk", "Eggs", "Peanuts", "Tree Nuts", "Soy", "Wheat", "Fish", "Shellfish"}

// WatchlistExamples are ingredients the extraction prompt asks the model to flag
var WatchlistExamples = []string{"Aspartame", "Red 40", "High Fructose Corn Syrup", "Sodium Nitrite", "Partially Hydrogenated Oils"}

// allergenAliases maps lowercase spellings to the canonical vocabulary entry
var allergenAliases = map[string]string{
	"milk":      "Milk",
	"dairy":     "Milk",
	"egg":       "Eggs",
	"eggs":      "Eggs",
	"peanut":    "Peanuts",
	"peanuts":   "Peanuts",
	"tree nut":  "Tree Nuts",
	"tree nuts": "Tree Nuts",
	"treenuts":  "Tree Nuts",
	"soy":       "Soy",
	"soya":      "Soy",
	"soybean":   "Soy",
	"soybeans":  "Soy",
	"wheat":     "Wheat",
	"fish":      "Fish",
	"shellfish": "Shellfish",
}

// CanonicalAllergen maps a free-form allergen name onto the vocabulary.
// The boolean is false when the name is not a recognised allergen.
func CanonicalAllergen(name string) (string, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(name), " "))
	canonical, ok := allergenAliases[key]
	return canonical, ok
}

// normalizeAllergens canonicalises, filters and de-duplicates allergens, keeping order
func normalizeAllergens(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, a := range in {
		canonical, ok := CanonicalAllergen(a)
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, canonical)
	}
	return out
}

// normalizeIngredients trims and de-duplicates (case-insensitively) free-form ingredients
func normalizeIngredients(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
