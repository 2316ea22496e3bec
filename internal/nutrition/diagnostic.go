package nutrition

import "fmt"

// Failure markers embedded in diagnostic product names
const (
	MarkerOCR     = "OCR_ERROR"
	MarkerLLM     = "LLM_ERROR"
	MarkerTimeout = "TIMEOUT"
)

// ErrorRecord is the minimal record produced when nothing could be parsed
func ErrorRecord(message string) Record {
	return Record{
		ProductName:          "Error: " + message,
		Allergens:            []string{},
		WatchlistIngredients: []string{},
	}
}

// DiagnosticRecord is the displayable record returned alongside a failed scan.
// Nutrient values are zeroed and the allergen list carries debug lines.
func DiagnosticRecord(marker, message, recognized, structured string) Record {
	return Record{
		ProductName:       "Scan Failed: " + marker,
		Calories:          Int(0),
		SugarGrams:        Int(0),
		SodiumMilligrams:  Int(0),
		TotalFatGrams:     Int(0),
		SaturatedFatGrams: Int(0),
		FiberGrams:        Int(0),
		ProteinGrams:      Int(0),
		Allergens: []string{
			"DEBUG INFO:",
			"Error: " + message,
			"OCR: " + describeLength(recognized),
			"LLM: " + describeLength(structured),
		},
		WatchlistIngredients: []string{},
	}
}

func describeLength(s string) string {
	if isBlank(s) {
		return "Failed"
	}
	return fmt.Sprintf("%d chars", len(s))
}
