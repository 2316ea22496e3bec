package scanning

import (
	"strings"

	"github.com/zombor/nutriscan/internal/nutrition"
)

// MaxPromptTextLength caps the recognized text sent to the structurer, in characters
const MaxPromptTextLength = 2000

// HealthProbePrompt and HealthProbeToken are used by the structurer health check
const (
	HealthProbePrompt = "Reply with the single word OK."
	HealthProbeToken  = "OK"
)

// nutritionPromptHeader is the shared instruction block used by all structurer providers
const nutritionPromptHeader = `You are extracting nutrition facts from text that was read off a food label by OCR. The text may contain recognition mistakes; use your best judgement.

Return ONLY valid JSON in this exact format:
{
  "productName": "string",
  "calories": 0,
  "sugar": 0,
  "sodium": 0,
  "totalFat": 0,
  "saturatedFat": 0,
  "fiber": 0,
  "protein": 0,
  "allergens": [],
  "watchlistIngredients": []
}

Field rules:
- productName: infer the product name from the label; use "Food Product" if none is visible
- calories: calories per serving
- sugar: total sugars in grams
- sodium: sodium in milligrams
- totalFat, saturatedFat, fiber, protein: grams
- All numeric fields must be whole integers (round if needed). Never use strings, units or decimals for numbers
- Use null for any numeric field that is not on the label
`

// BuildPrompt builds the extraction prompt for the recognized label text.
// The output depends only on text, so identical input yields identical prompts.
func BuildPrompt(text string) string {
	var b strings.Builder
	b.WriteString(nutritionPromptHeader)
	b.WriteString("- allergens: only values from this list: ")
	b.WriteString(strings.Join(nutrition.Allergens, ", "))
	b.WriteString("\n- watchlistIngredients: ingredients worth flagging even though they are not allergens, for example ")
	b.WriteString(strings.Join(nutrition.WatchlistExamples, ", "))
	b.WriteString("\n\nImportant:\n")
	b.WriteString("- Do not include any text before or after the JSON\n")
	b.WriteString("- Do not use markdown code blocks\n")
	b.WriteString("- Do not add keys that are not in the format above\n")
	b.WriteString("\nLabel text:\n")
	b.WriteString(truncateRunes(text, MaxPromptTextLength))
	b.WriteString("\n")
	return b.String()
}

// truncateRunes shortens s to at most n characters without splitting a rune
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
