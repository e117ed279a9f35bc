package structured

import (
	"fmt"
	"strings"

	"github.com/sells-group/clinical-extractor/internal/model"
)

// systemPrompt is sent as a cached system block on every call.
const systemPrompt = `You extract clinical entities from a single clinical note.

Return exactly one JSON object and nothing else. Use this schema:

{
  "medications": [
    {
      "name": "drug name as written",
      "dosage": {"amount": 10, "unit": "mg"},
      "frequency": {"value": "daily"},
      "route": {"value": "oral"},
      "confidence": 0.0
    }
  ],
  "conditions": [{"name": "...", "status": "present|negated|uncertain|family_history", "confidence": 0.0}],
  "procedures": [{"name": "...", "status": "present|negated|uncertain|family_history", "confidence": 0.0}],
  "lab_tests":  [{"name": "...", "status": "present|negated|uncertain|family_history", "confidence": 0.0}],
  "patient_name": null
}

Rules:
- Copy entity names exactly as they appear in the note.
- Put dosage, frequency and route inside the medication they belong to. Use null when absent.
- Use "negated" for findings the note denies or rules out, "uncertain" for suspected or possible findings, "family_history" for findings in relatives.
- Confidence is your probability that the entity is correct, between 0 and 1.
- Do not infer entities that the note does not state. Generic words such as "medication" or "symptoms" are not entities.
- Use empty arrays when a category has no entities.`

// userPrompt renders the note and the entities earlier tiers already found.
func userPrompt(text string, prior []model.MedicalEntity) string {
	var b strings.Builder
	b.WriteString("Clinical note:\n<note>\n")
	b.WriteString(text)
	b.WriteString("\n</note>\n")

	if len(prior) > 0 {
		b.WriteString("\nCandidate entities from earlier passes (may be incomplete or wrong):\n")
		for _, e := range prior {
			fmt.Fprintf(&b, "- %s: %q", e.Category, e.Text)
			if e.Assertion != model.AssertionPresent {
				fmt.Fprintf(&b, " (%s)", e.Assertion)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nReturn the JSON object.")
	return b.String()
}
