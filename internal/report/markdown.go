package report

import (
	"fmt"
	"strings"
)

// notAvailable is rendered in place of any field the engine did not return,
// so the document structure is stable regardless of response completeness.
const notAvailable = "n/a"

// IndividualMarkdown reconstructs the canonical individual report layout
// from a structured payload. The transform is deterministic and
// side-effect-free: identical input yields byte-identical markdown, and both
// the Ok and ParseFailed branches render the full section skeleton.
func IndividualMarkdown(sc StructuredContent) string {
	data := sc.Parsed
	var b strings.Builder

	b.WriteString("# PSYCHO-PROFESSIOGRAPHIC EVALUATION REPORT - GESELL CHAMBER\n")
	b.WriteString("**REPORTS CELL | BE-LABS ANALYTICS**\n\n")
	writeParseNotice(&b, sc)

	b.WriteString("### IDENTIFICATION\n")
	b.WriteString("- **Name:** " + field(data, "header", "name") + "\n")
	b.WriteString("- **Age:** " + field(data, "header", "age") + "\n")
	b.WriteString("- **Gender:** " + field(data, "header", "gender") + "\n")
	b.WriteString("- **City:** " + field(data, "header", "city") + "\n")
	b.WriteString("- **Role in Session:** " + field(data, "header", "role") + "\n")

	b.WriteString("\n---\n## 1. TECHNICAL SIGNAL ANALYSIS (BIOMETRIC EVIDENCE)\n")
	b.WriteString("### A. Voice and Prosody Profile [VOICE]\n")
	b.WriteString(field(data, "technical", "voice") + "\n\n")
	b.WriteString("### B. Conduct and Posture [VISION - BODY]\n")
	b.WriteString(field(data, "technical", "posture") + "\n\n")
	b.WriteString("### C. Emotions and Micro-expressions [VISION - FACE]\n")
	b.WriteString(field(data, "technical", "emotions") + "\n")

	b.WriteString("\n---\n## 2. DOMINANT POSITIVE ASPECTS\n")
	writeScoredItems(&b, data, "positives")

	b.WriteString("\n---\n## 3. NEGATIVE OR LIMITING ASPECTS\n")
	writeScoredItems(&b, data, "negatives")

	b.WriteString("\n---\n## 4. ROLE AFFINITY AND IDEAL ROLE\n")
	b.WriteString("- **Affinity:** " + field(data, "affinity", "level") + "\n")
	b.WriteString("- **Ideal Role:** " + field(data, "affinity", "ideal_role") + "\n")

	b.WriteString("\n---\n## 5. HIGHLIGHTED CHRONOLOGICAL MILESTONES\n")
	writeMilestones(&b, data, "milestones", "title")

	b.WriteString("\n---\n## 6. GENERAL OBSERVATION AND RECOMMENDATION\n")
	b.WriteString(scalar(data, "closing") + "\n")

	return b.String()
}

// GroupMarkdown reconstructs the canonical whole-session report layout.
func GroupMarkdown(sc StructuredContent) string {
	data := sc.Parsed
	var b strings.Builder

	b.WriteString("# GROUP REPORT - GESELL COLLECTIVE ANALYSIS\n")
	b.WriteString("**REPORTS CELL | BE-LABS ANALYTICS**\n\n")
	writeParseNotice(&b, sc)

	b.WriteString("---\n## 1. GROUP DYNAMICS\n")
	b.WriteString("- **Collective Voice Profile:** " + field(data, "collective", "voice") + "\n")
	b.WriteString("- **Synchrony and Rhythm:** " + field(data, "collective", "synchrony") + "\n")
	b.WriteString("- **Overall Emotional Climate:** " + field(data, "collective", "climate") + "\n")

	b.WriteString("\n---\n## 2. POSITIVE ASPECTS OF THE GROUP\n")
	writeScoredItems(&b, data, "positives")

	b.WriteString("\n## 3. NEGATIVE OR LIMITING ASPECTS OF THE GROUP\n")
	writeScoredItems(&b, data, "negatives")

	b.WriteString("\n---\n## 4. INTERACTION AND LEADERSHIP\n")
	b.WriteString("- **Interaction Pattern:** " + field(data, "interaction", "pattern") + "\n")
	b.WriteString("- **Identified Leadership:** " + field(data, "interaction", "leadership") + "\n")

	b.WriteString("\n---\n## 5. HIGHLIGHTED GROUP MILESTONES\n")
	writeMilestones(&b, data, "milestones", "event")

	b.WriteString("\n---\n## 6. GENERAL CONCLUSION AND GROUP OBSERVATIONS\n")
	b.WriteString(scalar(data, "conclusion") + "\n")

	return b.String()
}

// writeParseNotice marks documents built from an unparseable engine
// response. The raw text stays in the stored structured content, not in the
// rendered document.
func writeParseNotice(b *strings.Builder, sc StructuredContent) {
	if !sc.Failed() {
		return
	}
	b.WriteString("> Generation notice: the engine response could not be parsed (" + sc.ParseError + ").\n")
	b.WriteString("> The raw response is retained with the report record for review.\n\n")
}

// writeScoredItems renders a bulleted list of scored items, each with a
// justification and a numeric reference score.
func writeScoredItems(b *strings.Builder, data map[string]any, key string) {
	items := list(data, key)
	if len(items) == 0 {
		b.WriteString("- " + notAvailable + "\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- **%s:** %s (Ref: %s)\n",
			str(item, "name"), str(item, "justification"), str(item, "ref"))
	}
}

// writeMilestones renders timestamped milestones; titleKey differs between
// the individual ("title") and group ("event") schemas.
func writeMilestones(b *strings.Builder, data map[string]any, key, titleKey string) {
	items := list(data, key)
	if len(items) == 0 {
		b.WriteString("- " + notAvailable + "\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- **[%s] %s:** %s\n",
			str(item, "time"), str(item, titleKey), str(item, "description"))
	}
}

// field returns data[section][key] rendered as a string, or the placeholder.
func field(data map[string]any, section, key string) string {
	nested, ok := data[section].(map[string]any)
	if !ok {
		return notAvailable
	}
	return str(nested, key)
}

// scalar returns data[key] rendered as a string, or the placeholder.
func scalar(data map[string]any, key string) string {
	return str(data, key)
}

// list returns data[key] as a slice of objects, dropping non-object entries.
func list(data map[string]any, key string) []map[string]any {
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if obj, ok := entry.(map[string]any); ok {
			items = append(items, obj)
		}
	}
	return items
}

// str renders a document value as text. Numbers drop a trailing ".0" so
// integer-valued scores read naturally.
func str(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return notAvailable
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return notAvailable
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		return notAvailable
	}
}
