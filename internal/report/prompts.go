package report

import (
	"fmt"

	"github.com/belabs/gesell/internal/storage"
)

// Response schemas the engine is instructed to follow. They are embedded in
// the instructions verbatim, so editing them changes every fingerprint and
// invalidates the report cache — which is exactly the intended behavior.

const individualSchema = `{
  "header": {
    "name": "string",
    "age": "string",
    "gender": "string",
    "city": "string",
    "role": "string"
  },
  "technical": {
    "voice": "string (dense summary)",
    "posture": "string (dense summary)",
    "emotions": "string (dense summary)"
  },
  "positives": [
    { "name": "string", "justification": "string", "ref": 4.5 }
  ],
  "negatives": [
    { "name": "string", "justification": "string", "ref": 2.5 }
  ],
  "affinity": {
    "level": "High/Medium/Low",
    "ideal_role": "string"
  },
  "milestones": [
    { "time": "mm:ss", "title": "string", "description": "string", "ref": 4.0 }
  ],
  "closing": "string"
}`

const groupSchema = `{
  "collective": {
    "voice": "string",
    "synchrony": "string",
    "climate": "string"
  },
  "positives": [
    { "name": "string", "justification": "string", "ref": 0.0 }
  ],
  "negatives": [
    { "name": "string", "justification": "string", "ref": 0.0 }
  ],
  "interaction": {
    "pattern": "Competitive/Cooperative",
    "leadership": "string"
  },
  "milestones": [
    { "time": "mm:ss", "event": "string", "description": "string" }
  ],
  "conclusion": "string"
}`

const individualTemplate = `# GESELL CHAMBER - INDIVIDUAL REPORT ENGINE
**STRICT MODE (JSON)**

## IDENTITY
You are the psycho-professiographic report engine. Your only valid output is a single pure **JSON OBJECT**, with no additional explanation.

## REQUIRED STRUCTURE
Fill this exact schema from the biometric evidence provided:
%s

## SUBJECT CONTEXT
%s
`

const groupTemplate = `# GESELL CHAMBER - COLLECTIVE ANALYSIS ENGINE
**STRICT MODE (JSON)**

## IDENTITY
You are the collective analysis engine. Evaluate the interaction between all participants present in the data: leadership patterns, interruptions, emotional synchrony, and the overall session climate.

## REQUIRED STRUCTURE
Respond with pure JSON following this exact schema:
%s

## SESSION CONTEXT
%s
`

// IndividualInstructions builds the system prompt for one participant by
// substituting the subject metadata into the individual template.
func IndividualInstructions(p storage.Participant) string {
	meta := fmt.Sprintf("Name: %s, Age: %d, Gender: %s, City: %s, Role: %s",
		p.Name, p.Age, p.Gender, p.City, p.Role)
	return fmt.Sprintf(individualTemplate, individualSchema, meta)
}

// GroupInstructions builds the system prompt for the whole-session report.
// It carries the settled roster size, which is why the group phase only
// starts after the individual phase has completed.
func GroupInstructions(sessionExternalID, caseID string, participants int) string {
	ctx := fmt.Sprintf("Session: %s, Case: %s, Participants: %d",
		sessionExternalID, caseID, participants)
	return fmt.Sprintf(groupTemplate, groupSchema, ctx)
}
