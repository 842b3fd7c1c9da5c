package merge

import (
	"encoding/json"
	"fmt"

	"github.com/specdraft/specdraft/pkg/generator"
	"github.com/specdraft/specdraft/pkg/spec"
)

const updateSystemPrompt = `You maintain a living product specification built from an ongoing
conversation with a user. You receive the current specification as JSON and a
window of new conversation messages.

Classify each piece of new information:
- addition: a new fact. Append it to the relevant section. Never remove or
  rewrite existing items for an addition.
- correction: the user explicitly contradicts or replaces something already
  recorded. Replace only the contradicted item, and declare every replacement
  in the "corrections" array with the exact prior text in "was" and the
  replacement in "now".
- refinement: extra detail about an existing item. Enhance that item in place
  without losing its original meaning.

Existing content must be preserved verbatim unless declared as a correction.
Do not invent facts the user has not stated.

Respond with a single JSON object and nothing else, in this shape:
{"summary": {...}, "prd": {...}, "corrections": [{"field": "...", "was": "...", "now": "..."}]}

The summary object has keys: overview, target_users, key_features, flows,
rules, non_functional, mvp_included, mvp_excluded. The prd object has keys:
introduction, glossary, requirements, nfrs. Requirements are
{"id", "story", "acceptance", "priority"} with priority one of must, should,
could. NFRs are {"id", "category", "description"}.`

const finalizeSystemPrompt = `You finalize a product specification for handoff. You receive the
current specification as JSON.

Tighten wording, resolve internal inconsistencies, and fill obvious gaps in
phrasing. Do NOT introduce new facts: no new requirements, no new features,
no new flows. Every item in the input must survive, possibly reworded.

Respond with a single JSON object and nothing else, in this shape:
{"summary": {...}, "prd": {...}}

using the same field names as the input specification.`

type updateContext struct {
	CurrentSpecification *spec.Specification `json:"current_specification"`
	NewMessages          []promptMessage     `json:"new_messages"`
	FirstRun             bool                `json:"first_run"`
}

type finalizeContext struct {
	CurrentSpecification *spec.Specification `json:"current_specification"`
}

type promptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildUpdatePrompt(current *spec.Specification, msgs []spec.Message, firstRun bool) []generator.Message {
	window := make([]promptMessage, 0, len(msgs))
	for _, m := range msgs {
		window = append(window, promptMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, _ := json.Marshal(updateContext{
		CurrentSpecification: current,
		NewMessages:          window,
		FirstRun:             firstRun,
	})

	return []generator.Message{
		{Role: "system", Content: updateSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Merge the new messages into the specification.\n\n%s", payload)},
	}
}

func buildFinalizePrompt(current *spec.Specification) []generator.Message {
	payload, _ := json.Marshal(finalizeContext{CurrentSpecification: current})

	return []generator.Message{
		{Role: "system", Content: finalizeSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Finalize this specification.\n\n%s", payload)},
	}
}
