package merge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/specdraft/specdraft/pkg/spec"
)

// payload is the document shape the generator is instructed to return.
type payload struct {
	Summary     spec.Summary `json:"summary"`
	PRD         spec.PRD     `json:"prd"`
	Corrections []correction `json:"corrections"`
}

// correction is a declared replacement of an existing item.
type correction struct {
	Field string `json:"field"`
	Was   string `json:"was"`
	Now   string `json:"now"`
}

// parsePayload extracts the JSON document from generator text. Models wrap
// JSON in code fences or prose often enough that we slice from the first
// '{' to the last '}' before unmarshalling.
func parsePayload(text string) (*payload, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in generator output")
	}

	var p payload
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return nil, fmt.Errorf("decode generator output: %w", err)
	}
	return &p, nil
}

// enforceUpdate applies the monotonic non-regression invariant to a
// proposed update. Items present in the current specification must survive
// unless the generator declared their replacement as a correction; anything
// silently dropped is restored. Narrative fields never regress to empty.
func enforceUpdate(current *spec.Specification, proposed *payload) *spec.Specification {
	replaced := correctionSet(proposed.Corrections)

	out := &spec.Specification{
		Summary: proposed.Summary,
		PRD:     proposed.PRD,
	}

	out.Summary.Overview = keepNarrative(current.Summary.Overview, proposed.Summary.Overview)
	out.Summary.TargetUsers = keepNarrative(current.Summary.TargetUsers, proposed.Summary.TargetUsers)
	out.PRD.Introduction = keepNarrative(current.PRD.Introduction, proposed.PRD.Introduction)

	out.Summary.KeyFeatures = restoreDropped("key_features", current.Summary.KeyFeatures, proposed.Summary.KeyFeatures, replaced)
	out.Summary.Flows = restoreDropped("flows", current.Summary.Flows, proposed.Summary.Flows, replaced)
	out.Summary.Rules = restoreDropped("rules", current.Summary.Rules, proposed.Summary.Rules, replaced)
	out.Summary.NonFunctional = restoreDropped("non_functional", current.Summary.NonFunctional, proposed.Summary.NonFunctional, replaced)
	out.Summary.MVPIncluded = restoreDropped("mvp_included", current.Summary.MVPIncluded, proposed.Summary.MVPIncluded, replaced)
	out.Summary.MVPExcluded = restoreDropped("mvp_excluded", current.Summary.MVPExcluded, proposed.Summary.MVPExcluded, replaced)

	out.PRD.Requirements = restoreRequirements(current.PRD.Requirements, proposed.PRD.Requirements, replaced["requirements"])
	out.PRD.NFRs = restoreNFRs(current.PRD.NFRs, proposed.PRD.NFRs, replaced["nfrs"])
	out.PRD.Glossary = mergeGlossary(current.PRD.Glossary, proposed.PRD.Glossary)

	return out
}

// enforceFinalize applies the no-new-facts invariant to a finalize pass:
// requirement and NFR IDs are capped to the input set and additive lists may
// not grow. Wording changes within surviving items are accepted as-is.
func enforceFinalize(current *spec.Specification, proposed *payload) *spec.Specification {
	out := &spec.Specification{
		Summary: proposed.Summary,
		PRD:     proposed.PRD,
	}

	out.Summary.Overview = keepNarrative(current.Summary.Overview, proposed.Summary.Overview)
	out.Summary.TargetUsers = keepNarrative(current.Summary.TargetUsers, proposed.Summary.TargetUsers)
	out.PRD.Introduction = keepNarrative(current.PRD.Introduction, proposed.PRD.Introduction)

	out.Summary.KeyFeatures = capList(current.Summary.KeyFeatures, proposed.Summary.KeyFeatures)
	out.Summary.Flows = capList(current.Summary.Flows, proposed.Summary.Flows)
	out.Summary.Rules = capList(current.Summary.Rules, proposed.Summary.Rules)
	out.Summary.NonFunctional = capList(current.Summary.NonFunctional, proposed.Summary.NonFunctional)
	out.Summary.MVPIncluded = capList(current.Summary.MVPIncluded, proposed.Summary.MVPIncluded)
	out.Summary.MVPExcluded = capList(current.Summary.MVPExcluded, proposed.Summary.MVPExcluded)

	ids := make(map[string]bool, len(current.PRD.Requirements))
	for _, r := range current.PRD.Requirements {
		ids[r.ID] = true
	}
	reqs := make([]spec.Requirement, 0, len(current.PRD.Requirements))
	for _, r := range proposed.PRD.Requirements {
		if ids[r.ID] {
			reqs = append(reqs, r)
		}
	}
	if len(reqs) < len(current.PRD.Requirements) {
		seen := make(map[string]bool, len(reqs))
		for _, r := range reqs {
			seen[r.ID] = true
		}
		for _, r := range current.PRD.Requirements {
			if !seen[r.ID] {
				reqs = append(reqs, r)
			}
		}
	}
	out.PRD.Requirements = reqs

	nfrIDs := make(map[string]bool, len(current.PRD.NFRs))
	for _, n := range current.PRD.NFRs {
		nfrIDs[n.ID] = true
	}
	nfrs := make([]spec.NFR, 0, len(current.PRD.NFRs))
	for _, n := range proposed.PRD.NFRs {
		if nfrIDs[n.ID] {
			nfrs = append(nfrs, n)
		}
	}
	if len(nfrs) < len(current.PRD.NFRs) {
		seen := make(map[string]bool, len(nfrs))
		for _, n := range nfrs {
			seen[n.ID] = true
		}
		for _, n := range current.PRD.NFRs {
			if !seen[n.ID] {
				nfrs = append(nfrs, n)
			}
		}
	}
	out.PRD.NFRs = nfrs

	out.PRD.Glossary = mergeGlossary(current.PRD.Glossary, proposed.PRD.Glossary)

	return out
}

// correctionSet indexes declared corrections by field, keyed on the prior text.
func correctionSet(corrections []correction) map[string]map[string]bool {
	set := make(map[string]map[string]bool)
	for _, c := range corrections {
		if set[c.Field] == nil {
			set[c.Field] = make(map[string]bool)
		}
		set[c.Field][c.Was] = true
	}
	return set
}

// keepNarrative accepts the proposed text unless it regresses to empty.
func keepNarrative(current, proposed string) string {
	if strings.TrimSpace(proposed) == "" {
		return current
	}
	return proposed
}

// restoreDropped re-appends current items that vanished from the proposal
// without a matching correction declaration.
func restoreDropped(field string, current, proposed []string, replaced map[string]map[string]bool) []string {
	if len(current) == 0 {
		return proposed
	}

	have := make(map[string]bool, len(proposed))
	for _, item := range proposed {
		have[item] = true
	}

	out := proposed
	for _, item := range current {
		if have[item] || replaced[field][item] {
			continue
		}
		out = append(out, item)
	}
	return out
}

// restoreRequirements re-appends requirements whose ID vanished without a
// correction declared against the ID or the story text.
func restoreRequirements(current, proposed []spec.Requirement, replaced map[string]bool) []spec.Requirement {
	if len(current) == 0 {
		return proposed
	}

	have := make(map[string]bool, len(proposed))
	for _, r := range proposed {
		have[r.ID] = true
	}

	out := proposed
	for _, r := range current {
		if have[r.ID] || replaced[r.ID] || replaced[r.Story] {
			continue
		}
		out = append(out, r)
	}
	return out
}

func restoreNFRs(current, proposed []spec.NFR, replaced map[string]bool) []spec.NFR {
	if len(current) == 0 {
		return proposed
	}

	have := make(map[string]bool, len(proposed))
	for _, n := range proposed {
		have[n.ID] = true
	}

	out := proposed
	for _, n := range current {
		if have[n.ID] || replaced[n.ID] || replaced[n.Description] {
			continue
		}
		out = append(out, n)
	}
	return out
}

// mergeGlossary unions glossaries, preferring proposed definitions and never
// losing a current term.
func mergeGlossary(current, proposed map[string]string) map[string]string {
	if len(current) == 0 {
		return proposed
	}
	out := make(map[string]string, len(current)+len(proposed))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range proposed {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

// capList keeps the proposal but refuses growth beyond the current count,
// and refuses shrink below it.
func capList(current, proposed []string) []string {
	if len(proposed) > len(current) {
		return proposed[:len(current)]
	}
	if len(proposed) < len(current) {
		return current
	}
	return proposed
}
