// Package progress derives a completeness snapshot from a specification.
// It evaluates a fixed topic checklist; derivation is deterministic, has no
// side effects, and makes no external calls.
package progress

import (
	"strings"

	"github.com/specdraft/specdraft/pkg/spec"
)

// Topic identifies one checklist entry.
type Topic = string

// Checklist topics in evaluation order.
const (
	TopicOverview     Topic = "overview"
	TopicTargetUsers  Topic = "target_users"
	TopicKeyFeatures  Topic = "key_features"
	TopicFlows        Topic = "flows"
	TopicRequirements Topic = "requirements"
)

// check pairs a topic with its predicate over a specification snapshot.
type check struct {
	topic     Topic
	satisfied func(*spec.Specification) bool
}

var checklist = []check{
	{TopicOverview, func(s *spec.Specification) bool {
		return strings.TrimSpace(s.Summary.Overview) != ""
	}},
	{TopicTargetUsers, func(s *spec.Specification) bool {
		return strings.TrimSpace(s.Summary.TargetUsers) != ""
	}},
	{TopicKeyFeatures, func(s *spec.Specification) bool {
		return len(s.Summary.KeyFeatures) > 0
	}},
	{TopicFlows, func(s *spec.Specification) bool {
		return len(s.Summary.Flows) > 0
	}},
	{TopicRequirements, func(s *spec.Specification) bool {
		return len(s.PRD.Requirements) > 0
	}},
}

// Sections returns the top-level section topics the merge engine reports as
// missing: the checklist minus the formal-requirements topic.
func Sections() []Topic {
	return []Topic{TopicOverview, TopicTargetUsers, TopicKeyFeatures, TopicFlows}
}

// Topics returns all checklist topics.
func Topics() []Topic {
	out := make([]Topic, len(checklist))
	for i, c := range checklist {
		out[i] = c.topic
	}
	return out
}

// Derive evaluates the checklist against a specification snapshot.
// A nil specification covers nothing.
func Derive(s *spec.Specification) spec.Progress {
	p := spec.Progress{
		Covered: make([]string, 0, len(checklist)),
		Missing: make([]string, 0, len(checklist)),
	}

	for _, c := range checklist {
		if s != nil && c.satisfied(s) {
			p.Covered = append(p.Covered, c.topic)
		} else {
			p.Missing = append(p.Missing, c.topic)
		}
	}

	p.Ratio = float64(len(p.Covered)) / float64(len(checklist))
	return p
}
