// Package spec defines the specification document built from an interview
// conversation: a plain-English summary paired with a formal PRD, plus the
// conversation messages and the derived progress snapshot.
package spec

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message typed by the interviewee.
	RoleUser Role = "user"

	// RoleAssistant is a message produced by the interviewer.
	RoleAssistant Role = "assistant"

	// RoleSystem is an instruction message, never shown to the user.
	RoleSystem Role = "system"
)

// MaxMessageLength bounds the content of a single conversation message.
const MaxMessageLength = 8000

// Message is a single conversation turn. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Meta      *Meta     `json:"meta,omitempty"`
}

// Meta carries optional per-message annotations.
type Meta struct {
	// SpecUpdated marks that this turn produced a new specification version.
	SpecUpdated bool `json:"spec_updated,omitempty"`
}

// NewMessage creates a message with a fresh ID and timestamp.
// Content longer than MaxMessageLength is truncated on a rune boundary.
func NewMessage(role Role, content string) Message {
	if len(content) > MaxMessageLength {
		cut := MaxMessageLength
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Summary is the plain-English half of the specification.
type Summary struct {
	Overview      string   `json:"overview"`
	TargetUsers   string   `json:"target_users"`
	KeyFeatures   []string `json:"key_features"`
	Flows         []string `json:"flows"`
	Rules         []string `json:"rules"`
	NonFunctional []string `json:"non_functional"`
	MVPIncluded   []string `json:"mvp_included"`
	MVPExcluded   []string `json:"mvp_excluded"`
}

// Priority ranks a requirement.
type Priority string

const (
	// PriorityMust is a launch-blocking requirement.
	PriorityMust Priority = "must"

	// PriorityShould is an important but deferrable requirement.
	PriorityShould Priority = "should"

	// PriorityCould is a nice-to-have requirement.
	PriorityCould Priority = "could"
)

// Requirement is one formal requirement with its acceptance criteria.
type Requirement struct {
	ID         string   `json:"id"`
	Story      string   `json:"story"`
	Acceptance []string `json:"acceptance"`
	Priority   Priority `json:"priority"`
}

// NFR is a non-functional requirement.
type NFR struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// PRD is the formal half of the specification.
type PRD struct {
	Introduction string            `json:"introduction"`
	Glossary     map[string]string `json:"glossary"`
	Requirements []Requirement     `json:"requirements"`
	NFRs         []NFR             `json:"nfrs"`
}

// Specification is the structured document derived from the conversation.
// Version increases by exactly one on every successful merge.
type Specification struct {
	Version   int       `json:"version"`
	Summary   Summary   `json:"summary"`
	PRD       PRD       `json:"prd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the specification.
func (s *Specification) Clone() *Specification {
	if s == nil {
		return nil
	}
	out := &Specification{
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
		Summary: Summary{
			Overview:      s.Summary.Overview,
			TargetUsers:   s.Summary.TargetUsers,
			KeyFeatures:   cloneStrings(s.Summary.KeyFeatures),
			Flows:         cloneStrings(s.Summary.Flows),
			Rules:         cloneStrings(s.Summary.Rules),
			NonFunctional: cloneStrings(s.Summary.NonFunctional),
			MVPIncluded:   cloneStrings(s.Summary.MVPIncluded),
			MVPExcluded:   cloneStrings(s.Summary.MVPExcluded),
		},
		PRD: PRD{
			Introduction: s.PRD.Introduction,
			Requirements: make([]Requirement, len(s.PRD.Requirements)),
			NFRs:         make([]NFR, len(s.PRD.NFRs)),
		},
	}
	if s.PRD.Glossary != nil {
		out.PRD.Glossary = make(map[string]string, len(s.PRD.Glossary))
		for k, v := range s.PRD.Glossary {
			out.PRD.Glossary[k] = v
		}
	}
	for i, r := range s.PRD.Requirements {
		r.Acceptance = cloneStrings(r.Acceptance)
		out.PRD.Requirements[i] = r
	}
	copy(out.PRD.NFRs, s.PRD.NFRs)
	return out
}

// Progress is the completeness snapshot derived from a specification.
// It carries no independent state.
type Progress struct {
	Covered []string `json:"covered"`
	Missing []string `json:"missing"`
	Ratio   float64  `json:"ratio"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
