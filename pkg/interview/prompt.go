package interview

import (
	"fmt"
	"strings"

	"github.com/specdraft/specdraft/pkg/generator"
	"github.com/specdraft/specdraft/pkg/session"
	"github.com/specdraft/specdraft/pkg/spec"
)

// replyWindow bounds how much conversation history the interviewer sees.
const replyWindow = 20

const interviewerSystemPrompt = `You are a friendly product interviewer helping a non-technical user
describe the software they want built. Ask one focused question at a time.
Prefer plain language over jargon. Acknowledge what the user just said before
asking the next question. Keep replies short.`

func buildInterviewerPrompt(state *session.State) []generator.Message {
	system := interviewerSystemPrompt
	if len(state.Progress.Missing) > 0 {
		system += fmt.Sprintf("\n\nTopics not yet covered, in priority order: %s. Steer toward the first uncovered topic.",
			strings.Join(state.Progress.Missing, ", "))
	}

	msgs := []generator.Message{{Role: "system", Content: system}}

	history := state.Messages
	if len(history) > replyWindow {
		history = history[len(history)-replyWindow:]
	}
	for _, m := range history {
		if m.Role == spec.RoleSystem {
			continue
		}
		msgs = append(msgs, generator.Message{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}
