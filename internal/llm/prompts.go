package llm

import (
	"fmt"
	"strings"
)

// DefaultActor is the role the assistant plays when a request names none.
const DefaultActor = "personal assistant"

// VoiceGuardrails are appended to every actor prompt because answers may be
// synthesized sentence by sentence.
const VoiceGuardrails = `Keep answers short and conversational.
Write complete sentences that end with punctuation.
Do not use markdown, lists, code blocks or emoji.
Answer in the language the user writes in.`

// ActorPrompt builds the system prompt for an actor such as "personal assistant".
func ActorPrompt(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = DefaultActor
	}
	return fmt.Sprintf("You are a helpful %s.\n\n%s", actor, VoiceGuardrails)
}

// BuildMessages assembles the system prompt, the history and the new prompt.
// History entries with an empty body are dropped.
func BuildMessages(req Request) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	msgs = append(msgs, Message{Role: "system", Content: ActorPrompt(req.Actor)})
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := m.Role
		if role != "assistant" && role != "system" {
			role = "user"
		}
		msgs = append(msgs, Message{Role: role, Content: m.Content})
	}
	if strings.TrimSpace(req.Prompt) != "" {
		msgs = append(msgs, Message{Role: "user", Content: req.Prompt})
	}
	return msgs
}
