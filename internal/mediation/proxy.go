package mediation

import (
	"context"

	"hwahaego/internal/models"
)

// Role tags one entry of the AI-side history buffer.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the history sent to the AI proxy. Human turns carry
// the speaking participant; assistant turns keep the raw model output,
// hand-off marker included, so the model keeps seeing its own format.
type Turn struct {
	Role    Role
	Speaker string
	Text    string
}

// Exchanger is the AI proxy contract the engine consumes. Implementations own
// prompt construction; the engine only supplies the roster, the current turn
// and the accumulated history, and treats the returned text as opaque.
type Exchanger interface {
	// Start runs the opening exchange from the fixed seeded instruction.
	Start(ctx context.Context, roster models.Roster) (string, error)
	// Exchange runs one mid-conversation turn.
	Exchange(ctx context.Context, roster models.Roster, speaker, text string, history []Turn) (string, error)
	// Summarize produces the closing summary over the full transcript.
	Summarize(ctx context.Context, roster models.Roster, transcript []models.Message) (string, error)
}

// Store is the transcript persistence contract. A nil Store is a valid,
// permanently degraded mode: the engine keeps working and skips every call.
// Upsert is a full replacement of the conversation record, so repeating a
// write with the same content is idempotent.
type Store interface {
	Create(ctx context.Context, id, code string, roster models.Roster) error
	Upsert(ctx context.Context, id string, messages []models.Message, summary string, status models.State, resolution models.Resolution) error
}
