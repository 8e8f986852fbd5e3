// Package mediation implements the turn-taking dialogue engine behind the
// student mediation chat: a per-session state machine that runs the opening
// exchange, gates human turns on the inferred expected speaker, retries
// overloaded AI calls and incrementally persists the transcript.
package mediation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"hwahaego/internal/models"
	"hwahaego/internal/retry"
	"hwahaego/internal/speaker"
)

// FallbackReply is appended as an assistant turn when a mid-conversation
// exchange fails; the session stays usable and the same speaker may retry.
const FallbackReply = "죄송해요, 잠시 문제가 생겼어요. 마지막 이야기를 다시 한 번 보내 줄래요?"

// Rejections. All of them are synchronous no-ops: nothing was mutated.
var (
	ErrBadState           = errors.New("action not allowed in current state")
	ErrBusy               = errors.New("an exchange is already in flight")
	ErrNoExpectedSpeaker  = errors.New("no expected speaker selected")
	ErrNotYourTurn        = errors.New("another participant holds the turn")
	ErrEmptyMessage       = errors.New("message text is empty")
	ErrTooFewMessages     = errors.New("at least one full exchange is required before closing")
	ErrUnknownParticipant = errors.New("name is not on the roster")
	ErrSuperseded         = errors.New("session was restarted while the call was in flight")
	ErrBadResolution      = errors.New("resolution must be resolved or unresolved")
)

// Engine owns one mediation session from setup to end. All session state
// lives behind one mutex; the three remote calls (opening, exchange, summary)
// run outside the lock with an in-flight flag that rejects, never queues, a
// concurrent send. Restart bumps an epoch so a stale completion cannot touch
// the fresh session.
type Engine struct {
	exch   Exchanger
	store  Store // nil disables persistence for the session lifetime
	policy retry.Policy

	mu             sync.Mutex
	state          models.State
	code           string
	label          string
	roster         models.Roster
	conversationID string
	transcript     []models.Message
	history        []Turn
	expected       string
	resolution     models.Resolution
	summary        string
	inflight       bool
	epoch          uint64
}

// New builds an idle engine in the setup state. store may be nil.
func New(exch Exchanger, store Store) *Engine {
	return &Engine{
		exch:   exch,
		store:  store,
		policy: retry.DefaultPolicy(),
		state:  models.StateSetup,
	}
}

// SetRetryPolicy overrides the backoff policy applied to every remote call.
func (e *Engine) SetRetryPolicy(p retry.Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// Begin moves setup -> opening: it validates the roster, mints the
// conversation id, runs the opening exchange and seeds the transcript with
// the cleaned greeting. When the greeting itself names a next speaker the
// expected-speaker gate is pre-selected, sparing the first manual pick. An
// opening failure leaves the engine in setup with no transcript.
func (e *Engine) Begin(ctx context.Context, roster models.Roster, code, label string) error {
	e.mu.Lock()
	if e.state != models.StateSetup {
		e.mu.Unlock()
		return ErrBadState
	}
	if e.inflight {
		e.mu.Unlock()
		return ErrBusy
	}
	if err := roster.Validate(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.inflight = true
	epoch := e.epoch
	snapshot := roster.Clone()
	policy := e.policy
	e.mu.Unlock()

	greeting, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return e.exch.Start(ctx, snapshot)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return ErrSuperseded
	}
	e.inflight = false
	if err != nil {
		return fmt.Errorf("opening exchange: %w", err)
	}

	e.roster = snapshot
	e.code = code
	e.label = label
	e.conversationID = uuid.NewString()
	e.expected = speaker.Infer(greeting, e.roster)
	e.history = append(e.history[:0], Turn{Role: RoleAssistant, Text: greeting})
	e.transcript = append(e.transcript[:0], models.NewAssistantMessage(speaker.Strip(greeting)))
	e.state = models.StateOpening

	if e.store != nil {
		if err := e.store.Create(ctx, e.conversationID, e.code, e.roster); err != nil {
			log.Printf("create conversation %s: %v", e.conversationID, err)
		}
		e.persistLocked(ctx)
	}
	return nil
}

// Acknowledge moves opening -> active once the rules overlay is dismissed.
func (e *Engine) Acknowledge() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.StateOpening {
		return ErrBadState
	}
	e.state = models.StateActive
	return nil
}

// SelectSpeaker sets the expected-speaker gate by hand, for the case where
// inference never matched anybody and the UI asks the group to pick.
func (e *Engine) SelectSpeaker(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.StateActive {
		return ErrBadState
	}
	if e.inflight {
		return ErrBusy
	}
	if !e.roster.Contains(name) {
		return ErrUnknownParticipant
	}
	e.expected = name
	return nil
}

// Send runs one human turn through the exchange protocol: the human message
// is appended before the remote call, the cleaned assistant reply after it,
// so transcript order is exactly initiation order. On exchange failure a
// fixed fallback assistant message is appended instead and the expected
// speaker stays unchanged so the same participant can retry.
func (e *Engine) Send(ctx context.Context, sender, text string) (models.Message, error) {
	e.mu.Lock()
	if e.state != models.StateActive {
		e.mu.Unlock()
		return models.Message{}, ErrBadState
	}
	if e.inflight {
		e.mu.Unlock()
		return models.Message{}, ErrBusy
	}
	if e.expected == "" {
		e.mu.Unlock()
		return models.Message{}, ErrNoExpectedSpeaker
	}
	if sender != e.expected {
		e.mu.Unlock()
		return models.Message{}, ErrNotYourTurn
	}
	if strings.TrimSpace(text) == "" {
		e.mu.Unlock()
		return models.Message{}, ErrEmptyMessage
	}

	e.transcript = append(e.transcript, models.NewHumanMessage(sender, text))
	e.history = append(e.history, Turn{Role: RoleHuman, Speaker: sender, Text: text})
	history := make([]Turn, len(e.history))
	copy(history, e.history)
	roster := e.roster.Clone()
	policy := e.policy
	e.inflight = true
	epoch := e.epoch
	e.mu.Unlock()

	reply, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return e.exch.Exchange(ctx, roster, sender, text, history)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return models.Message{}, ErrSuperseded
	}
	e.inflight = false

	var msg models.Message
	if err != nil {
		log.Printf("exchange for %s failed: %v", e.conversationID, err)
		msg = models.NewAssistantMessage(FallbackReply)
		e.transcript = append(e.transcript, msg)
	} else {
		if next := speaker.Infer(reply, e.roster); next != "" {
			e.expected = next
		}
		e.history = append(e.history, Turn{Role: RoleAssistant, Text: reply})
		msg = models.NewAssistantMessage(speaker.Strip(reply))
		e.transcript = append(e.transcript, msg)
	}
	e.persistLocked(ctx)
	return msg, nil
}

// RequestEnd moves active -> choosing_resolution. At least one full exchange
// (human turn plus assistant reply, on top of the greeting) must exist.
func (e *Engine) RequestEnd() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.StateActive {
		return ErrBadState
	}
	if e.inflight {
		return ErrBusy
	}
	if len(e.transcript) < 2 {
		return ErrTooFewMessages
	}
	e.state = models.StateChoosingResolution
	return nil
}

// CancelEnd returns from the closing gate to the turn-taking loop.
func (e *Engine) CancelEnd() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.StateChoosingResolution {
		return ErrBadState
	}
	e.state = models.StateActive
	return nil
}

// Resolve records the picked outcome and closes the session. With a store
// configured it requests a closing summary and persists the final record; a
// summary failure is logged and swallowed, the session ends either way.
// Without a store the session ends immediately with no summary.
func (e *Engine) Resolve(ctx context.Context, resolution models.Resolution) error {
	e.mu.Lock()
	if e.state != models.StateChoosingResolution {
		e.mu.Unlock()
		return ErrBadState
	}
	if !resolution.Valid() {
		e.mu.Unlock()
		return ErrBadResolution
	}
	e.resolution = resolution
	if e.store == nil {
		e.state = models.StateEnded
		e.mu.Unlock()
		return nil
	}

	e.state = models.StateSaving
	e.inflight = true
	epoch := e.epoch
	transcript := e.transcriptLocked()
	roster := e.roster.Clone()
	policy := e.policy
	e.mu.Unlock()

	summary, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return e.exch.Summarize(ctx, roster, transcript)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return ErrSuperseded
	}
	e.inflight = false
	if err != nil {
		log.Printf("summary for %s failed: %v", e.conversationID, err)
		summary = ""
	}
	e.summary = summary
	e.state = models.StateEnded
	e.persistLocked(ctx)
	return nil
}

// Reset discards the session from any state and returns to setup. A call
// still in flight runs to completion but its result is dropped.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	e.state = models.StateSetup
	e.code = ""
	e.label = ""
	e.roster = nil
	e.conversationID = ""
	e.transcript = nil
	e.history = nil
	e.expected = ""
	e.resolution = ""
	e.summary = ""
	e.inflight = false
}

// Snapshot is a consistent read-only view of the session for the UI layer.
type Snapshot struct {
	State           models.State      `json:"state"`
	Code            string            `json:"code,omitempty"`
	Label           string            `json:"label,omitempty"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	Participants    models.Roster     `json:"participants,omitempty"`
	Transcript      []models.Message  `json:"transcript"`
	ExpectedSpeaker string            `json:"expected_speaker,omitempty"`
	Resolution      models.Resolution `json:"resolution,omitempty"`
	Summary         string            `json:"summary,omitempty"`
}

// Snapshot returns a copy of the current session state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:           e.state,
		Code:            e.code,
		Label:           e.label,
		ConversationID:  e.conversationID,
		Participants:    e.roster.Clone(),
		Transcript:      e.transcriptLocked(),
		ExpectedSpeaker: e.expected,
		Resolution:      e.resolution,
		Summary:         e.summary,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() models.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ExpectedSpeaker returns the participant currently holding the turn, or "".
func (e *Engine) ExpectedSpeaker() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expected
}

// Transcript returns a copy of the display transcript.
func (e *Engine) Transcript() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcriptLocked()
}

// ConversationID returns the persistence key minted at session start.
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

func (e *Engine) transcriptLocked() []models.Message {
	out := make([]models.Message, len(e.transcript))
	copy(out, e.transcript)
	return out
}

// persistLocked writes the full current record. Persistence failures never
// interrupt the dialogue; they are logged and the session carries on.
func (e *Engine) persistLocked(ctx context.Context) {
	if e.store == nil {
		return
	}
	err := e.store.Upsert(ctx, e.conversationID, e.transcriptLocked(), e.summary, e.state, e.resolution)
	if err != nil {
		log.Printf("persist conversation %s: %v", e.conversationID, err)
	}
}
