package mediation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hwahaego/internal/models"
	"hwahaego/internal/retry"
)

type fakeExchanger struct {
	mu        sync.Mutex
	startText string
	startErr  error
	replies   []string
	replyErrs []error
	summary   string
	sumErr    error

	exchanges    int
	summaries    int
	lastHistory  []Turn
	enterBlock   chan struct{} // when set, Exchange signals entry and waits
	releaseBlock chan struct{}
}

func (f *fakeExchanger) Start(context.Context, models.Roster) (string, error) {
	return f.startText, f.startErr
}

func (f *fakeExchanger) Exchange(_ context.Context, _ models.Roster, _ string, _ string, history []Turn) (string, error) {
	f.mu.Lock()
	n := f.exchanges
	f.exchanges++
	f.lastHistory = history
	enter, release := f.enterBlock, f.releaseBlock
	f.mu.Unlock()

	if enter != nil {
		enter <- struct{}{}
		<-release
	}
	if n < len(f.replyErrs) && f.replyErrs[n] != nil {
		return "", f.replyErrs[n]
	}
	if n < len(f.replies) {
		return f.replies[n], nil
	}
	return "알겠습니다", nil
}

func (f *fakeExchanger) Summarize(context.Context, models.Roster, []models.Message) (string, error) {
	f.mu.Lock()
	f.summaries++
	f.mu.Unlock()
	return f.summary, f.sumErr
}

type memStore struct {
	mu       sync.Mutex
	created  []string
	upserts  int
	messages []models.Message
	status   models.State
	outcome  models.Resolution
	summary  string
}

func (m *memStore) Create(_ context.Context, id, _ string, _ models.Roster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, id)
	return nil
}

func (m *memStore) Upsert(_ context.Context, _ string, messages []models.Message, summary string, status models.State, resolution models.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.messages = messages
	m.summary = summary
	m.status = status
	m.outcome = resolution
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Base: time.Millisecond}
}

func newTestEngine(exch Exchanger, store Store) *Engine {
	e := New(exch, store)
	e.SetRetryPolicy(fastPolicy())
	return e
}

func TestBeginSeedsTranscriptAndExpectedSpeaker(t *testing.T) {
	exch := &fakeExchanger{startText: "안녕 [다음 화자: A]"}
	store := &memStore{}
	e := newTestEngine(exch, store)

	roster := models.Roster{"A", "B"}
	if err := e.Begin(context.Background(), roster, "XYZ1", "3학년 2반"); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if e.State() != models.StateOpening {
		t.Fatalf("expected opening state, got %s", e.State())
	}
	transcript := e.Transcript()
	if len(transcript) != 1 {
		t.Fatalf("expected transcript of length 1, got %d", len(transcript))
	}
	if transcript[0].Kind != models.KindAssistant || transcript[0].Content != "안녕" {
		t.Fatalf("unexpected first entry: %#v", transcript[0])
	}
	if e.ExpectedSpeaker() != "A" {
		t.Fatalf("expected pre-selected speaker A, got %q", e.ExpectedSpeaker())
	}
	if e.ConversationID() == "" {
		t.Fatalf("expected minted conversation id")
	}
	if len(store.created) != 1 || store.created[0] != e.ConversationID() {
		t.Fatalf("expected one created record for %s, got %v", e.ConversationID(), store.created)
	}
}

func TestBeginRejectsBadRoster(t *testing.T) {
	e := newTestEngine(&fakeExchanger{startText: "hi"}, nil)
	if err := e.Begin(context.Background(), models.Roster{"A"}, "XYZ1", ""); !errors.Is(err, models.ErrRosterSize) {
		t.Fatalf("expected roster size error, got %v", err)
	}
	if err := e.Begin(context.Background(), models.Roster{"A", "A"}, "XYZ1", ""); !errors.Is(err, models.ErrDuplicateName) {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
	if e.State() != models.StateSetup {
		t.Fatalf("rejected Begin must not change state")
	}
}

func TestBeginFailureStaysInSetup(t *testing.T) {
	exch := &fakeExchanger{startErr: errors.New("invalid api key")}
	store := &memStore{}
	e := newTestEngine(exch, store)

	err := e.Begin(context.Background(), models.Roster{"A", "B"}, "XYZ1", "")
	if err == nil {
		t.Fatalf("expected opening failure")
	}
	if e.State() != models.StateSetup {
		t.Fatalf("opening failure must leave setup state, got %s", e.State())
	}
	if len(e.Transcript()) != 0 {
		t.Fatalf("no transcript may be produced on opening failure")
	}
	if len(store.created) != 0 {
		t.Fatalf("no record may be created on opening failure")
	}
}

func TestSendGuards(t *testing.T) {
	exch := &fakeExchanger{startText: "안녕 [다음 화자: A]"}
	e := newTestEngine(exch, nil)
	ctx := context.Background()

	if _, err := e.Send(ctx, "A", "hello"); !errors.Is(err, ErrBadState) {
		t.Fatalf("send before active should be rejected, got %v", err)
	}
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if _, err := e.Send(ctx, "B", "hello"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected turn rejection, got %v", err)
	}
	if _, err := e.Send(ctx, "A", "   \n"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message rejection, got %v", err)
	}
	if len(e.Transcript()) != 1 {
		t.Fatalf("rejected sends must not mutate the transcript")
	}
}

func TestSendWithoutExpectedSpeakerNeedsSelection(t *testing.T) {
	exch := &fakeExchanger{startText: "모두 환영합니다"} // names nobody
	e := newTestEngine(exch, nil)
	ctx := context.Background()
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if _, err := e.Send(ctx, "A", "hello"); !errors.Is(err, ErrNoExpectedSpeaker) {
		t.Fatalf("expected no-speaker rejection, got %v", err)
	}
	if err := e.SelectSpeaker("C"); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant rejection, got %v", err)
	}
	if err := e.SelectSpeaker("A"); err != nil {
		t.Fatalf("SelectSpeaker error: %v", err)
	}
	if _, err := e.Send(ctx, "A", "hello"); err != nil {
		t.Fatalf("Send after selection error: %v", err)
	}
}

func TestSendFailureAppendsFallbackAndKeepsSpeaker(t *testing.T) {
	exch := &fakeExchanger{
		startText: "안녕 [다음 화자: A]",
		replyErrs: []error{errors.New("bad request")},
	}
	e := newTestEngine(exch, nil)
	ctx := context.Background()
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}

	msg, err := e.Send(ctx, "A", "문제가 있어요")
	if err != nil {
		t.Fatalf("Send must degrade, not fail: %v", err)
	}
	if msg.Content != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", msg.Content)
	}
	if got := len(e.Transcript()); got != 3 {
		t.Fatalf("expected transcript of length 3, got %d", got)
	}
	if e.ExpectedSpeaker() != "A" {
		t.Fatalf("expected speaker must stay A for a retry, got %q", e.ExpectedSpeaker())
	}
}

func TestSendHistoryProtocol(t *testing.T) {
	exch := &fakeExchanger{
		startText: "안녕 [다음 화자: A]",
		replies:   []string{"그랬군요 [다음 화자: B]", "이제 이야기해 봅시다"},
	}
	e := newTestEngine(exch, nil)
	ctx := context.Background()
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if _, err := e.Send(ctx, "A", "속상했어요"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if _, err := e.Send(ctx, "B", "저도요"); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	// history sent with the second exchange: greeting, A's turn, assistant
	// reply (raw, marker kept), then B's turn appended before the call
	h := exch.lastHistory
	if len(h) != 4 {
		t.Fatalf("expected 4 history turns, got %d", len(h))
	}
	if h[0].Role != RoleAssistant || !strings.Contains(h[0].Text, "[다음 화자: A]") {
		t.Fatalf("greeting must stay raw in history: %#v", h[0])
	}
	if h[1].Role != RoleHuman || h[1].Speaker != "A" {
		t.Fatalf("human turns must carry attribution: %#v", h[1])
	}
	if h[2].Role != RoleAssistant || !strings.Contains(h[2].Text, "[다음 화자: B]") {
		t.Fatalf("assistant history must keep the marker: %#v", h[2])
	}
	if h[3].Role != RoleHuman || h[3].Speaker != "B" || h[3].Text != "저도요" {
		t.Fatalf("outgoing turn must be appended before the call: %#v", h[3])
	}
}

func TestConcurrentSendRejected(t *testing.T) {
	exch := &fakeExchanger{
		startText:    "안녕 [다음 화자: A]",
		replies:      []string{"알겠습니다 [다음 화자: B]"},
		enterBlock:   make(chan struct{}),
		releaseBlock: make(chan struct{}),
	}
	e := newTestEngine(exch, nil)
	ctx := context.Background()
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Send(ctx, "A", "첫 번째")
		done <- err
	}()
	<-exch.enterBlock

	if _, err := e.Send(ctx, "A", "두 번째"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second send while in flight must be rejected, got %v", err)
	}
	close(exch.releaseBlock)
	if err := <-done; err != nil {
		t.Fatalf("first send error: %v", err)
	}
}

func TestResetDiscardsInFlightResult(t *testing.T) {
	exch := &fakeExchanger{
		startText:    "안녕 [다음 화자: A]",
		enterBlock:   make(chan struct{}),
		releaseBlock: make(chan struct{}),
	}
	e := newTestEngine(exch, nil)
	ctx := context.Background()
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Send(ctx, "A", "늦은 메시지")
		done <- err
	}()
	<-exch.enterBlock
	e.Reset()
	close(exch.releaseBlock)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("stale completion must be discarded, got %v", err)
	}
	if e.State() != models.StateSetup {
		t.Fatalf("expected setup after reset, got %s", e.State())
	}
	if len(e.Transcript()) != 0 {
		t.Fatalf("stale result must not reach the fresh session")
	}
}

func TestRequestEndGuard(t *testing.T) {
	exch := &fakeExchanger{startText: "안녕 [다음 화자: A]"}
	e := newTestEngine(exch, nil)
	ctx := context.Background()
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}

	// only the greeting exists, a full exchange is still missing
	if err := e.RequestEnd(); !errors.Is(err, ErrTooFewMessages) {
		t.Fatalf("expected close guard rejection, got %v", err)
	}
	if e.State() != models.StateActive {
		t.Fatalf("rejected close must keep active state, got %s", e.State())
	}
}

func TestResolveWithoutStoreSkipsSummary(t *testing.T) {
	exch := &fakeExchanger{
		startText: "안녕 [다음 화자: A]",
		replies:   []string{"알겠습니다"},
		summary:   "should not be requested",
	}
	e := newTestEngine(exch, nil)
	ctx := context.Background()
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if _, err := e.Send(ctx, "A", "힘들었어요"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := e.RequestEnd(); err != nil {
		t.Fatalf("RequestEnd error: %v", err)
	}
	if err := e.Resolve(ctx, models.ResolutionUnresolved); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	snap := e.Snapshot()
	if snap.State != models.StateEnded || snap.Resolution != models.ResolutionUnresolved {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}
	if snap.Summary != "" || exch.summaries != 0 {
		t.Fatalf("summary must be skipped without a store")
	}
}

func TestResolveSummaryFailureStillEnds(t *testing.T) {
	exch := &fakeExchanger{
		startText: "안녕 [다음 화자: A]",
		replies:   []string{"알겠습니다"},
		sumErr:    errors.New("summary backend down"),
	}
	store := &memStore{}
	e := newTestEngine(exch, store)
	ctx := context.Background()
	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if _, err := e.Send(ctx, "A", "힘들었어요"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := e.RequestEnd(); err != nil {
		t.Fatalf("RequestEnd error: %v", err)
	}
	if err := e.Resolve(ctx, models.ResolutionResolved); err != nil {
		t.Fatalf("summary failure must be swallowed: %v", err)
	}
	if e.State() != models.StateEnded {
		t.Fatalf("expected ended state, got %s", e.State())
	}
	if store.status != models.StateEnded || store.outcome != models.ResolutionResolved {
		t.Fatalf("final record not persisted: %+v", store)
	}
	if store.summary != "" {
		t.Fatalf("failed summary must stay unset")
	}
}

func TestFullScenario(t *testing.T) {
	exch := &fakeExchanger{
		startText: "안녕 [다음 화자: A]",
		replies:   []string{"B 얘기도 들어볼까요"},
		summary:   "두 사람이 서로의 입장을 들었다.",
	}
	store := &memStore{}
	e := newTestEngine(exch, store)
	ctx := context.Background()

	if err := e.Begin(ctx, models.Roster{"A", "B"}, "XYZ1", ""); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	transcript := e.Transcript()
	if len(transcript) != 1 || transcript[0].Content != "안녕" {
		t.Fatalf("unexpected opening transcript: %#v", transcript)
	}
	if e.ExpectedSpeaker() != "A" {
		t.Fatalf("expected speaker A, got %q", e.ExpectedSpeaker())
	}

	if err := e.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if _, err := e.Send(ctx, "A", "문제가 있어요"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got := len(e.Transcript()); got != 3 {
		t.Fatalf("expected transcript of length 3, got %d", got)
	}
	if e.ExpectedSpeaker() != "B" {
		t.Fatalf("pattern sweep should hand the turn to B, got %q", e.ExpectedSpeaker())
	}

	if err := e.RequestEnd(); err != nil {
		t.Fatalf("RequestEnd error: %v", err)
	}
	if err := e.CancelEnd(); err != nil {
		t.Fatalf("CancelEnd error: %v", err)
	}
	if e.State() != models.StateActive {
		t.Fatalf("cancel must return to active, got %s", e.State())
	}
	if err := e.RequestEnd(); err != nil {
		t.Fatalf("RequestEnd error: %v", err)
	}
	if err := e.Resolve(ctx, models.ResolutionResolved); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	snap := e.Snapshot()
	if snap.State != models.StateEnded {
		t.Fatalf("expected ended, got %s", snap.State)
	}
	if snap.Resolution != models.ResolutionResolved {
		t.Fatalf("expected resolved, got %q", snap.Resolution)
	}
	if snap.Summary == "" {
		t.Fatalf("expected a summary")
	}
	if store.status != models.StateEnded || len(store.messages) != 3 {
		t.Fatalf("final persisted record mismatch: status=%s messages=%d", store.status, len(store.messages))
	}
}
