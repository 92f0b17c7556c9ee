// Package thread assembles streamed assistant replies into the message list of one chat session.
//
// A Thread owns the display messages of a session. Sending a message appends the user message and a
// loading placeholder, then folds every chunk of the backend stream into that placeholder, calling
// OnUpdate with a snapshot of the list after each change. All state changes happen under one mutex,
// so the stream consumer, the first-chunk timeout and Cancel interleave in arrival order and the
// last write wins.
package thread

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
)

// Backend is the chat backend a Thread talks to. Messages returns the persisted history of a session.
// SendMessageStream sends the history, whose last entry is the user text, and returns an iterator
// over the reply chunks; it must stop producing once ctx is cancelled.
type Backend interface {
	Messages(ctx context.Context, sessionID string) ([]models.StoredMessage, error)
	SendMessageStream(
		ctx context.Context,
		text, sessionID, agentID string,
		history []models.HistoryEntry,
	) iter.Seq2[models.Chunk, error]
}

// Observer receives stream statistics.
type Observer interface {
	ObserveChunk(chunkType models.ChunkType)
	ObserveRun(outcome Outcome, duration time.Duration)
}

// Outcome is how a run ended.
type Outcome string

// Options configures a Thread. Zero values are replaced by defaults.
type Options struct {
	// Timeout is how long to wait for the first chunk of a reply.
	Timeout time.Duration

	// OnUpdate is called with a copy of the message list after every change. It is called with the
	// thread lock held, so it must not call back into the Thread.
	OnUpdate func(sessionID string, messages []models.Message)

	// OnMessageSent is called once a send or reload finished, whatever the outcome.
	OnMessageSent func(sessionID string)

	Observer Observer
	Logger   *slog.Logger
}

// Thread is the message list of one chat session together with the reply being streamed into it.
type Thread struct {
	sessionID string
	backend   Backend
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	messages []models.Message
	active   *run
}

type run struct {
	cancel  context.CancelFunc
	timer   *time.Timer
	started time.Time

	received    bool
	textStarted bool
	text        strings.Builder
	reply       models.Message
}

const (
	// DefaultTimeout is the default time to wait for the first chunk of a reply.
	DefaultTimeout = 10 * time.Second

	// TimeoutNotice replaces the placeholder when no chunk arrived in time.
	TimeoutNotice = "连接超时，请稍后重试..."
	// CancelNotice replaces the reply when it is cancelled.
	CancelNotice = "消息生成已取消"

	sendErrorPrefix   = "连接错误: "
	reloadErrorPrefix = "重新加载错误: "

	// OutcomeCompleted means the stream ended normally.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the stream returned an error.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means the run was cancelled.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeTimedOut means no chunk arrived before the timeout.
	OutcomeTimedOut Outcome = "timeout"

	errLoggerKey = "err"
)

type nopObserver struct{}

func (nopObserver) ObserveChunk(models.ChunkType)     {}
func (nopObserver) ObserveRun(Outcome, time.Duration) {}

// New creates an empty Thread for the session.
func New(sessionID string, backend Backend, opts Options) *Thread {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Thread{
		sessionID: sessionID,
		backend:   backend,
		opts:      opts,
		logger:    logger.With(slog.String("module", "thread"), slog.String("sessionID", sessionID)),
	}
}

// SessionID returns the session the thread belongs to.
func (t *Thread) SessionID() string {
	return t.sessionID
}

// Messages returns a copy of the current message list.
func (t *Thread) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	return models.CloneMessages(t.messages)
}

// IsRunning reports whether a reply is being streamed.
func (t *Thread) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.active != nil
}

// Load replaces the message list with the session history from the backend. A failed fetch is logged
// and leaves the thread with an empty history. While a reply is streaming the list is left untouched
// and its current state is returned.
func (t *Thread) Load(ctx context.Context) []models.Message {
	stored, err := t.backend.Messages(ctx, t.sessionID)
	if err != nil {
		t.logger.Error("Failed to load messages", slog.String(errLoggerKey, err.Error()))
		stored = nil
	}
	msgs := models.NormalizeHistory(stored)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		t.logger.Warn("Reply is streaming, keeping the current messages")
		return models.CloneMessages(t.messages)
	}
	t.messages = msgs
	t.publishLocked()
	return models.CloneMessages(msgs)
}

// Send appends the user text and streams the reply into a new assistant message. It blocks until the
// stream ends, fails, times out or is cancelled. Only stream failures are returned; the error text is
// also shown in place of the reply.
func (t *Thread) Send(ctx context.Context, agentID, text string) error {
	defer t.messageSent()

	t.mu.Lock()
	history := append(models.FlattenHistory(t.messages), models.HistoryEntry{
		Role:    models.RoleUser,
		Content: text,
	})
	t.messages = append(t.messages, models.NewTextMessage(models.RoleUser, text))
	r, ctx := t.startLocked(ctx)
	t.mu.Unlock()

	return t.consume(ctx, r, agentID, text, history, sendErrorPrefix)
}

// Reload drops every message after parentID and, if the parent is a user message, streams a new reply
// to it. An empty or unknown parentID clears the whole list.
func (t *Thread) Reload(ctx context.Context, agentID, parentID string) error {
	defer t.messageSent()

	t.mu.Lock()
	if t.active != nil {
		t.logger.Warn("Reload supersedes the running reply")
		t.supersedeLocked(t.active)
	}

	parentIdx := -1
	if parentID != "" {
		parentIdx = slices.IndexFunc(t.messages, func(m models.Message) bool { return m.ID == parentID })
	}
	t.messages = slices.Clone(t.messages[:parentIdx+1])

	var text string
	if parentIdx >= 0 && t.messages[parentIdx].Role == models.RoleUser {
		text = t.messages[parentIdx].Text()
	}
	if text == "" {
		t.publishLocked()
		t.mu.Unlock()
		return nil
	}

	history := models.FlattenHistory(t.messages)
	r, ctx := t.startLocked(ctx)
	t.mu.Unlock()

	return t.consume(ctx, r, agentID, text, history, reloadErrorPrefix)
}

// Cancel stops the running reply and replaces it with a cancellation notice. It returns false if no
// reply is running. Chunks the backend yields after Cancel are dropped.
func (t *Thread) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.active
	if r == nil {
		return false
	}
	t.supersedeLocked(r)
	t.publishLocked()
	return true
}

func (t *Thread) startLocked(ctx context.Context) (*run, context.Context) {
	if t.active != nil {
		t.logger.Warn("New reply supersedes the running one")
		t.supersedeLocked(t.active)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		cancel:  cancel,
		started: time.Now(),
		reply: models.Message{
			Role:  models.RoleAssistant,
			Parts: []models.Part{models.LoadingPart()},
		},
	}
	t.active = r
	t.messages = append(t.messages, r.reply.Clone())
	t.publishLocked()

	r.timer = time.AfterFunc(t.opts.Timeout, func() { t.timeout(r) })
	return r, ctx
}

func (t *Thread) consume(
	ctx context.Context,
	r *run,
	agentID, text string,
	history []models.HistoryEntry,
	errPrefix string,
) error {
	defer r.cancel()

	for chunk, err := range t.backend.SendMessageStream(ctx, text, t.sessionID, agentID, history) {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return t.fail(r, errPrefix, err)
		}
		if !t.apply(r, chunk) {
			return nil
		}
	}
	t.complete(r)
	return nil
}

// apply folds one chunk into the reply. It returns false once the run is no longer active.
func (t *Thread) apply(r *run, chunk models.Chunk) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != r {
		return false
	}
	if !r.received {
		r.received = true
		r.timer.Stop()
	}
	t.opts.Observer.ObserveChunk(chunk.Type)

	switch chunk.Type {
	case models.ChunkTypeText:
		parts := r.reply.Parts
		if !r.textStarted {
			r.textStarted = true
			parts = withoutLoading(parts)
		}
		r.text.WriteString(chunk.Text)

		next := []models.Part{models.TextPart(r.text.String())}
		for _, p := range parts {
			if p.Type != models.PartTypeText {
				next = append(next, p)
			}
		}
		r.reply.Parts = next
	case models.ChunkTypeFunctionCall:
		part, _ := chunk.ToolCallPart()
		r.reply.Parts = append(slices.Clone(r.reply.Parts), part)
	case models.ChunkTypeToolCall:
		part, _ := chunk.ToolCallPart()
		r.reply.Parts = models.UpsertToolCall(r.reply.Parts, part)
	default:
		t.logger.Warn("Unsupported chunk type, skipping", slog.String("type", string(chunk.Type)))
		return true
	}

	t.replaceFreshLocked(r.reply)
	t.publishLocked()
	return true
}

func (t *Thread) complete(r *run) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != r {
		return
	}
	t.finishLocked(r)

	// A reply made only of tool calls still carries the placeholder.
	if slices.ContainsFunc(r.reply.Parts, models.Part.IsLoading) {
		r.reply.Parts = withoutLoading(r.reply.Parts)
		t.replaceFreshLocked(r.reply)
	}
	t.opts.Observer.ObserveRun(OutcomeCompleted, time.Since(r.started))
	t.publishLocked()
}

func (t *Thread) fail(r *run, prefix string, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != r {
		return nil
	}
	t.finishLocked(r)

	if errors.Is(err, context.Canceled) {
		t.replaceFreshLocked(models.NewTextMessage(models.RoleAssistant, CancelNotice))
		t.opts.Observer.ObserveRun(OutcomeCancelled, time.Since(r.started))
		t.publishLocked()
		return nil
	}

	t.logger.Error("Failed to stream reply", slog.String(errLoggerKey, err.Error()))
	t.replaceFreshLocked(models.NewTextMessage(models.RoleAssistant, prefix+err.Error()))
	t.opts.Observer.ObserveRun(OutcomeFailed, time.Since(r.started))
	t.publishLocked()
	return fmt.Errorf("failed to stream reply: %w", err)
}

func (t *Thread) timeout(r *run) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != r || r.received {
		return
	}
	t.logger.Warn("No reply before timeout", slog.Duration("timeout", t.opts.Timeout))
	t.finishLocked(r)

	if last := len(t.messages) - 1; last >= 0 &&
		t.messages[last].Role == models.RoleAssistant && t.messages[last].IsLoading() {
		t.messages[last] = models.Message{
			ID:    t.messages[last].ID,
			Role:  models.RoleAssistant,
			Parts: []models.Part{models.TextPart(TimeoutNotice)},
		}
	}
	t.opts.Observer.ObserveRun(OutcomeTimedOut, time.Since(r.started))
	t.publishLocked()
}

// supersedeLocked ends the run and replaces its reply with the cancellation notice.
func (t *Thread) supersedeLocked(r *run) {
	t.finishLocked(r)
	t.replaceFreshLocked(models.NewTextMessage(models.RoleAssistant, CancelNotice))
	t.opts.Observer.ObserveRun(OutcomeCancelled, time.Since(r.started))
}

func (t *Thread) finishLocked(r *run) {
	r.timer.Stop()
	r.cancel()
	if t.active == r {
		t.active = nil
	}
}

// replaceFreshLocked replaces the most recent assistant message that has not been persisted yet. Stored
// messages are never changed.
func (t *Thread) replaceFreshLocked(msg models.Message) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == models.RoleAssistant && t.messages[i].ID == "" {
			t.messages[i] = msg.Clone()
			return
		}
	}
}

func (t *Thread) publishLocked() {
	if t.opts.OnUpdate == nil {
		return
	}
	t.opts.OnUpdate(t.sessionID, models.CloneMessages(t.messages))
}

func (t *Thread) messageSent() {
	if t.opts.OnMessageSent == nil {
		return
	}
	t.opts.OnMessageSent(t.sessionID)
}

func withoutLoading(parts []models.Part) []models.Part {
	res := make([]models.Part, 0, len(parts))
	for _, p := range parts {
		if !p.IsLoading() {
			res = append(res, p)
		}
	}
	return res
}
