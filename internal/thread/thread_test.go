package thread_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/MegaGrindStone/isek-web-ui/internal/thread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	stored    []models.StoredMessage
	err       error
	chunks    []models.Chunk
	streamErr error
	// block makes the stream wait for cancellation after the chunks, then yield one late chunk.
	block bool

	mu          sync.Mutex
	gotText     string
	gotAgentID  string
	gotHistory  []models.HistoryEntry
	streamCalls int
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []thread.Outcome
}

func (o *outcomeRecorder) ObserveChunk(models.ChunkType) {}

func (o *outcomeRecorder) ObserveRun(outcome thread.Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *outcomeRecorder) all() []thread.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]thread.Outcome(nil), o.outcomes...)
}

type recorder struct {
	mu      sync.Mutex
	updates [][]models.Message
	sent    int
}

func TestSendExample(t *testing.T) {
	backend := &mockBackend{
		stored: []models.StoredMessage{
			{ID: "1", Role: models.RoleUser, Content: json.RawMessage(`"hi"`)},
		},
		chunks: []models.Chunk{
			{Type: models.ChunkTypeText, Text: "He"},
			{Type: models.ChunkTypeText, Text: "llo"},
		},
	}
	rec := &recorder{}
	th := thread.New("s1", backend, rec.options())

	th.Load(context.Background())
	err := th.Send(context.Background(), "agent-1", "how are you")
	require.NoError(t, err)

	msgs := th.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.Equal(t, "how are you", msgs[1].Text())
	assert.Equal(t, models.RoleAssistant, msgs[2].Role)
	assert.Equal(t, []models.Part{models.TextPart("Hello")}, msgs[2].Parts)
	assert.False(t, th.IsRunning())

	assert.Equal(t, "how are you", backend.gotText)
	assert.Equal(t, "agent-1", backend.gotAgentID)
	assert.Equal(t, []models.HistoryEntry{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleUser, Content: "how are you"},
	}, backend.gotHistory)
	assert.Equal(t, 1, rec.sentCount())
}

func TestSendFirstUpdatesShowPlaceholder(t *testing.T) {
	backend := &mockBackend{
		chunks: []models.Chunk{{Type: models.ChunkTypeText, Text: "Hello"}},
	}
	rec := &recorder{}
	th := thread.New("s1", backend, rec.options())

	require.NoError(t, th.Send(context.Background(), "agent", "hi"))

	updates := rec.all()
	require.GreaterOrEqual(t, len(updates), 2)

	first := updates[0]
	require.Len(t, first, 2)
	assert.Equal(t, "hi", first[0].Text())
	assert.True(t, first[1].IsLoading())
}

func TestSendConcatenatesText(t *testing.T) {
	words := []string{"The ", "quick ", "brown ", "fox"}
	var chunks []models.Chunk
	for _, w := range words {
		chunks = append(chunks, models.Chunk{Type: models.ChunkTypeText, Text: w})
	}
	th := thread.New("s1", &mockBackend{chunks: chunks}, thread.Options{})

	require.NoError(t, th.Send(context.Background(), "agent", "tell me"))

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []models.Part{models.TextPart("The quick brown fox")}, msgs[1].Parts)
}

func TestSendToolCalls(t *testing.T) {
	backend := &mockBackend{
		chunks: []models.Chunk{
			{Type: models.ChunkTypeToolCall, ToolCallID: "team", ToolName: models.TeamFormationTool,
				Args: json.RawMessage(`{"task":"Launch","status":"recruiting","progress":0.1,"members":[]}`)},
			{Type: models.ChunkTypeText, Text: "Recruiting "},
			{Type: models.ChunkTypeFunctionCall, ID: "call_1", Name: "search", Arguments: json.RawMessage(`"{}"`)},
			{Type: models.ChunkTypeToolCall, ToolCallID: "team", ToolName: models.TeamFormationTool,
				Args: json.RawMessage(`{"task":"Launch","status":"completed","progress":1,"members":[{"name":"Ada"}]}`)},
			{Type: "finish"},
			{Type: models.ChunkTypeText, Text: "done"},
		},
	}
	th := thread.New("s1", backend, thread.Options{})

	require.NoError(t, th.Send(context.Background(), "agent", "form a team"))

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	parts := msgs[1].Parts
	require.Len(t, parts, 3)

	assert.Equal(t, models.TextPart("Recruiting done"), parts[0])

	assert.Equal(t, "team", parts[1].ToolCallID)
	tf, err := models.ParseTeamFormation(parts[1].Args)
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusCompleted, tf.Status)
	require.Len(t, tf.Members, 1)
	require.NotNil(t, tf.TeamStats)
	assert.Equal(t, 1, tf.TeamStats.TotalMembers)

	assert.Equal(t, "call_1", parts[2].ToolCallID)
	assert.Equal(t, "search", parts[2].ToolName)
}

func TestSendOnlyToolCallsDropsPlaceholder(t *testing.T) {
	backend := &mockBackend{
		chunks: []models.Chunk{
			{Type: models.ChunkTypeFunctionCall, ID: "call_1", Name: "search", Arguments: json.RawMessage(`{}`)},
		},
	}
	th := thread.New("s1", backend, thread.Options{})

	require.NoError(t, th.Send(context.Background(), "agent", "search"))

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].Parts, 1)
	assert.Equal(t, "call_1", msgs[1].Parts[0].ToolCallID)
}

func TestSendError(t *testing.T) {
	backend := &mockBackend{
		chunks:    []models.Chunk{{Type: models.ChunkTypeText, Text: "partial"}},
		streamErr: errors.New("connection reset"),
	}
	rec := &recorder{}
	th := thread.New("s1", backend, rec.options())

	err := th.Send(context.Background(), "agent", "hi")
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []models.Part{models.TextPart("连接错误: connection reset")}, msgs[1].Parts)
	assert.False(t, th.IsRunning())
	assert.Equal(t, 1, rec.sentCount())
}

func TestCancel(t *testing.T) {
	backend := &mockBackend{
		chunks: []models.Chunk{{Type: models.ChunkTypeText, Text: "Hel"}},
		block:  true,
	}
	rec := &recorder{}
	th := thread.New("s1", backend, rec.options())

	assert.False(t, th.Cancel(), "nothing to cancel yet")

	done := make(chan error, 1)
	go func() {
		done <- th.Send(context.Background(), "agent", "hi")
	}()

	require.Eventually(t, func() bool {
		msgs := th.Messages()
		return len(msgs) == 2 && msgs[1].Text() == "Hel"
	}, time.Second, 5*time.Millisecond)

	require.True(t, th.Cancel())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Cancel")
	}

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []models.Part{models.TextPart(thread.CancelNotice)}, msgs[1].Parts)
	assert.False(t, th.IsRunning())
	assert.False(t, th.Cancel())
	assert.Equal(t, 1, rec.sentCount())
}

func TestTimeout(t *testing.T) {
	backend := &mockBackend{block: true}
	rec := &recorder{}
	opts := rec.options()
	opts.Timeout = 20 * time.Millisecond
	th := thread.New("s1", backend, opts)

	require.NoError(t, th.Send(context.Background(), "agent", "hi"))

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []models.Part{models.TextPart(thread.TimeoutNotice)}, msgs[1].Parts)
	assert.False(t, th.IsRunning())

	notices := 0
	for _, update := range rec.all() {
		if last := update[len(update)-1]; last.Text() == thread.TimeoutNotice {
			notices++
		}
	}
	assert.Equal(t, 1, notices, "the late chunk must not produce another update")
}

func TestTimeoutDisarmedByFirstChunk(t *testing.T) {
	backend := &mockBackend{
		chunks: []models.Chunk{{Type: models.ChunkTypeText, Text: "fast"}},
		block:  true,
	}
	th := thread.New("s1", backend, thread.Options{Timeout: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		done <- th.Send(context.Background(), "agent", "hi")
	}()

	time.Sleep(60 * time.Millisecond)
	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "fast", msgs[1].Text())
	assert.True(t, th.IsRunning())

	require.True(t, th.Cancel())
	require.NoError(t, <-done)
}

func TestContextCancelled(t *testing.T) {
	backend := &mockBackend{block: true}
	th := thread.New("s1", backend, thread.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- th.Send(ctx, "agent", "hi")
	}()

	require.Eventually(t, th.IsRunning, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msgs := th.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []models.Part{models.TextPart(thread.CancelNotice)}, msgs[1].Parts)
	assert.False(t, th.IsRunning())
}

func TestLoadFailure(t *testing.T) {
	rec := &recorder{}
	th := thread.New("s1", &mockBackend{err: errors.New("unavailable")}, rec.options())

	got := th.Load(context.Background())
	assert.Empty(t, got)
	assert.Empty(t, th.Messages())
	assert.Len(t, rec.all(), 1)
}

func TestLoadWhileStreaming(t *testing.T) {
	backend := &mockBackend{
		stored: []models.StoredMessage{
			{ID: "1", Role: models.RoleUser, Content: json.RawMessage(`"hi"`)},
			{ID: "2", Role: models.RoleAssistant, Content: json.RawMessage(`"persisted answer"`)},
		},
		chunks: []models.Chunk{{Type: models.ChunkTypeText, Text: "Hel"}},
		block:  true,
	}
	th := thread.New("s1", backend, thread.Options{})
	th.Load(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- th.Send(context.Background(), "agent", "more")
	}()
	require.Eventually(t, func() bool {
		msgs := th.Messages()
		return len(msgs) == 4 && msgs[3].Text() == "Hel"
	}, time.Second, 5*time.Millisecond)

	got := th.Load(context.Background())
	assert.Equal(t, th.Messages(), got)
	require.Len(t, got, 4)
	assert.Equal(t, "more", got[2].Text())
	assert.Equal(t, "Hel", got[3].Text())
	assert.True(t, th.IsRunning())

	require.True(t, th.Cancel())
	require.NoError(t, <-done)

	msgs := th.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "2", msgs[1].ID)
	assert.Equal(t, "persisted answer", msgs[1].Text())
	assert.Empty(t, msgs[3].ID)
	assert.Equal(t, []models.Part{models.TextPart(thread.CancelNotice)}, msgs[3].Parts)

	msgs = th.Load(context.Background())
	require.Len(t, msgs, 2)
	assert.Equal(t, "persisted answer", msgs[1].Text())
}

func TestSupersedeRunningReply(t *testing.T) {
	stored := []models.StoredMessage{
		{ID: "1", Role: models.RoleUser, Content: json.RawMessage(`"hi"`)},
		{ID: "2", Role: models.RoleAssistant, Content: json.RawMessage(`"persisted answer"`)},
	}

	tests := []struct {
		name      string
		supersede func(th *thread.Thread) error
		wantLen   int
		// wantNotice is the index of the superseded reply, or -1 when it is truncated away.
		wantNotice int
	}{
		{
			name: "Second send",
			supersede: func(th *thread.Thread) error {
				return th.Send(context.Background(), "agent", "again")
			},
			wantLen:    6,
			wantNotice: 3,
		},
		{
			name: "Reload",
			supersede: func(th *thread.Thread) error {
				return th.Reload(context.Background(), "agent", "1")
			},
			wantLen:    2,
			wantNotice: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{
				stored: stored,
				chunks: []models.Chunk{{Type: models.ChunkTypeText, Text: "Hel"}},
				block:  true,
			}
			obs := &outcomeRecorder{}
			th := thread.New("s1", backend, thread.Options{Observer: obs})
			th.Load(context.Background())

			first := make(chan error, 1)
			go func() {
				first <- th.Send(context.Background(), "agent", "more")
			}()
			require.Eventually(t, func() bool {
				msgs := th.Messages()
				return len(msgs) == 4 && msgs[3].Text() == "Hel"
			}, time.Second, 5*time.Millisecond)

			second := make(chan error, 1)
			go func() {
				second <- tt.supersede(th)
			}()

			select {
			case err := <-first:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("superseded Send did not return")
			}

			require.Eventually(t, func() bool {
				msgs := th.Messages()
				return len(msgs) == tt.wantLen && msgs[tt.wantLen-1].Text() == "Hel"
			}, time.Second, 5*time.Millisecond)
			assert.True(t, th.IsRunning())
			assert.Equal(t, []thread.Outcome{thread.OutcomeCancelled}, obs.all())

			msgs := th.Messages()
			assert.Equal(t, "1", msgs[0].ID)
			if tt.wantNotice >= 0 {
				assert.Equal(t, "persisted answer", msgs[1].Text())
				assert.Equal(t, []models.Part{models.TextPart(thread.CancelNotice)}, msgs[tt.wantNotice].Parts)
			}
			for _, msg := range msgs {
				assert.NotEqual(t, "late", msg.Text())
			}

			require.True(t, th.Cancel())
			require.NoError(t, <-second)
			assert.Equal(t, []thread.Outcome{thread.OutcomeCancelled, thread.OutcomeCancelled}, obs.all())
		})
	}
}

func TestReload(t *testing.T) {
	stored := []models.StoredMessage{
		{ID: "1", Role: models.RoleUser, Content: json.RawMessage(`"hi"`)},
		{ID: "2", Role: models.RoleAssistant, Content: json.RawMessage(`"old answer"`)},
		{ID: "3", Role: models.RoleUser, Content: json.RawMessage(`"more"`)},
		{ID: "4", Role: models.RoleAssistant, Content: json.RawMessage(`"another"`)},
	}

	t.Run("User parent is sent again", func(t *testing.T) {
		backend := &mockBackend{
			stored: stored,
			chunks: []models.Chunk{{Type: models.ChunkTypeText, Text: "new answer"}},
		}
		rec := &recorder{}
		th := thread.New("s1", backend, rec.options())
		th.Load(context.Background())

		require.NoError(t, th.Reload(context.Background(), "agent", "1"))

		msgs := th.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "1", msgs[0].ID)
		assert.Equal(t, "new answer", msgs[1].Text())
		assert.Empty(t, msgs[1].ID)

		assert.Equal(t, "hi", backend.gotText)
		assert.Equal(t, []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}}, backend.gotHistory)
		assert.Equal(t, 1, rec.sentCount())
	})

	t.Run("Assistant parent only truncates", func(t *testing.T) {
		backend := &mockBackend{stored: stored}
		th := thread.New("s1", backend, thread.Options{})
		th.Load(context.Background())

		require.NoError(t, th.Reload(context.Background(), "agent", "2"))

		msgs := th.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "2", msgs[1].ID)
		assert.Equal(t, 0, backend.calls())
	})

	t.Run("Unknown parent clears everything", func(t *testing.T) {
		backend := &mockBackend{stored: stored}
		th := thread.New("s1", backend, thread.Options{})
		th.Load(context.Background())

		require.NoError(t, th.Reload(context.Background(), "agent", "missing"))
		assert.Empty(t, th.Messages())
		assert.Equal(t, 0, backend.calls())
	})

	t.Run("Stream error uses reload prefix", func(t *testing.T) {
		backend := &mockBackend{stored: stored, streamErr: errors.New("boom")}
		th := thread.New("s1", backend, thread.Options{})
		th.Load(context.Background())

		require.Error(t, th.Reload(context.Background(), "agent", "3"))

		msgs := th.Messages()
		require.Len(t, msgs, 4)
		assert.Equal(t, "重新加载错误: boom", msgs[3].Text())
	})
}

func (m *mockBackend) Messages(_ context.Context, _ string) ([]models.StoredMessage, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stored, nil
}

func (m *mockBackend) SendMessageStream(
	ctx context.Context,
	text, _, agentID string,
	history []models.HistoryEntry,
) iter.Seq2[models.Chunk, error] {
	m.mu.Lock()
	m.gotText = text
	m.gotAgentID = agentID
	m.gotHistory = history
	m.streamCalls++
	m.mu.Unlock()

	return func(yield func(models.Chunk, error) bool) {
		for _, c := range m.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if m.block {
			<-ctx.Done()
			yield(models.Chunk{Type: models.ChunkTypeText, Text: "late"}, nil)
			return
		}
		if m.streamErr != nil {
			yield(models.Chunk{}, m.streamErr)
		}
	}
}

func (m *mockBackend) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCalls
}

func (r *recorder) options() thread.Options {
	return thread.Options{
		OnUpdate: func(_ string, msgs []models.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, msgs)
		},
		OnMessageSent: func(string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sent++
		},
	}
}

func (r *recorder) all() [][]models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.Message(nil), r.updates...)
}

func (r *recorder) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}
