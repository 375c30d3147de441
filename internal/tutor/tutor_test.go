package tutor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/studiora/studiora-go/internal/guard"
	"github.com/studiora/studiora-go/internal/index"
	"github.com/studiora/studiora-go/internal/retriever"
	"github.com/studiora/studiora-go/internal/store"
)

// fakeModel streams the configured tokens. It records how often it was
// called and the last message slice it saw.
type fakeModel struct {
	tokens    []string
	calls     int
	lastMsgs  []*schema.Message
	streamErr error
}

var _ model.BaseChatModel = (*fakeModel)(nil)

func (f *fakeModel) Generate(_ context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.calls++
	f.lastMsgs = msgs
	return schema.AssistantMessage(strings.Join(f.tokens, ""), nil), nil
}

func (f *fakeModel) Stream(_ context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.calls++
	f.lastMsgs = msgs
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	sr, sw := schema.Pipe[*schema.Message](len(f.tokens))
	go func() {
		defer sw.Close()
		for _, tok := range f.tokens {
			sw.Send(schema.AssistantMessage(tok, nil), nil)
		}
	}()
	return sr, nil
}

// fixedRetriever returns the same result every time.
type fixedRetriever struct {
	res *retriever.Result
	err error
}

func (f *fixedRetriever) Retrieve(context.Context, string, string, retriever.Options) (*retriever.Result, error) {
	return f.res, f.err
}

func contextMatches(texts ...string) []index.Match {
	matches := make([]index.Match, len(texts))
	for i, text := range texts {
		matches[i] = index.Match{
			ChunkID: "chunk",
			Score:   1,
			Payload: index.Payload{ScopeID: "scope", SourceID: "src", Ordinal: i, Text: text},
		}
	}
	return matches
}

func openRecorder(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Ask_StreamsAnswerAndPersists(t *testing.T) {
	t.Parallel()
	m := &fakeModel{tokens: []string{"Channels ", "carry ", "values."}}
	rec := openRecorder(t)
	tut := New(m, &fixedRetriever{res: &retriever.Result{Matches: contextMatches("channels carry typed values")}}, rec, Options{})

	var buf strings.Builder
	out, err := tut.Ask(context.Background(), Request{ScopeID: "scope", Question: "what are channels?"}, &buf)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if buf.String() != "Channels carry values." {
		t.Errorf("streamed %q", buf.String())
	}
	if out.Answer != buf.String() {
		t.Errorf("outcome answer %q differs from stream", out.Answer)
	}
	if len(out.Sources) != 1 {
		t.Errorf("want 1 source, got %d", len(out.Sources))
	}

	saved, err := rec.RecentExchanges(context.Background(), "scope", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(saved) != 1 || saved[0].Answer != out.Answer {
		t.Errorf("exchange not persisted: %+v", saved)
	}
}

func Test_Ask_RefusalSkipsModel(t *testing.T) {
	t.Parallel()
	m := &fakeModel{tokens: []string{"should not appear"}}
	rec := openRecorder(t)
	tut := New(m, &fixedRetriever{res: &retriever.Result{}}, rec, Options{})

	var buf strings.Builder
	out, err := tut.Ask(context.Background(), Request{ScopeID: "scope", Question: "how to make carbonara?"}, &buf)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !out.Refused {
		t.Fatal("want refused outcome")
	}
	if m.calls != 0 {
		t.Error("guard refusal must not reach the model")
	}
	if buf.String() != guard.RefusalText {
		t.Errorf("want refusal text written, got %q", buf.String())
	}

	saved, err := rec.RecentExchanges(context.Background(), "scope", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(saved) != 1 || !saved[0].Refused {
		t.Errorf("refusal should persist as a normal exchange: %+v", saved)
	}
}

func Test_Ask_ContextInSystemPrompt(t *testing.T) {
	t.Parallel()
	m := &fakeModel{tokens: []string{"ok"}}
	tut := New(m, &fixedRetriever{res: &retriever.Result{Matches: contextMatches("goroutines are cheap")}}, nil, Options{})

	var buf strings.Builder
	if _, err := tut.Ask(context.Background(), Request{ScopeID: "scope", Question: "q"}, &buf); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(m.lastMsgs) == 0 || m.lastMsgs[0].Role != schema.System {
		t.Fatal("first message should be the system prompt")
	}
	sys := m.lastMsgs[0].Content
	if !strings.Contains(sys, "[1] goroutines are cheap") {
		t.Errorf("system prompt missing numbered context: %q", sys)
	}
	if !strings.Contains(sys, "ONLY the provided context") {
		t.Errorf("system prompt missing grounding instruction")
	}
}

func Test_Ask_DegradedRetrievalStillAnswers(t *testing.T) {
	t.Parallel()
	m := &fakeModel{tokens: []string{"general answer"}}
	rec := openRecorder(t)
	tut := New(m, &fixedRetriever{res: &retriever.Result{Degraded: true}}, rec, Options{})

	var buf strings.Builder
	out, err := tut.Ask(context.Background(), Request{ScopeID: "scope", Question: "q"}, &buf)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !out.Degraded {
		t.Error("want degraded outcome")
	}
	if !strings.Contains(m.lastMsgs[0].Content, "could not be retrieved") {
		t.Errorf("degraded system prompt not used: %q", m.lastMsgs[0].Content)
	}
	saved, _ := rec.RecentExchanges(context.Background(), "scope", 10)
	if len(saved) != 1 || !saved[0].Degraded {
		t.Errorf("degraded flag should persist: %+v", saved)
	}
}

func Test_Ask_HistoryInjected(t *testing.T) {
	t.Parallel()
	rec := openRecorder(t)
	ctx := context.Background()
	if err := rec.SaveExchange(ctx, &store.Exchange{ScopeID: "scope", Question: "earlier question", Answer: "earlier answer"}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	m := &fakeModel{tokens: []string{"ok"}}
	tut := New(m, &fixedRetriever{res: &retriever.Result{}}, rec, Options{})

	var buf strings.Builder
	if _, err := tut.Ask(ctx, Request{ScopeID: "scope", Question: "followup"}, &buf); err != nil {
		t.Fatalf("ask: %v", err)
	}

	var sawHistory bool
	for _, msg := range m.lastMsgs {
		if msg.Content == "earlier question" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("prior exchange not injected into prompt")
	}
	if m.lastMsgs[len(m.lastMsgs)-1].Content != "followup" {
		t.Error("current question should be the final message")
	}
}

// countingRecorder captures how much history the tutor requests.
type countingRecorder struct {
	askedDepth int
}

func (c *countingRecorder) SaveExchange(context.Context, *store.Exchange) error { return nil }

func (c *countingRecorder) RecentExchanges(_ context.Context, _ string, n int) ([]store.Exchange, error) {
	c.askedDepth = n
	return nil, nil
}

func Test_Ask_DefaultHistoryDepth(t *testing.T) {
	t.Parallel()
	rec := &countingRecorder{}
	m := &fakeModel{tokens: []string{"ok"}}
	tut := New(m, &fixedRetriever{res: &retriever.Result{}}, rec, Options{})

	var buf strings.Builder
	if _, err := tut.Ask(context.Background(), Request{ScopeID: "scope", Question: "q"}, &buf); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if rec.askedDepth != 4 {
		t.Errorf("default history depth = %d, want 4", rec.askedDepth)
	}
}

func Test_Ask_CallerHistoryReplacesStored(t *testing.T) {
	t.Parallel()
	rec := openRecorder(t)
	ctx := context.Background()
	if err := rec.SaveExchange(ctx, &store.Exchange{ScopeID: "scope", Question: "stored question", Answer: "stored answer"}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	m := &fakeModel{tokens: []string{"ok"}}
	tut := New(m, &fixedRetriever{res: &retriever.Result{}}, rec, Options{})

	req := Request{
		ScopeID:  "scope",
		Question: "followup",
		History:  []Turn{{Question: "caller question", Answer: "caller answer"}},
	}
	var buf strings.Builder
	if _, err := tut.Ask(ctx, req, &buf); err != nil {
		t.Fatalf("ask: %v", err)
	}

	var sawCaller, sawStored bool
	for _, msg := range m.lastMsgs {
		switch msg.Content {
		case "caller question":
			sawCaller = true
		case "stored question":
			sawStored = true
		}
	}
	if !sawCaller {
		t.Error("caller-supplied turn not injected into prompt")
	}
	if sawStored {
		t.Error("stored history should be skipped when the caller supplies turns")
	}
}

func Test_Ask_RetrieverErrorFailsTurn(t *testing.T) {
	t.Parallel()
	tut := New(&fakeModel{}, &fixedRetriever{err: errors.New("bad dimensions")}, nil, Options{})

	var buf strings.Builder
	if _, err := tut.Ask(context.Background(), Request{ScopeID: "scope", Question: "q"}, &buf); err == nil {
		t.Error("want error when retrieval fails hard")
	}
}

func Test_Ask_CancelDiscardsTurn(t *testing.T) {
	t.Parallel()
	rec := openRecorder(t)

	// A model whose stream never completes until the context is canceled.
	m := &blockingModel{started: make(chan struct{})}
	tut := New(m, &fixedRetriever{res: &retriever.Result{}}, rec, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var buf strings.Builder
	done := make(chan error, 1)
	go func() {
		_, err := tut.Ask(ctx, Request{ScopeID: "scope", Question: "q"}, &buf)
		done <- err
	}()
	<-m.started
	cancel()
	if err := <-done; err == nil {
		t.Fatal("want error on cancellation")
	}

	saved, err := rec.RecentExchanges(context.Background(), "scope", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(saved) != 0 {
		t.Errorf("canceled turn must not persist, found %d exchanges", len(saved))
	}
}

func Test_Ask_GenerateFallbackWhenStreamUnsupported(t *testing.T) {
	t.Parallel()
	m := &fakeModel{tokens: []string{"full answer"}, streamErr: errors.New("streaming not supported")}
	tut := New(m, &fixedRetriever{res: &retriever.Result{}}, nil, Options{})

	var buf strings.Builder
	out, err := tut.Ask(context.Background(), Request{ScopeID: "scope", Question: "q"}, &buf)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if out.Answer != "full answer" || buf.String() != "full answer" {
		t.Errorf("fallback answer mismatch: %q / %q", out.Answer, buf.String())
	}
}

func Test_Ask_EmptyRequestRejected(t *testing.T) {
	t.Parallel()
	tut := New(&fakeModel{}, &fixedRetriever{res: &retriever.Result{}}, nil, Options{})
	var buf strings.Builder

	if _, err := tut.Ask(context.Background(), Request{Question: "q"}, &buf); err == nil {
		t.Error("want error for missing scope")
	}
	if _, err := tut.Ask(context.Background(), Request{ScopeID: "s", Question: "  "}, &buf); err == nil {
		t.Error("want error for blank question")
	}
}

// blockingModel signals started, then holds the stream open until the
// context is canceled.
type blockingModel struct {
	started chan struct{}
}

func (b *blockingModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	close(b.started)
	go func() {
		defer sw.Close()
		<-ctx.Done()
		sw.Send(nil, ctx.Err())
	}()
	return sr, nil
}
