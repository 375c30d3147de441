// Package tutor orchestrates one question/answer turn: guard the question,
// retrieve scoped context, assemble it under budget, stream the model's
// answer to the caller, and persist the exchange.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/studiora/studiora-go/internal/assemble"
	"github.com/studiora/studiora-go/internal/budget"
	"github.com/studiora/studiora-go/internal/guard"
	"github.com/studiora/studiora-go/internal/logging"
	"github.com/studiora/studiora-go/internal/retriever"
	"github.com/studiora/studiora-go/internal/store"
)

// ErrGenerationTimeout is returned (wrapped) when the model does not finish
// within the configured generation timeout. The partial answer is still
// streamed and persisted with a truncation marker.
var ErrGenerationTimeout = errors.New("tutor: generation timed out")

// truncationMarker is appended to answers cut off by the timeout.
const truncationMarker = "\n\n[answer truncated]"

// systemPrompt instructs the model to stay grounded in retrieved context.
const systemPrompt = `You are Studiora, a study assistant for learners. Answer the question using ONLY the provided context. Cite the context entries you used as [1], [2], and so on. If the context does not contain the answer, say so plainly and suggest what material the learner could add. Keep answers clear and aimed at someone studying the topic.`

// degradedPrompt replaces systemPrompt when retrieval was unavailable.
const degradedPrompt = `You are Studiora, a study assistant for learners. Course material could not be retrieved for this question, so answer from general knowledge, say that you are answering without the course material, and keep the answer brief.`

// Recorder persists completed exchanges and serves prior turns as history.
type Recorder interface {
	SaveExchange(ctx context.Context, ex *store.Exchange) error
	RecentExchanges(ctx context.Context, scopeID string, n int) ([]store.Exchange, error)
}

// Retriever is the slice of retrieval the tutor needs.
type Retriever interface {
	Retrieve(ctx context.Context, scopeID, question string, opts retriever.Options) (*retriever.Result, error)
}

// Turn is one prior question/answer pair supplied by the caller.
type Turn struct {
	Question string
	Answer   string
}

// Request is one question within a scope.
type Request struct {
	// ScopeID is the retrieval scope to answer from.
	ScopeID string
	// Question is the learner's question.
	Question string
	// History optionally carries the caller's own prior turns, oldest
	// first. When set it replaces the stored exchange history.
	History []Turn
}

// Outcome reports how a turn ended. The answer text has already been
// written to the caller's writer by the time Ask returns.
type Outcome struct {
	// Answer is the full accumulated answer text.
	Answer string
	// Refused is true when the guard declined the question.
	Refused bool
	// Degraded is true when the answer was produced without retrieval.
	Degraded bool
	// Truncated is true when generation hit the timeout.
	Truncated bool
	// Sources lists the context entries cited in the answer, in label order.
	Sources []assemble.SourceRef
}

// Options tunes the tutor.
type Options struct {
	// TopK is the number of chunks to retrieve (0 = retriever default).
	TopK int
	// Candidates is the retrieval fan-out before reranking
	// (0 = retriever default).
	Candidates int
	// ContextBudget is the context block size in characters
	// (0 = assemble default).
	ContextBudget int
	// HistoryDepth is how many prior exchanges to load (0 = 4).
	HistoryDepth int
	// MaxContextTokens bounds the total prompt size
	// (0 = budget default).
	MaxContextTokens int
	// GenerationTimeout bounds one generation. Zero means no bound beyond
	// the caller's context.
	GenerationTimeout time.Duration
	// Policy decides refusals (nil = guard.Default()).
	Policy guard.Policy
}

// Tutor answers questions for one or more scopes.
type Tutor struct {
	model  model.BaseChatModel
	retr   Retriever
	rec    Recorder
	policy guard.Policy
	opts   Options
}

// New constructs a Tutor. rec may be nil to skip persistence.
func New(chatModel model.BaseChatModel, retr Retriever, rec Recorder, opts Options) *Tutor {
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = 4
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	policy := opts.Policy
	if policy == nil {
		policy = guard.Default()
	}
	return &Tutor{model: chatModel, retr: retr, rec: rec, policy: policy, opts: opts}
}

// Ask answers one question, writing the answer to w as it is generated.
// A refusal writes the refusal text and returns a Refused outcome without
// touching the model. When the caller's context is canceled mid-stream the
// partial turn is discarded; when the generation timeout fires the partial
// answer is kept, marked truncated, and persisted.
func (t *Tutor) Ask(ctx context.Context, req Request, w io.Writer) (*Outcome, error) {
	log := logging.FromContext(ctx)

	if req.ScopeID == "" {
		return nil, errors.New("tutor: request has no scope")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, errors.New("tutor: request has no question")
	}

	if t.policy(req.Question) {
		log.Info("tutor: question refused by guard", slog.String("scope_id", req.ScopeID))
		if _, err := io.WriteString(w, guard.RefusalText); err != nil {
			return nil, fmt.Errorf("tutor: write refusal: %w", err)
		}
		out := &Outcome{Answer: guard.RefusalText, Refused: true}
		t.persist(ctx, req, out)
		return out, nil
	}

	res, err := t.retr.Retrieve(ctx, req.ScopeID, req.Question, retriever.Options{TopK: t.opts.TopK, Candidates: t.opts.Candidates})
	if err != nil {
		return nil, fmt.Errorf("tutor: %w", err)
	}
	asm := assemble.Assemble(res.Matches, assemble.Options{Budget: t.opts.ContextBudget})

	messages, err := t.buildMessages(ctx, req, res.Degraded, asm.Context)
	if err != nil {
		return nil, err
	}

	genCtx := ctx
	if t.opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, t.opts.GenerationTimeout)
		defer cancel()
	}
	answer, truncated, err := t.generate(genCtx, messages, w)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Answer:    answer,
		Degraded:  res.Degraded,
		Truncated: truncated,
		Sources:   asm.Sources,
	}
	t.persist(ctx, req, out)
	return out, nil
}

// buildMessages constructs the prompt: system instruction with the context
// block, trimmed prior exchanges, then the question.
func (t *Tutor) buildMessages(ctx context.Context, req Request, degraded bool, contextBlock string) ([]*schema.Message, error) {
	sys := systemPrompt
	if degraded {
		sys = degradedPrompt
	}
	if contextBlock != "" {
		sys = sys + "\n\nContext:\n" + contextBlock
	}

	fixed := []*schema.Message{
		schema.SystemMessage(sys),
		schema.UserMessage(req.Question),
	}

	var history []*schema.Message
	switch {
	case len(req.History) > 0:
		for _, turn := range req.History {
			history = append(history,
				schema.UserMessage(turn.Question),
				schema.AssistantMessage(turn.Answer, nil),
			)
		}
	case t.rec != nil:
		prior, err := t.rec.RecentExchanges(ctx, req.ScopeID, t.opts.HistoryDepth)
		if err != nil {
			logging.FromContext(ctx).Warn("tutor: failed to load history", slog.Any("error", err))
		} else {
			for _, ex := range prior {
				history = append(history,
					schema.UserMessage(ex.Question),
					schema.AssistantMessage(ex.Answer, nil),
				)
			}
		}
	}
	history = budget.TrimHistory(fixed, history, t.opts.MaxContextTokens)

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, fixed[0])
	messages = append(messages, history...)
	messages = append(messages, fixed[1])
	return messages, nil
}

// generate streams the model output to w, falling back to a blocking
// Generate call when the backend does not support streaming. It reports
// whether the answer was truncated by the context deadline.
func (t *Tutor) generate(ctx context.Context, messages []*schema.Message, w io.Writer) (string, bool, error) {
	sr, err := t.model.Stream(ctx, messages)
	if err != nil {
		// Some backends only implement blocking generation.
		msg, gerr := t.model.Generate(ctx, messages)
		if gerr != nil {
			return "", false, fmt.Errorf("tutor: generation failed: %w", gerr)
		}
		if _, werr := io.WriteString(w, msg.Content); werr != nil {
			return "", false, fmt.Errorf("tutor: write answer: %w", werr)
		}
		return msg.Content, false, nil
	}
	defer sr.Close()

	var buf strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if buf.Len() == 0 {
					return "", false, ErrGenerationTimeout
				}
				// Keep what we have; the marker tells the reader the
				// answer is incomplete.
				_, _ = io.WriteString(w, truncationMarker)
				buf.WriteString(truncationMarker)
				return buf.String(), true, nil
			}
			if ctx.Err() != nil {
				return "", false, fmt.Errorf("tutor: stream canceled: %w", ctx.Err())
			}
			return "", false, fmt.Errorf("tutor: stream receive error: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return "", false, fmt.Errorf("tutor: write answer: %w", err)
		}
		buf.WriteString(msg.Content)
	}
	return buf.String(), false, nil
}

// persist saves the exchange, logging rather than failing the turn when the
// write does not stick. Persistence uses a detached context so a canceled
// request cannot half-save.
func (t *Tutor) persist(ctx context.Context, req Request, out *Outcome) {
	if t.rec == nil {
		return
	}
	ex := &store.Exchange{
		ScopeID:   req.ScopeID,
		Question:  req.Question,
		Answer:    out.Answer,
		Refused:   out.Refused,
		Degraded:  out.Degraded,
		Truncated: out.Truncated,
	}
	saveCtx := context.WithoutCancel(ctx)
	if err := t.rec.SaveExchange(saveCtx, ex); err != nil {
		logging.FromContext(ctx).Warn("tutor: failed to persist exchange", slog.Any("error", err))
	}
}
