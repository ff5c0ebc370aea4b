// Package summarizer defines the digest collaborator contract and a
// Fallback implementation the engine uses whenever no richer
// summarizer is configured or the configured one fails.
package summarizer

import (
	"context"
	"strings"
	"time"
)

// Input is already-redacted by the caller.
type Input struct {
	RawText       string
	ToolSummaries []string
	TokensUsed    int
	TokenBudget   int
	ReplayActions []string
}

// Summarizer turns a completed run's raw output into the text persisted
// as Task.Result. Implementations must return within a bounded time; the
// engine treats a slow or failing call the same way (fall back).
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

const maxExcerptLen = 2000

// Fallback truncates the raw assistant text into a redacted excerpt,
// used when no summarizer is configured, SummarizerEnabled is false, or
// the configured summarizer errors or times out.
type Fallback struct{}

func (Fallback) Summarize(_ context.Context, in Input) (string, error) {
	return render(excerpt(in.RawText), in.ReplayActions), nil
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "(no output captured)"
	}
	if len(text) <= maxExcerptLen {
		return text
	}
	return text[:maxExcerptLen] + "…"
}

// render appends the mandatory explicit replay section whenever
// replayActions is non-empty, regardless of which Summarizer produced the
// body text.
func render(body string, replayActions []string) string {
	if len(replayActions) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\nReplay:\n")
	for _, action := range replayActions {
		b.WriteString("- ")
		b.WriteString(action)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// WithTimeoutFallback wraps a Summarizer so that a failure or a call that
// exceeds timeout degrades to Fallback instead of propagating an error to
// the engine.
type WithTimeoutFallback struct {
	Primary Summarizer
	Timeout time.Duration
}

func (w WithTimeoutFallback) Summarize(ctx context.Context, in Input) (string, error) {
	if w.Primary == nil {
		return Fallback{}.Summarize(ctx, in)
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		text, err := w.Primary.Summarize(callCtx, in)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- text
	}()

	select {
	case text := <-resultCh:
		return render(text, in.ReplayActions), nil
	case <-errCh:
		return Fallback{}.Summarize(ctx, in)
	case <-callCtx.Done():
		return Fallback{}.Summarize(ctx, in)
	}
}

// ensure Fallback and WithTimeoutFallback satisfy Summarizer at compile time.
var _ Summarizer = Fallback{}
var _ Summarizer = WithTimeoutFallback{}
