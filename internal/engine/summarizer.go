package engine

import (
	"context"
	"fmt"
	"strings"

	"meetscribe/internal/config"
	"meetscribe/internal/execx"
)

// Summarizer condenses a transcript into a short text summary.
type Summarizer struct {
	scripts
}

func NewSummarizer(runner execx.Runner, cfg config.EngineConfig) *Summarizer {
	return &Summarizer{scripts: newScripts(runner, cfg)}
}

// Summarize feeds the transcript to the engine on stdin and returns its output.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	out, err := s.runner.Run(ctx, strings.NewReader(transcript), s.pythonBin, s.path(summarizeScript))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarization, err)
	}
	summary := strings.TrimSpace(out)
	if summary == "" {
		return "", fmt.Errorf("%w: engine produced no output", ErrSummarization)
	}
	return summary, nil
}
