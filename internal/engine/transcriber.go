package engine

import (
	"context"
	"fmt"
	"strings"

	"meetscribe/internal/config"
	"meetscribe/internal/execx"
)

// Transcriber converts a normalized audio file into plain text.
type Transcriber struct {
	scripts
}

func NewTranscriber(runner execx.Runner, cfg config.EngineConfig) *Transcriber {
	return &Transcriber{scripts: newScripts(runner, cfg)}
}

// Transcribe runs the speech-to-text engine on the audio file at path.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	out, err := t.runner.Run(ctx, nil, t.pythonBin, t.path(transcribeScript), audioPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	transcript := strings.TrimSpace(out)
	if transcript == "" {
		return "", fmt.Errorf("%w: engine produced no output", ErrTranscription)
	}
	return transcript, nil
}
