// Package media prepares uploaded recordings for transcription.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"meetscribe/internal/execx"
	"meetscribe/internal/models"
)

// ErrNormalization wraps every failure to produce a transcribable audio file.
var ErrNormalization = errors.New("normalization error")

var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true,
}

// Normalizer ensures a mono 16 kHz PCM audio stream exists for a stored media file.
type Normalizer struct {
	runner    execx.Runner
	ffmpegBin string
}

func NewNormalizer(runner execx.Runner, ffmpegBin string) *Normalizer {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &Normalizer{runner: runner, ffmpegBin: ffmpegBin}
}

// EnsureAudio returns a path suitable for the transcription engine. Audio
// inputs pass through unchanged; video inputs are decoded to a sibling wav,
// reusing one left over from an earlier run.
func (n *Normalizer) EnsureAudio(ctx context.Context, path string, kind models.MediaKind) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))

	if kind == models.MediaAudio {
		if !audioExts[ext] {
			return "", fmt.Errorf("%w: unsupported audio format %q", ErrNormalization, ext)
		}
		return path, nil
	}

	if !videoExts[ext] {
		return "", fmt.Errorf("%w: unsupported video format %q", ErrNormalization, ext)
	}

	outPath := strings.TrimSuffix(path, ext) + ".wav"
	if _, err := os.Stat(outPath); err == nil {
		return outPath, nil
	}

	// Mono 16 kHz pcm_s16le is what the transcription engine expects.
	args := []string{
		"-i", path,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		outPath,
	}
	if _, err := n.runner.Run(ctx, nil, n.ffmpegBin, args...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNormalization, err)
	}
	return outPath, nil
}
