// Package pipeline runs the processing state machine for one meeting record:
// normalize, transcribe, summarize, extract tasks, with each result persisted
// as soon as it exists.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"meetscribe/internal/metrics"
	"meetscribe/internal/models"
	"meetscribe/internal/service/meeting"
)

// A transcript shorter than this after trimming is treated as a failure, not a
// silent success.
const minTranscriptLen = 10

// Normalizer yields an audio path the transcriber can consume.
type Normalizer interface {
	EnsureAudio(ctx context.Context, path string, kind models.MediaKind) (string, error)
}

// Transcriber converts audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Summarizer condenses a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Extractor pulls action items out of a transcript.
type Extractor interface {
	Extract(ctx context.Context, transcript string) ([]models.Task, error)
}

// Orchestrator sequences the pipeline steps against the record store. It is
// the only writer of transcript, summary, and tasks.
type Orchestrator struct {
	store       *meeting.Service
	normalizer  Normalizer
	transcriber Transcriber
	summarizer  Summarizer
	extractor   Extractor
	stepTimeout time.Duration
	log         zerolog.Logger
}

func NewOrchestrator(store *meeting.Service, n Normalizer, t Transcriber, s Summarizer, e Extractor, stepTimeout time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:       store,
		normalizer:  n,
		transcriber: t,
		summarizer:  s,
		extractor:   e,
		stepTimeout: stepTimeout,
		log:         log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes one full pipeline pass for a record already claimed into
// processing. The terminal status is written to the store; the returned error
// only reports what went wrong for the caller's logs. Fields persisted before
// a failing step are deliberately left in place.
func (o *Orchestrator) Run(ctx context.Context, m *models.Meeting) error {
	start := time.Now()
	log := o.log.With().Int64("meeting_id", m.ID).Int64("user_id", m.UserID).Logger()
	log.Info().Str("kind", string(m.MediaKind)).Msg("pipeline run started")

	if err := o.run(ctx, m, log); err != nil {
		if markErr := o.store.MarkFailed(ctx, m.ID); markErr != nil {
			log.Error().Err(markErr).Msg("could not mark meeting failed")
		}
		metrics.PipelineRuns.WithLabelValues(string(models.StatusFailed)).Inc()
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("pipeline run failed")
		return err
	}

	if err := o.store.MarkCompleted(ctx, m.ID); err != nil {
		metrics.PipelineRuns.WithLabelValues(string(models.StatusFailed)).Inc()
		log.Error().Err(err).Msg("could not mark meeting completed")
		return err
	}
	metrics.PipelineRuns.WithLabelValues(string(models.StatusCompleted)).Inc()
	log.Info().Dur("elapsed", time.Since(start)).Msg("pipeline run completed")
	return nil
}

func (o *Orchestrator) run(ctx context.Context, m *models.Meeting, log zerolog.Logger) error {
	audioPath, err := runStep(ctx, o, log, "normalize", func(ctx context.Context) (string, error) {
		return o.normalizer.EnsureAudio(ctx, m.StoredPath, m.MediaKind)
	})
	if err != nil {
		return err
	}

	transcript, err := runStep(ctx, o, log, "transcribe", func(ctx context.Context) (string, error) {
		return o.transcriber.Transcribe(ctx, audioPath)
	})
	if err != nil {
		return err
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(transcript)); n < minTranscriptLen {
		return fmt.Errorf("transcript too short (%d chars)", n)
	}
	if err := o.store.SetTranscript(ctx, m.ID, transcript); err != nil {
		return fmt.Errorf("persist transcript: %w", err)
	}

	summary, err := runStep(ctx, o, log, "summarize", func(ctx context.Context) (string, error) {
		return o.summarizer.Summarize(ctx, transcript)
	})
	if err != nil {
		return err
	}
	if err := o.store.SetSummary(ctx, m.ID, summary); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	tasks, err := runStep(ctx, o, log, "extract_tasks", func(ctx context.Context) ([]models.Task, error) {
		return o.extractor.Extract(ctx, transcript)
	})
	if err != nil {
		return err
	}
	if err := o.store.SetTasks(ctx, m.ID, tasks); err != nil {
		return fmt.Errorf("persist tasks: %w", err)
	}
	return nil
}

// step runs one pipeline stage under the per-step timeout and records its
// duration. The failing step's name ends up in server logs only; the record
// just becomes failed.
func runStep[T any](ctx context.Context, o *Orchestrator, log zerolog.Logger, name string, fn func(context.Context) (T, error)) (T, error) {
	if o.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
	}
	start := time.Now()
	out, err := fn(ctx)
	metrics.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Str("step", name).Msg("pipeline step failed")
		return out, err
	}
	log.Debug().Str("step", name).Dur("elapsed", time.Since(start)).Msg("pipeline step done")
	return out, nil
}
