package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"meetscribe/internal/config"
	"meetscribe/internal/execx"
	"meetscribe/internal/models"
)

// Extractor pulls structured action items out of a transcript.
type Extractor struct {
	scripts
}

func NewExtractor(runner execx.Runner, cfg config.EngineConfig) *Extractor {
	return &Extractor{scripts: newScripts(runner, cfg)}
}

// rawTask is the engine's wire shape; it is validated before becoming a Task.
type rawTask struct {
	Description string `json:"description"`
	AssignedTo  string `json:"assignedTo"`
	Deadline    string `json:"deadline"`
	Priority    string `json:"priority"`
}

// Extract runs the engine with the transcript on stdin and parses its JSON
// output. Any payload that does not conform to the task schema is an
// extraction error; an empty task list is a legitimate result.
func (e *Extractor) Extract(ctx context.Context, transcript string) ([]models.Task, error) {
	out, err := e.runner.Run(ctx, strings.NewReader(transcript), e.pythonBin, e.path(extractScript))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return ParseTasks(out)
}

// ParseTasks validates the engine payload into the strict task schema.
func ParseTasks(payload string) ([]models.Task, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: engine produced no output", ErrExtraction)
	}

	var raw []rawTask
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", ErrExtraction, err)
	}

	tasks := make([]models.Task, 0, len(raw))
	for i, r := range raw {
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			return nil, fmt.Errorf("%w: task %d has no description", ErrExtraction, i)
		}
		tasks = append(tasks, models.Task{
			Description: desc,
			AssignedTo:  strings.TrimSpace(r.AssignedTo),
			Deadline:    strings.TrimSpace(r.Deadline),
			Priority:    normalizePriority(r.Priority),
		})
	}
	return tasks, nil
}

// normalizePriority maps unknown values to medium rather than rejecting them.
func normalizePriority(p string) models.Priority {
	switch models.Priority(strings.ToLower(strings.TrimSpace(p))) {
	case models.PriorityHigh:
		return models.PriorityHigh
	case models.PriorityLow:
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}
