// Package engine adapts the external speech-to-text, summarization, and
// task-extraction processes behind small synchronous interfaces. Each engine is
// a script invoked through the configured interpreter; a non-zero exit or empty
// output means the step failed.
package engine

import (
	"errors"
	"path/filepath"

	"meetscribe/internal/config"
	"meetscribe/internal/execx"
)

var (
	ErrTranscription = errors.New("transcription error")
	ErrSummarization = errors.New("summarization error")
	ErrExtraction    = errors.New("extraction error")
)

const (
	transcribeScript = "transcribe.py"
	summarizeScript  = "summarize.py"
	extractScript    = "extract_tasks.py"
)

type scripts struct {
	runner    execx.Runner
	pythonBin string
	dir       string
}

func newScripts(runner execx.Runner, cfg config.EngineConfig) scripts {
	return scripts{runner: runner, pythonBin: cfg.PythonBin, dir: cfg.ScriptDir}
}

func (s scripts) path(name string) string {
	return filepath.Join(s.dir, name)
}
