package models

import "time"

// Status tracks a meeting through the processing pipeline.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Task is one action item extracted from a transcript. Tasks are embedded in
// their meeting record and not addressable on their own.
type Task struct {
	Description string   `json:"description"`
	AssignedTo  string   `json:"assignedTo,omitempty"`
	Deadline    string   `json:"deadline,omitempty"`
	Priority    Priority `json:"priority"`
}

// Meeting is the persisted record for one uploaded recording and everything
// derived from it.
type Meeting struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Title      string     `json:"title"`
	FileName   string     `json:"file_name"`
	StoredPath string     `json:"-"`
	MediaKind  MediaKind  `json:"media_kind"`
	Transcript string     `json:"transcript"`
	Summary    string     `json:"summary"`
	Tasks      []Task     `json:"tasks"`
	Status     Status     `json:"status"`
	IsShared   bool       `json:"is_shared"`
	ShareToken string     `json:"-"`
	SharedAt   *time.Time `json:"shared_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PublicReport is the restricted projection returned for a valid share token.
type PublicReport struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	Summary    string    `json:"summary"`
	Tasks      []Task    `json:"tasks"`
	Transcript string    `json:"transcript"`
	Status     Status    `json:"status"`
}

// Report builds the shareable projection of the meeting.
func (m *Meeting) Report() *PublicReport {
	tasks := m.Tasks
	if tasks == nil {
		tasks = make([]Task, 0)
	}
	return &PublicReport{
		ID:         m.ID,
		Title:      m.Title,
		CreatedAt:  m.CreatedAt,
		Summary:    m.Summary,
		Tasks:      tasks,
		Transcript: m.Transcript,
		Status:     m.Status,
	}
}
