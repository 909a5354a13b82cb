// Package meeting implements the meeting record store: one row per uploaded
// recording, mutated by the processing pipeline and the sharing manager.
package meeting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"meetscribe/internal/models"
)

var (
	// ErrNotOwner marks access to a record owned by a different user.
	ErrNotOwner = errors.New("not authorized")
	// ErrAlreadyProcessing marks a processing trigger on a record that is not
	// in a triggerable state.
	ErrAlreadyProcessing = errors.New("meeting is already processing or completed")
)

// DefaultTitle is used when an upload does not carry a title.
const DefaultTitle = "Meeting Recording"

// ReportCache holds rendered public reports keyed by share token.
// *redis.Client satisfies it; nil disables caching.
type ReportCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Service persists meeting records.
type Service struct {
	db    *sql.DB
	cache ReportCache
}

// NewService builds the record store. cache may be nil.
func NewService(db *sql.DB, cache ReportCache) *Service {
	return &Service{db: db, cache: cache}
}

const meetingColumns = `id, user_id, title, file_name, stored_path, media_kind,
	transcript, summary, tasks, status, is_shared, share_token, shared_at,
	created_at, updated_at`

// Create inserts a fresh record for an uploaded file with status uploaded.
func (s *Service) Create(ctx context.Context, userID int64, title, fileName, storedPath string, kind models.MediaKind) (*models.Meeting, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if fileName == "" || storedPath == "" {
		return nil, errors.New("file name and stored path are required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (user_id, title, file_name, stored_path, media_kind,
			transcript, summary, tasks, status, is_shared, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', '', '[]', ?, 0, ?, ?)`,
		userID, title, fileName, storedPath, kind, models.StatusUploaded, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("meeting id: %w", err)
	}
	return &models.Meeting{
		ID:         id,
		UserID:     userID,
		Title:      title,
		FileName:   fileName,
		StoredPath: storedPath,
		MediaKind:  kind,
		Tasks:      make([]models.Task, 0),
		Status:     models.StatusUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Get returns one record after checking ownership.
func (s *Service) Get(ctx context.Context, userID, meetingID int64) (*models.Meeting, error) {
	m, err := s.getAny(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, ErrNotOwner
	}
	return m, nil
}

// List returns all of the user's records, newest first.
func (s *Service) List(ctx context.Context, userID int64) ([]*models.Meeting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	meetings := make([]*models.Meeting, 0)
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// Delete removes the record after checking ownership and returns it so the
// caller can clean up stored files.
func (s *Service) Delete(ctx context.Context, userID, meetingID int64) (*models.Meeting, error) {
	m, err := s.Get(ctx, userID, meetingID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM meetings WHERE id = ?`, meetingID); err != nil {
		return nil, fmt.Errorf("delete meeting: %w", err)
	}
	if m.ShareToken != "" {
		s.invalidateReport(ctx, m.ShareToken)
	}
	return m, nil
}

// ClaimProcessing atomically moves the record from uploaded or failed into
// processing. A record in any other state yields ErrAlreadyProcessing, so
// duplicate concurrent triggers cannot start a second run. The status the
// record held before the claim is returned for rollback.
func (s *Service) ClaimProcessing(ctx context.Context, userID, meetingID int64) (*models.Meeting, models.Status, error) {
	m, err := s.Get(ctx, userID, meetingID)
	if err != nil {
		return nil, "", err
	}
	prev := m.Status
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.StatusProcessing, time.Now().UTC(),
		meetingID, models.StatusUploaded, models.StatusFailed,
	)
	if err != nil {
		return nil, "", fmt.Errorf("claim processing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, "", fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, "", ErrAlreadyProcessing
	}
	m.Status = models.StatusProcessing
	// A shared record entering a new run invalidates any cached report so the
	// public page never serves the previous run's results.
	if m.ShareToken != "" {
		s.invalidateReport(ctx, m.ShareToken)
	}
	return m, prev, nil
}

// ReleaseClaim puts a just-claimed record back into the given status. Used
// when the claimed run could not be enqueued.
func (s *Service) ReleaseClaim(ctx context.Context, meetingID int64, prev models.Status) error {
	return s.setStatus(ctx, meetingID, prev)
}

// SetTranscript persists the transcript mid-pipeline.
func (s *Service) SetTranscript(ctx context.Context, meetingID int64, transcript string) error {
	return s.touchColumn(ctx, meetingID, "transcript", transcript)
}

// SetSummary persists the summary mid-pipeline.
func (s *Service) SetSummary(ctx context.Context, meetingID int64, summary string) error {
	return s.touchColumn(ctx, meetingID, "summary", summary)
}

// SetTasks persists the extracted action items mid-pipeline.
func (s *Service) SetTasks(ctx context.Context, meetingID int64, tasks []models.Task) error {
	if tasks == nil {
		tasks = make([]models.Task, 0)
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	return s.touchColumn(ctx, meetingID, "tasks", string(data))
}

// MarkCompleted sets the terminal completed status.
func (s *Service) MarkCompleted(ctx context.Context, meetingID int64) error {
	return s.setStatus(ctx, meetingID, models.StatusCompleted)
}

// MarkFailed sets the terminal failed status. Fields persisted before the
// failing step are left in place.
func (s *Service) MarkFailed(ctx context.Context, meetingID int64) error {
	return s.setStatus(ctx, meetingID, models.StatusFailed)
}

func (s *Service) setStatus(ctx context.Context, meetingID int64, status models.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), meetingID,
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) touchColumn(ctx context.Context, meetingID int64, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), meetingID,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) getAny(ctx context.Context, meetingID int64) (*models.Meeting, error) {
	if meetingID <= 0 {
		return nil, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, meetingID,
	)
	return scanMeeting(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*models.Meeting, error) {
	var (
		m         models.Meeting
		tasksJSON string
		token     sql.NullString
		sharedAt  sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.UserID, &m.Title, &m.FileName, &m.StoredPath, &m.MediaKind,
		&m.Transcript, &m.Summary, &tasksJSON, &m.Status, &m.IsShared,
		&token, &sharedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan meeting: %w", err)
	}
	if token.Valid {
		m.ShareToken = token.String
	}
	if sharedAt.Valid {
		t := sharedAt.Time
		m.SharedAt = &t
	}
	m.Tasks = make([]models.Task, 0)
	if tasksJSON != "" {
		if err := json.Unmarshal([]byte(tasksJSON), &m.Tasks); err != nil {
			return nil, fmt.Errorf("decode tasks: %w", err)
		}
	}
	return &m, nil
}
