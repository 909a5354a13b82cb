package meeting

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"meetscribe/internal/models"
)

const (
	// 16 random bytes hex-encoded: 128 bits of entropy.
	shareTokenBytes = 16
	reportCacheTTL  = 10 * time.Minute
)

// EnableSharing issues a fresh opaque token for the record and marks it shared.
// Re-enabling rotates the token.
func (s *Service) EnableSharing(ctx context.Context, userID, meetingID int64) (string, error) {
	m, err := s.Get(ctx, userID, meetingID)
	if err != nil {
		return "", err
	}

	buf := make([]byte, shareTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	token := hex.EncodeToString(buf)

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET is_shared = 1, share_token = ?, shared_at = ?, updated_at = ? WHERE id = ?`,
		token, now, now, meetingID,
	)
	if err != nil {
		return "", fmt.Errorf("enable sharing: %w", err)
	}
	// The record can be deleted between the ownership check and the update.
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return "", sql.ErrNoRows
	}
	if m.ShareToken != "" && m.ShareToken != token {
		s.invalidateReport(ctx, m.ShareToken)
	}
	return token, nil
}

// DisableSharing clears the token, flag, and shared-at timestamp. The old
// token stops resolving immediately.
func (s *Service) DisableSharing(ctx context.Context, userID, meetingID int64) error {
	m, err := s.Get(ctx, userID, meetingID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET is_shared = 0, share_token = NULL, shared_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), meetingID,
	); err != nil {
		return fmt.Errorf("disable sharing: %w", err)
	}
	if m.ShareToken != "" {
		s.invalidateReport(ctx, m.ShareToken)
	}
	return nil
}

// GetSharedByToken returns the restricted public projection for a valid share
// token. Unknown tokens and unshared records are indistinguishable: both are
// sql.ErrNoRows.
func (s *Service) GetSharedByToken(ctx context.Context, token string) (*models.PublicReport, error) {
	if token == "" {
		return nil, sql.ErrNoRows
	}
	if report, ok := s.cachedReport(ctx, token); ok {
		return report, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE share_token = ? AND is_shared = 1`, token,
	)
	m, err := scanMeeting(row)
	if err != nil {
		return nil, err
	}
	report := m.Report()
	s.cacheReport(ctx, token, report)
	return report, nil
}

func reportCacheKey(token string) string {
	return "share:report:" + token
}

func (s *Service) cachedReport(ctx context.Context, token string) (*models.PublicReport, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, reportCacheKey(token))
	if err != nil {
		return nil, false
	}
	var report models.PublicReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, false
	}
	return &report, true
}

func (s *Service) cacheReport(ctx context.Context, token string, report *models.PublicReport) {
	// Reports of still-processing meetings change; only cache terminal ones.
	if s.cache == nil || !report.Status.Terminal() {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, reportCacheKey(token), data, reportCacheTTL)
}

func (s *Service) invalidateReport(ctx context.Context, token string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, reportCacheKey(token))
}
