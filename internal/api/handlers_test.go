package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"meetscribe/internal/auth"
	"meetscribe/internal/config"
	"meetscribe/internal/models"
	"meetscribe/internal/service/meeting"
	"meetscribe/internal/storage"
	"meetscribe/internal/worker"
)

type stubQueue struct {
	jobs      []worker.Job
	err       error
	cancelled [][2]int64
}

func (q *stubQueue) Enqueue(job worker.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) CancelMeeting(userID, meetingID int64) {
	q.cancelled = append(q.cancelled, [2]int64{userID, meetingID})
}

type testServer struct {
	router   *gin.Engine
	db       *sql.DB
	jobs     *stubQueue
	fileBase string
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithCap(t, 500)
}

func newTestServerWithCap(t *testing.T, maxUploadMB int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "test.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fileBase := t.TempDir()
	jobs := &stubQueue{}
	meetings := meeting.NewService(db, nil)
	authSvc := auth.NewService(db, time.Hour)
	handler := NewHandler(meetings, authSvc, jobs, fileBase, "http://localhost:8090", maxUploadMB, zerolog.Nop())

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, db: db, jobs: jobs, fileBase: fileBase}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

var userSeq int64

func registerAndLogin(t *testing.T, router *gin.Engine) map[string]string {
	t.Helper()
	userSeq++
	username := fmt.Sprintf("tester_%d_%d", time.Now().UnixNano(), userSeq)
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatal("expected auth token from login")
	}
	return map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

// registerAndLoginCookies authenticates a fresh user and returns the session
// cookies set by login.
func registerAndLoginCookies(t *testing.T, router *gin.Engine) []*http.Cookie {
	t.Helper()
	userSeq++
	username := fmt.Sprintf("cookie_%d_%d", time.Now().UnixNano(), userSeq)
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	cookies := loginResp.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login should set session cookies")
	}
	return cookies
}

func cookieValue(t *testing.T, cookies []*http.Cookie, name string) string {
	t.Helper()
	for _, ck := range cookies {
		if ck.Name == name {
			return ck.Value
		}
	}
	t.Fatalf("cookie %q not set", name)
	return ""
}

func uploadRecording(t *testing.T, router *gin.Engine, headers map[string]string, title, filename, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if title != "" {
		if err := w.WriteField("title", title); err != nil {
			t.Fatalf("write title field: %v", err)
		}
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("not real media, just bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/meetings/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// uploadWithCookies posts a small recording authenticated by session cookie.
// csrf, when non-empty, is sent as the X-CSRF-Token header.
func uploadWithCookies(t *testing.T, router *gin.Engine, cookies []*http.Cookie, csrf string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="standup.mp3"`)
	hdr.Set("Content-Type", "audio/mpeg")
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("not real media, just bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/meetings/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func uploadMeetingID(t *testing.T, srv *testServer, headers map[string]string) int64 {
	t.Helper()
	resp := uploadRecording(t, srv.router, headers, "", "standup.mp3", "audio/mpeg")
	assertStatus(t, resp, http.StatusCreated)
	var m models.Meeting
	decodeJSON(t, resp.Body.Bytes(), &m)
	if m.ID <= 0 {
		t.Fatal("expected meeting id in upload response")
	}
	return m.ID
}

func markCompleted(t *testing.T, db *sql.DB, meetingID int64) {
	t.Helper()
	_, err := db.Exec(`UPDATE meetings SET status = 'completed', transcript = ?, summary = ? WHERE id = ?`,
		"we agreed on the roadmap for next quarter", "Roadmap agreed.", meetingID)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
}

func TestMeetingLifecycle(t *testing.T) {
	srv := newTestServer(t)
	headers := registerAndLogin(t, srv.router)

	// upload with default title
	resp := uploadRecording(t, srv.router, headers, "", "standup.mp3", "audio/mpeg")
	assertStatus(t, resp, http.StatusCreated)
	var m models.Meeting
	decodeJSON(t, resp.Body.Bytes(), &m)
	if m.Title != meeting.DefaultTitle {
		t.Fatalf("title = %q, want default", m.Title)
	}
	if m.Status != models.StatusUploaded {
		t.Fatalf("status = %s, want uploaded", m.Status)
	}
	if m.FileName != "standup.mp3" {
		t.Fatalf("file_name = %q", m.FileName)
	}

	// an explicit title wins
	resp = uploadRecording(t, srv.router, headers, "Planning", "plan.mp4", "video/mp4")
	assertStatus(t, resp, http.StatusCreated)
	var second models.Meeting
	decodeJSON(t, resp.Body.Bytes(), &second)
	if second.Title != "Planning" {
		t.Fatalf("title = %q, want Planning", second.Title)
	}
	if second.MediaKind != models.MediaVideo {
		t.Fatalf("media_kind = %s, want video", second.MediaKind)
	}

	// list newest first
	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/meetings", nil, headers)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Meetings []models.Meeting `json:"meetings"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Meetings) != 2 {
		t.Fatalf("expected 2 meetings, got %d", len(listBody.Meetings))
	}

	// fetch one
	getResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/meetings/%d", m.ID), nil, headers)
	assertStatus(t, getResp, http.StatusOK)

	// trigger processing
	procResp := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/meetings/%d/process", m.ID), nil, headers)
	assertStatus(t, procResp, http.StatusAccepted)
	if len(srv.jobs.jobs) != 1 || srv.jobs.jobs[0].Meeting.ID != m.ID {
		t.Fatalf("expected one enqueued job for meeting %d, got %+v", m.ID, srv.jobs.jobs)
	}

	// a duplicate trigger is rejected while the claim is held
	dupResp := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/meetings/%d/process", m.ID), nil, headers)
	assertStatus(t, dupResp, http.StatusConflict)

	// poll status
	statusResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/meetings/%d/status", m.ID), nil, headers)
	assertStatus(t, statusResp, http.StatusOK)
	var statusBody struct {
		MeetingID int64         `json:"meeting_id"`
		Status    models.Status `json:"status"`
	}
	decodeJSON(t, statusResp.Body.Bytes(), &statusBody)
	if statusBody.Status != models.StatusProcessing {
		t.Fatalf("status = %s, want processing", statusBody.Status)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	srv := newTestServer(t)
	headers := registerAndLogin(t, srv.router)

	resp := uploadRecording(t, srv.router, headers, "", "notes.txt", "text/plain")
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestUploadRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	resp := uploadRecording(t, srv.router, nil, "", "standup.mp3", "audio/mpeg")
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestCrossUserAccessLooksLikeNotFound(t *testing.T) {
	srv := newTestServer(t)
	owner := registerAndLogin(t, srv.router)
	other := registerAndLogin(t, srv.router)

	id := uploadMeetingID(t, srv, owner)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, fmt.Sprintf("/api/meetings/%d", id)},
		{http.MethodGet, fmt.Sprintf("/api/meetings/%d/status", id)},
		{http.MethodDelete, fmt.Sprintf("/api/meetings/%d", id)},
		{http.MethodPost, fmt.Sprintf("/api/meetings/%d/process", id)},
		{http.MethodPost, fmt.Sprintf("/api/meetings/%d/share", id)},
		{http.MethodDelete, fmt.Sprintf("/api/meetings/%d/share", id)},
	}
	for _, p := range paths {
		resp := doJSONRequest(t, srv.router, p.method, p.path, nil, other)
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s %s: status %d, want 404", p.method, p.path, resp.Code)
		}
	}
}

func TestShareLifecycle(t *testing.T) {
	srv := newTestServer(t)
	headers := registerAndLogin(t, srv.router)

	id := uploadMeetingID(t, srv, headers)
	markCompleted(t, srv.db, id)

	shareResp := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/meetings/%d/share", id), nil, headers)
	assertStatus(t, shareResp, http.StatusOK)
	var shareBody struct {
		Token    string `json:"token"`
		ShareURL string `json:"share_url"`
	}
	decodeJSON(t, shareResp.Body.Bytes(), &shareBody)
	if len(shareBody.Token) != 32 {
		t.Fatalf("token length = %d, want 32 hex chars", len(shareBody.Token))
	}
	if shareBody.ShareURL != "http://localhost:8090/p/"+shareBody.Token {
		t.Fatalf("share_url = %q", shareBody.ShareURL)
	}

	// the public report is readable without auth and carries no owner fields
	pubResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/public/meetings/"+shareBody.Token, nil, nil)
	assertStatus(t, pubResp, http.StatusOK)
	var report map[string]interface{}
	decodeJSON(t, pubResp.Body.Bytes(), &report)
	if report["summary"] != "Roadmap agreed." {
		t.Fatalf("summary = %v", report["summary"])
	}
	for _, hidden := range []string{"user_id", "file_name", "is_shared"} {
		if _, ok := report[hidden]; ok {
			t.Fatalf("public report leaks %q", hidden)
		}
	}

	// unknown tokens 404
	badResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/public/meetings/"+strings.Repeat("0", 32), nil, nil)
	assertStatus(t, badResp, http.StatusNotFound)

	// revoke and verify the old token is dead
	revokeResp := doJSONRequest(t, srv.router, http.MethodDelete, fmt.Sprintf("/api/meetings/%d/share", id), nil, headers)
	assertStatus(t, revokeResp, http.StatusNoContent)
	deadResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/public/meetings/"+shareBody.Token, nil, nil)
	assertStatus(t, deadResp, http.StatusNotFound)
}

func TestProcessQueueBusy(t *testing.T) {
	srv := newTestServer(t)
	headers := registerAndLogin(t, srv.router)

	id := uploadMeetingID(t, srv, headers)
	srv.jobs.err = worker.ErrDispatcherBusy

	resp := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/meetings/%d/process", id), nil, headers)
	assertStatus(t, resp, http.StatusTooManyRequests)

	// the claim was rolled back, a later trigger succeeds
	srv.jobs.err = nil
	resp = doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/meetings/%d/process", id), nil, headers)
	assertStatus(t, resp, http.StatusAccepted)
}

func TestDeleteMeetingRemovesStoredFile(t *testing.T) {
	srv := newTestServer(t)
	headers := registerAndLogin(t, srv.router)

	id := uploadMeetingID(t, srv, headers)
	entries, err := os.ReadDir(srv.fileBase)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stored file, got %d", len(entries))
	}

	delResp := doJSONRequest(t, srv.router, http.MethodDelete, fmt.Sprintf("/api/meetings/%d", id), nil, headers)
	assertStatus(t, delResp, http.StatusNoContent)

	entries, err = os.ReadDir(srv.fileBase)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("stored file should be gone, found %d entries", len(entries))
	}
	if len(srv.jobs.cancelled) != 1 || srv.jobs.cancelled[0][1] != id {
		t.Fatalf("expected queued jobs for meeting %d to be cancelled", id)
	}

	getResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/meetings/%d", id), nil, headers)
	assertStatus(t, getResp, http.StatusNotFound)
}

func TestCookieAuthEnforcesCSRF(t *testing.T) {
	srv := newTestServer(t)
	cookies := registerAndLoginCookies(t, srv.router)
	csrf := cookieValue(t, cookies, "csrf_token")

	// reads over the cookie session need no csrf header
	listReq := httptest.NewRequest(http.MethodGet, "/api/meetings", nil)
	for _, ck := range cookies {
		listReq.AddCookie(ck)
	}
	listRec := httptest.NewRecorder()
	srv.router.ServeHTTP(listRec, listReq)
	assertStatus(t, listRec, http.StatusOK)

	// a mutation without the header is forged until proven otherwise
	resp := uploadWithCookies(t, srv.router, cookies, "")
	assertStatus(t, resp, http.StatusForbidden)

	// a mismatched header is rejected the same way
	resp = uploadWithCookies(t, srv.router, cookies, "deadbeef")
	assertStatus(t, resp, http.StatusForbidden)

	// the double-submit pair is accepted
	resp = uploadWithCookies(t, srv.router, cookies, csrf)
	assertStatus(t, resp, http.StatusCreated)
}

func TestUploadMalformedMultipart(t *testing.T) {
	srv := newTestServer(t)
	headers := registerAndLogin(t, srv.router)

	req := httptest.NewRequest(http.MethodPost, "/api/meetings/upload", strings.NewReader("this is not a multipart body"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=b0undary")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestUploadBodyTooLarge(t *testing.T) {
	srv := newTestServerWithCap(t, 1)
	headers := registerAndLogin(t, srv.router)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="long.mp3"`)
	hdr.Set("Content-Type", "audio/mpeg")
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(bytes.Repeat([]byte("a"), 2<<20)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/meetings/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestLogoutRevokesToken(t *testing.T) {
	srv := newTestServer(t)
	headers := registerAndLogin(t, srv.router)

	logoutResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/logout", nil, headers)
	assertStatus(t, logoutResp, http.StatusNoContent)

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/meetings", nil, headers)
	assertStatus(t, listResp, http.StatusUnauthorized)
}
