package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"meetscribe/internal/auth"
	"meetscribe/internal/metrics"
	"meetscribe/internal/models"
	"meetscribe/internal/service/meeting"
	"meetscribe/internal/worker"
)

// JobQueue accepts pipeline jobs for records already claimed into processing.
type JobQueue interface {
	Enqueue(worker.Job) error
	CancelMeeting(userID, meetingID int64)
}

// Handler wires HTTP routes to the meeting store and the background pipeline.
type Handler struct {
	meetings      *meeting.Service
	auth          *auth.Service
	jobs          JobQueue
	fileBase      string
	publicBaseURL string
	maxUploadMB   int64
	log           zerolog.Logger
}

func NewHandler(meetings *meeting.Service, authService *auth.Service, jobs JobQueue, fileBase, publicBaseURL string, maxUploadMB int64, log zerolog.Logger) *Handler {
	return &Handler{
		meetings:      meetings,
		auth:          authService,
		jobs:          jobs,
		fileBase:      fileBase,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		maxUploadMB:   maxUploadMB,
		log:           log.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.GET("/public/meetings/:token", h.publicReport)

	authMW := h.auth.Middleware()
	api.POST("/users/logout", authMW, h.logoutUser)

	meetings := api.Group("/meetings")
	meetings.Use(authMW, h.auth.CSRFMiddleware())
	meetings.POST("/upload", h.uploadMeeting)
	meetings.GET("", h.listMeetings)
	meetings.GET("/:id", h.getMeeting)
	meetings.DELETE("/:id", h.deleteMeeting)
	meetings.POST("/:id/process", h.processMeeting)
	meetings.GET("/:id/status", h.meetingStatus)
	meetings.POST("/:id/share", h.enableSharing)
	meetings.DELETE("/:id/share", h.disableSharing)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

var allowedMediaTypes = map[string]models.MediaKind{
	"audio/mpeg":       models.MediaAudio,
	"audio/wav":        models.MediaAudio,
	"audio/wave":       models.MediaAudio,
	"audio/x-wav":      models.MediaAudio,
	"audio/x-m4a":      models.MediaAudio,
	"audio/mp4":        models.MediaAudio,
	"audio/ogg":        models.MediaAudio,
	"application/ogg":  models.MediaAudio,
	"video/mp4":        models.MediaVideo,
	"video/webm":       models.MediaVideo,
	"video/quicktime":  models.MediaVideo,
	"video/x-matroska": models.MediaVideo,
}

func mediaKindFor(contentType string) (models.MediaKind, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	kind, ok := allowedMediaTypes[ct]
	return kind, ok
}

func (h *Handler) uploadMeeting(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	maxBytes := h.maxUploadMB << 20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
			return
		}
		buf := make([]byte, 512)
		n, _ := f.Read(buf)
		_ = f.Close()
		contentType = http.DetectContentType(buf[:n])
	}
	kind, ok := mediaKindFor(contentType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported media type %q", contentType)})
		return
	}

	fileName := filepath.Base(file.Filename)
	storedName := uuid.NewString() + strings.ToLower(filepath.Ext(fileName))
	destPath := filepath.Join(h.fileBase, storedName)
	if err := os.MkdirAll(h.fileBase, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	title := strings.TrimSpace(c.PostForm("title"))
	m, err := h.meetings.Create(c.Request.Context(), userID, title, fileName, destPath, kind)
	if err != nil {
		_ = os.Remove(destPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create meeting failed"})
		return
	}
	metrics.UploadsTotal.WithLabelValues(string(kind)).Inc()
	h.log.Info().Int64("meeting_id", m.ID).Int64("user_id", userID).
		Str("kind", string(kind)).Int64("bytes", file.Size).Msg("recording uploaded")
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) listMeetings(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.meetings.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = make([]*models.Meeting, 0)
	}
	c.JSON(http.StatusOK, gin.H{"meetings": list})
}

func (h *Handler) meetingID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid meeting id"})
		return 0, false
	}
	return id, true
}

// respondMeetingError maps store errors onto HTTP statuses. Unknown and
// unowned records both come back as 404 so ids cannot be probed.
func respondMeetingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, meeting.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
	case errors.Is(err, meeting.ErrAlreadyProcessing):
		c.JSON(http.StatusConflict, gin.H{"error": "meeting is already processing or completed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) getMeeting(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := h.meetingID(c)
	if !ok {
		return
	}
	m, err := h.meetings.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondMeetingError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) deleteMeeting(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := h.meetingID(c)
	if !ok {
		return
	}
	m, err := h.meetings.Delete(c.Request.Context(), userID, id)
	if err != nil {
		respondMeetingError(c, err)
		return
	}
	h.jobs.CancelMeeting(userID, id)
	h.removeStoredFiles(m)
	c.Status(http.StatusNoContent)
}

// removeStoredFiles deletes the uploaded media and, for video, the derived
// audio file. Best effort, the record is already gone.
func (h *Handler) removeStoredFiles(m *models.Meeting) {
	if m.StoredPath == "" {
		return
	}
	if err := os.Remove(m.StoredPath); err != nil && !os.IsNotExist(err) {
		h.log.Warn().Err(err).Str("path", m.StoredPath).Msg("could not remove stored file")
	}
	if m.MediaKind == models.MediaVideo {
		ext := filepath.Ext(m.StoredPath)
		wav := strings.TrimSuffix(m.StoredPath, ext) + ".wav"
		if err := os.Remove(wav); err != nil && !os.IsNotExist(err) {
			h.log.Warn().Err(err).Str("path", wav).Msg("could not remove derived audio")
		}
	}
}

func (h *Handler) processMeeting(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := h.meetingID(c)
	if !ok {
		return
	}
	m, prev, err := h.meetings.ClaimProcessing(c.Request.Context(), userID, id)
	if err != nil {
		respondMeetingError(c, err)
		return
	}
	if err := h.jobs.Enqueue(worker.Job{Meeting: m}); err != nil {
		// roll the claim back so a later trigger can succeed
		if relErr := h.meetings.ReleaseClaim(c.Request.Context(), id, prev); relErr != nil {
			h.log.Error().Err(relErr).Int64("meeting_id", id).Msg("could not release claim")
		}
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"meeting_id": m.ID,
		"status":     models.StatusProcessing,
	})
}

func (h *Handler) meetingStatus(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := h.meetingID(c)
	if !ok {
		return
	}
	m, err := h.meetings.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondMeetingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"meeting_id":   m.ID,
		"status":       m.Status,
		"last_updated": m.UpdatedAt,
	})
}

func (h *Handler) enableSharing(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := h.meetingID(c)
	if !ok {
		return
	}
	token, err := h.meetings.EnableSharing(c.Request.Context(), userID, id)
	if err != nil {
		respondMeetingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"share_url": h.publicBaseURL + "/p/" + token,
	})
}

func (h *Handler) disableSharing(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, ok := h.meetingID(c)
	if !ok {
		return
	}
	if err := h.meetings.DisableSharing(c.Request.Context(), userID, id); err != nil {
		respondMeetingError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) publicReport(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	report, err := h.meetings.GetSharedByToken(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
