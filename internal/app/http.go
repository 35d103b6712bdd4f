package app

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sufyansidqy/dms/internal/auth"
	"github.com/sufyansidqy/dms/internal/comments"
	"github.com/sufyansidqy/dms/internal/extract"
	"github.com/sufyansidqy/dms/internal/rbac"
	"github.com/sufyansidqy/dms/internal/store"
	"github.com/sufyansidqy/dms/internal/workflow"
	"go.uber.org/zap"
)

const (
	sessionContextKey   = "dms_session"
	requestIDContextKey = "dms_request_id"
	requestIDHeader     = "X-Request-ID"
)

type HTTPServer struct {
	service    *Service
	logger     *zap.Logger
	corsOrigin string
	router     *gin.Engine
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{service: service, logger: logger.Named("http"), corsOrigin: corsOrigin}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) routes() *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = s.service.uploadMaxBytes + 1<<20
	router.Use(gin.Recovery())
	router.Use(s.requestLogger)
	router.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins(s.corsOrigin),
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}))
	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})

	api := router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/ready", s.handleReady)
	api.POST("/session/login", s.handleLogin)
	api.POST("/session/refresh", s.handleRefresh)

	authed := api.Group("")
	authed.Use(s.requireSession)

	authed.GET("/session", s.handleSession)
	authed.POST("/session/logout", s.handleLogout)

	authed.GET("/projects", s.handleListProjects)
	authed.POST("/projects", s.handleCreateProject)
	authed.GET("/projects/:id", s.handleGetProject)
	authed.PUT("/projects/:id", s.handleUpdateProject)
	authed.DELETE("/projects/:id", s.handleDeleteProject)
	authed.GET("/projects/:id/members", s.handleListMembers)
	authed.POST("/projects/:id/members", s.handleAddMember)
	authed.DELETE("/projects/:id/members/:memberId", s.handleRemoveMember)
	authed.GET("/projects/:id/documents", s.handleListDocuments)
	authed.POST("/projects/:id/documents", s.handleCreateDocument)
	authed.POST("/projects/:id/documents/upload", s.handleUploadDocument)

	authed.GET("/users", s.handleListUsers)
	authed.POST("/users", s.handleCreateUser)
	authed.PUT("/users/:userId/role", s.handleUpdateUserRole)

	authed.GET("/documents/:id", s.handleGetDocument)
	authed.GET("/documents/:id/versions", s.handleListVersions)
	authed.POST("/documents/:id/versions", s.handleCreateVersion)
	authed.POST("/documents/:id/versions/upload", s.handleUploadVersion)
	authed.GET("/documents/:id/diff", s.handleDiff)
	authed.GET("/documents/:id/approvals", s.handleListApprovals)
	authed.GET("/documents/:id/history", s.handleHistory)
	for _, trigger := range []workflow.Trigger{workflow.TriggerSubmit, workflow.TriggerApprove, workflow.TriggerReject, workflow.TriggerRelease} {
		authed.POST("/documents/:id/"+string(trigger), s.handleTransition(trigger))
	}

	authed.GET("/versions/:versionId", s.handleGetVersion)
	authed.GET("/versions/:versionId/comments", s.handleListComments)
	authed.POST("/versions/:versionId/comments", s.handleAddComment)
	authed.GET("/versions/:versionId/export", s.handleExport)
	authed.POST("/comments/:commentId/resolve", s.handleResolveComment)

	authed.GET("/files/:filename", s.handleFile)
	authed.GET("/search", s.handleSearch)
	return router
}

func (s *HTTPServer) requestLogger(c *gin.Context) {
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = randomRequestID()
	}
	c.Set(requestIDContextKey, requestID)
	c.Header(requestIDHeader, requestID)
	c.Header("Cache-Control", "no-store")

	started := time.Now()
	c.Next()

	s.logger.Info("request",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
}

func (s *HTTPServer) requireSession(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		c.Abort()
		return
	}
	current, err := s.service.SessionFromToken(c.Request.Context(), token)
	if err != nil {
		s.fail(c, err)
		c.Abort()
		return
	}
	c.Set(sessionContextKey, current)
	c.Next()
}

func currentSession(c *gin.Context) Session {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return Session{}
	}
	current, _ := value.(Session)
	return current
}

func actor(c *gin.Context) rbac.Actor {
	return currentSession(c).Actor()
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	if err := s.service.Ping(c.Request.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(c, http.StatusServiceUnavailable, "NOT_READY", "Store unavailable", nil)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ready"})
}

func (s *HTTPServer) handleLogin(c *gin.Context) {
	var in LoginInput
	if !decodeBody(c, &in) {
		return
	}
	tokens, err := s.service.Login(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"session": tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *HTTPServer) handleRefresh(c *gin.Context) {
	var in refreshRequest
	if !decodeBody(c, &in) {
		return
	}
	tokens, err := s.service.Refresh(c.Request.Context(), in.RefreshToken)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"session": tokens})
}

func (s *HTTPServer) handleLogout(c *gin.Context) {
	var in refreshRequest
	if c.Request.ContentLength != 0 && !decodeBody(c, &in) {
		return
	}
	s.service.Logout(c.Request.Context(), currentSession(c), in.RefreshToken)
	writeJSON(c, http.StatusOK, gin.H{})
}

func (s *HTTPServer) handleSession(c *gin.Context) {
	user, err := s.service.Me(c.Request.Context(), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"user": user, "expiresAt": currentSession(c).ExpiresAt})
}

func (s *HTTPServer) handleListProjects(c *gin.Context) {
	projects, err := s.service.ListProjects(c.Request.Context(), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"projects": projects})
}

func (s *HTTPServer) handleCreateProject(c *gin.Context) {
	var in ProjectInput
	if !decodeBody(c, &in) {
		return
	}
	project, err := s.service.CreateProject(c.Request.Context(), actor(c), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"project": project})
}

func (s *HTTPServer) handleGetProject(c *gin.Context) {
	project, err := s.service.GetProject(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"project": project})
}

func (s *HTTPServer) handleUpdateProject(c *gin.Context) {
	var in ProjectInput
	if !decodeBody(c, &in) {
		return
	}
	project, err := s.service.UpdateProject(c.Request.Context(), actor(c), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"project": project})
}

func (s *HTTPServer) handleDeleteProject(c *gin.Context) {
	if err := s.service.DeleteProject(c.Request.Context(), actor(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{})
}

func (s *HTTPServer) handleListMembers(c *gin.Context) {
	members, err := s.service.ListMembers(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"members": members})
}

func (s *HTTPServer) handleAddMember(c *gin.Context) {
	var in MemberInput
	if !decodeBody(c, &in) {
		return
	}
	member, err := s.service.AddMember(c.Request.Context(), actor(c), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"member": member})
}

func (s *HTTPServer) handleRemoveMember(c *gin.Context) {
	if err := s.service.RemoveMember(c.Request.Context(), actor(c), c.Param("id"), c.Param("memberId")); err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{})
}

func (s *HTTPServer) handleListDocuments(c *gin.Context) {
	docs, err := s.service.ListDocuments(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"documents": docs})
}

func (s *HTTPServer) handleCreateDocument(c *gin.Context) {
	var in DocumentInput
	if !decodeBody(c, &in) {
		return
	}
	doc, err := s.service.CreateDocument(c.Request.Context(), actor(c), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"document": doc})
}

func (s *HTTPServer) handleUploadDocument(c *gin.Context) {
	upload, ok := s.readUpload(c)
	if !ok {
		return
	}
	in := DocumentInput{
		Title:    c.PostForm("title"),
		Category: c.PostForm("category"),
	}
	if description, ok := c.GetPostForm("description"); ok {
		in.Description = &description
	}
	doc, err := s.service.CreateDocumentFromUpload(c.Request.Context(), actor(c), c.Param("id"), in, upload)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"document": doc})
}

func (s *HTTPServer) handleListUsers(c *gin.Context) {
	users, err := s.service.ListUsers(c.Request.Context(), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"users": users})
}

func (s *HTTPServer) handleCreateUser(c *gin.Context) {
	var in UserInput
	if !decodeBody(c, &in) {
		return
	}
	user, err := s.service.CreateUser(c.Request.Context(), actor(c), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"user": user})
}

type roleRequest struct {
	Role string `json:"role"`
}

func (s *HTTPServer) handleUpdateUserRole(c *gin.Context) {
	var in roleRequest
	if !decodeBody(c, &in) {
		return
	}
	user, err := s.service.UpdateUserRole(c.Request.Context(), actor(c), c.Param("userId"), in.Role)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"user": user})
}

func (s *HTTPServer) handleGetDocument(c *gin.Context) {
	doc, err := s.service.GetDocument(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"document": doc})
}

func (s *HTTPServer) handleListVersions(c *gin.Context) {
	versions, err := s.service.ListVersions(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"versions": versions})
}

func (s *HTTPServer) handleCreateVersion(c *gin.Context) {
	var in VersionInput
	if !decodeBody(c, &in) {
		return
	}
	version, err := s.service.CreateVersion(c.Request.Context(), actor(c), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"version": version})
}

func (s *HTTPServer) handleUploadVersion(c *gin.Context) {
	upload, ok := s.readUpload(c)
	if !ok {
		return
	}
	version, err := s.service.UploadVersion(c.Request.Context(), actor(c), c.Param("id"), upload, c.PostForm("changeLog"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"version": version})
}

func (s *HTTPServer) handleDiff(c *gin.Context) {
	from, ok := queryInt(c, "from")
	if !ok {
		return
	}
	to, ok := queryInt(c, "to")
	if !ok {
		return
	}
	view, err := s.service.Diff(c.Request.Context(), actor(c), c.Param("id"), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"from": view.From, "to": view.To, "diff": view.Result, "stats": view.Stats})
}

func (s *HTTPServer) handleListApprovals(c *gin.Context) {
	approvals, err := s.service.ListApprovals(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"approvals": approvals})
}

func (s *HTTPServer) handleHistory(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	commits, err := s.service.History(c.Request.Context(), actor(c), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"history": commits})
}

func (s *HTTPServer) handleTransition(trigger workflow.Trigger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in TransitionInput
		if c.Request.ContentLength != 0 && !decodeBody(c, &in) {
			return
		}
		result, err := s.service.Transition(c.Request.Context(), actor(c), c.Param("id"), trigger, in)
		if err != nil {
			s.fail(c, err)
			return
		}
		payload := gin.H{"document": result.Document, "from": result.From, "to": result.To}
		if result.Approval != nil {
			payload["approval"] = result.Approval
		}
		writeJSON(c, http.StatusOK, payload)
	}
}

func (s *HTTPServer) handleGetVersion(c *gin.Context) {
	view, err := s.service.GetVersion(c.Request.Context(), actor(c), c.Param("versionId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"version": view})
}

func (s *HTTPServer) handleListComments(c *gin.Context) {
	var line *int
	if raw := strings.TrimSpace(c.Query("line")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusUnprocessableEntity, CodeValidation, "line must be an integer", nil)
			return
		}
		line = &value
	}
	threads, err := s.service.ListComments(c.Request.Context(), actor(c), c.Param("versionId"), line)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"comments": threads, "open": comments.Open(threads)})
}

func (s *HTTPServer) handleAddComment(c *gin.Context) {
	var in CommentInput
	if !decodeBody(c, &in) {
		return
	}
	comment, err := s.service.AddComment(c.Request.Context(), actor(c), c.Param("versionId"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"comment": comment})
}

func (s *HTTPServer) handleResolveComment(c *gin.Context) {
	comment, err := s.service.ResolveComment(c.Request.Context(), actor(c), c.Param("commentId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"comment": comment})
}

func (s *HTTPServer) handleExport(c *gin.Context) {
	result, err := s.service.ExportVersion(c.Request.Context(), actor(c), c.Param("versionId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", attachment(result.Filename))
	c.Data(http.StatusOK, result.MimeType, result.Data)
}

func (s *HTTPServer) handleFile(c *gin.Context) {
	rc, info, err := s.service.OpenFile(c.Request.Context(), actor(c), c.Param("filename"))
	if err != nil {
		s.fail(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, info.Size, info.ContentType, rc, map[string]string{
		"Content-Disposition": attachment(info.Name),
	})
}

func (s *HTTPServer) handleSearch(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	response, err := s.service.Search(c.Request.Context(), actor(c), c.Query("q"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"results": response.Results, "total": response.Total, "query": response.Query})
}

// readUpload reads the multipart "file" field, bounded by the upload limit.
func (s *HTTPServer) readUpload(c *gin.Context) (Upload, bool) {
	header, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusUnprocessableEntity, CodeValidation, "Invalid input", gin.H{"file": "is required"})
		return Upload{}, false
	}
	if header.Size > s.service.uploadMaxBytes {
		writeError(c, http.StatusUnprocessableEntity, CodeValidation, "Invalid input",
			gin.H{"file": fmt.Sprintf("must not exceed %d bytes", s.service.uploadMaxBytes)})
		return Upload{}, false
	}
	file, err := header.Open()
	if err != nil {
		s.fail(c, fmt.Errorf("open upload: %w", err))
		return Upload{}, false
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, s.service.uploadMaxBytes+1))
	if err != nil {
		s.fail(c, fmt.Errorf("read upload: %w", err))
		return Upload{}, false
	}
	return Upload{FileName: header.Filename, ContentType: header.Header.Get("Content-Type"), Data: data}, true
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := c.Get(requestIDContextKey)
		s.logger.Error("request failed", zap.Any("request_id", requestID), zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	writeError(c, status, code, message, details)
}

func writeJSON(c *gin.Context, status int, payload gin.H) {
	body := gin.H{"success": true}
	for key, value := range payload {
		body[key] = value
	}
	c.JSON(status, body)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"success": false,
		"code":    code,
		"error":   message,
	}
	if details != nil {
		response["details"] = details
	}
	c.JSON(status, response)
}

func decodeBody(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		writeError(c, http.StatusUnprocessableEntity, CodeValidation, "Invalid JSON body", nil)
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		writeError(c, http.StatusUnprocessableEntity, CodeValidation, key+" must be an integer", nil)
		return 0, false
	}
	return value, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}

func allowedOrigins(value string) []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(value, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		origins = append(origins, "*")
	}
	return origins
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrStaleStatus), errors.Is(err, store.ErrDuplicateMember), errors.Is(err, store.ErrDuplicateEmail):
		return http.StatusConflict, CodeConflict, "Conflict", nil
	case errors.Is(err, extract.ErrExtractionFailed):
		return http.StatusUnprocessableEntity, CodeExtractionFailed, "Could not extract text from the uploaded document", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
