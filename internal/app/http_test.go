package app

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sufyansidqy/dms/internal/authpw"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func newAPIClient(t *testing.T) (*harness, *apiClient) {
	t.Helper()
	h := newHarness(t, func(cfg *ServiceConfig) {
		cfg.Passwords = authpw.NewService(cfg.Store, true)
	})
	server := NewHTTPServer(h.svc, "http://localhost:3000", zap.NewNop())
	return h, &apiClient{t: t, handler: server.Handler()}
}

func (c *apiClient) do(method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	c.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, token)
}

func (c *apiClient) send(req *http.Request, token string) (*httptest.ResponseRecorder, map[string]any) {
	c.t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	payload := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			c.t.Fatalf("decode %s %s response: %v (%s)", req.Method, req.URL.Path, err, rec.Body.String())
		}
	}
	return rec, payload
}

func (c *apiClient) login(email string) string {
	c.t.Helper()
	rec, payload := c.do(http.MethodPost, "/api/session/login", "", map[string]string{"email": email})
	if rec.Code != http.StatusOK {
		c.t.Fatalf("login %s: status %d (%s)", email, rec.Code, rec.Body.String())
	}
	session, _ := payload["session"].(map[string]any)
	token, _ := session["accessToken"].(string)
	if token == "" {
		c.t.Fatalf("login %s: missing access token in %v", email, payload)
	}
	return token
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, rec.Code, rec.Body.String())
	}
}

func expectErrorCode(t *testing.T, payload map[string]any, code string) {
	t.Helper()
	if payload["success"] != false || payload["code"] != code {
		t.Fatalf("expected error code %s, got %v", code, payload)
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	_, api := newAPIClient(t)

	rec, payload := api.do(http.MethodGet, "/api/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if payload["success"] != true || payload["status"] != "ok" {
		t.Fatalf("unexpected health payload %v", payload)
	}

	rec, payload = api.do(http.MethodGet, "/api/ready", "", nil)
	expectStatus(t, rec, http.StatusOK)

	rec, payload = api.do(http.MethodGet, "/api/nope", "", nil)
	expectStatus(t, rec, http.StatusNotFound)
	expectErrorCode(t, payload, CodeNotFound)
}

func TestRequestIDIsEchoed(t *testing.T) {
	_, api := newAPIClient(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec, _ := api.send(req, "")
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	rec, _ = api.do(http.MethodGet, "/api/health", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	_, api := newAPIClient(t)

	tests := []struct {
		name  string
		path  string
		token string
	}{
		{name: "missing token", path: "/api/projects"},
		{name: "malformed token", path: "/api/projects", token: "not-a-jwt"},
		{name: "session", path: "/api/session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, payload := api.do(http.MethodGet, tt.path, tt.token, nil)
			expectStatus(t, rec, http.StatusUnauthorized)
			expectErrorCode(t, payload, CodeUnauthorized)
		})
	}

	rec, payload := api.do(http.MethodPost, "/api/session/login", "", map[string]string{"email": "ghost@dms.test"})
	expectStatus(t, rec, http.StatusUnauthorized)
	expectErrorCode(t, payload, CodeUnauthorized)
}

func TestInvalidJSONBody(t *testing.T) {
	h, api := newAPIClient(t)
	token := api.login("creator@dms.test")

	rec, payload := api.do(http.MethodPost, "/api/projects/"+h.project.ID+"/documents", token, "{not json")
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	expectErrorCode(t, payload, CodeValidation)
}

func TestDocumentFlowOverHTTP(t *testing.T) {
	h, api := newAPIClient(t)
	creator := api.login("creator@dms.test")
	reviewer := api.login("reviewer@dms.test")
	outsider := api.login("outsider@dms.test")

	rec, payload := api.do(http.MethodGet, "/api/session", creator, nil)
	expectStatus(t, rec, http.StatusOK)
	if user, _ := payload["user"].(map[string]any); user["email"] != "creator@dms.test" {
		t.Fatalf("unexpected session payload %v", payload)
	}

	rec, payload = api.do(http.MethodPost, "/api/projects/"+h.project.ID+"/documents", creator, map[string]string{
		"title":   "Culvert Design",
		"content": "intro\nbody",
	})
	expectStatus(t, rec, http.StatusCreated)
	doc, _ := payload["document"].(map[string]any)
	docID, _ := doc["id"].(string)
	if docID == "" || doc["status"] != "Draft" {
		t.Fatalf("unexpected document payload %v", payload)
	}
	current, _ := doc["currentVersion"].(map[string]any)
	versionID, _ := current["id"].(string)
	if versionID == "" {
		t.Fatalf("expected a current version in %v", doc)
	}

	rec, payload = api.do(http.MethodPost, "/api/documents/"+docID+"/versions", creator, map[string]string{
		"content":   "intro\nbody\noutro",
		"changeLog": "Add outro",
	})
	expectStatus(t, rec, http.StatusCreated)

	rec, payload = api.do(http.MethodGet, "/api/documents/"+docID+"/diff", reviewer, nil)
	expectStatus(t, rec, http.StatusOK)
	stats, _ := payload["stats"].(map[string]any)
	if stats["added"] != float64(1) || stats["unchanged"] != float64(2) {
		t.Fatalf("unexpected diff stats %v", payload["stats"])
	}

	rec, payload = api.do(http.MethodPost, "/api/versions/"+versionID+"/comments", reviewer, map[string]any{
		"content":    "Expand the intro",
		"lineNumber": 1,
	})
	expectStatus(t, rec, http.StatusCreated)

	rec, payload = api.do(http.MethodGet, "/api/versions/"+versionID+"/comments", creator, nil)
	expectStatus(t, rec, http.StatusOK)
	if threads, _ := payload["comments"].([]any); len(threads) != 1 || payload["open"] != float64(1) {
		t.Fatalf("unexpected comments payload %v", payload)
	}

	rec, payload = api.do(http.MethodPost, "/api/documents/"+docID+"/approve", reviewer, nil)
	expectStatus(t, rec, http.StatusConflict)
	expectErrorCode(t, payload, CodeInvalidTransition)

	rec, _ = api.do(http.MethodPost, "/api/documents/"+docID+"/submit", creator, nil)
	expectStatus(t, rec, http.StatusOK)
	rec, payload = api.do(http.MethodPost, "/api/documents/"+docID+"/approve", reviewer, map[string]string{"comments": "Approved for release"})
	expectStatus(t, rec, http.StatusOK)
	if payload["to"] != "Approved" {
		t.Fatalf("unexpected transition payload %v", payload)
	}

	rec, payload = api.do(http.MethodGet, "/api/documents/"+docID+"/approvals", creator, nil)
	expectStatus(t, rec, http.StatusOK)
	if approvals, _ := payload["approvals"].([]any); len(approvals) != 1 {
		t.Fatalf("unexpected approvals payload %v", payload)
	}

	rec, payload = api.do(http.MethodGet, "/api/documents/"+docID, outsider, nil)
	expectStatus(t, rec, http.StatusForbidden)
	expectErrorCode(t, payload, CodeForbidden)

	rec, payload = api.do(http.MethodGet, "/api/search?q=culvert", reviewer, nil)
	expectStatus(t, rec, http.StatusOK)
	if payload["total"] != float64(1) {
		t.Fatalf("unexpected search payload %v", payload)
	}

	textFile := docID + "_culvert-design-v1.txt"
	rec, _ = api.do(http.MethodGet, "/api/files/"+textFile, reviewer, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="`+textFile+`"` {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}
	if rec.Body.String() != "intro\nbody" {
		t.Fatalf("unexpected file body %q", rec.Body.String())
	}

	rec, _ = api.do(http.MethodGet, "/api/versions/"+versionID+"/export", reviewer, nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected export content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestUploadOverHTTP(t *testing.T) {
	h, api := newAPIClient(t)
	creator := api.login("creator@dms.test")

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("category", "Reports"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := writer.CreateFormFile("file", "Inspection.docx")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(buildDocx(t, "Deck inspected", "No cracks found")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+h.project.ID+"/documents/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec, payload := api.send(req, creator)
	expectStatus(t, rec, http.StatusCreated)
	doc, _ := payload["document"].(map[string]any)
	if doc["title"] != "Inspection" || doc["category"] != "Reports" {
		t.Fatalf("unexpected upload payload %v", payload)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/projects/"+h.project.ID+"/documents/upload", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec, payload = api.send(req, creator)
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	expectErrorCode(t, payload, CodeValidation)
}

func TestAdminEndpoints(t *testing.T) {
	h, api := newAPIClient(t)
	admin := api.login("admin@dms.test")
	creator := api.login("creator@dms.test")

	rec, payload := api.do(http.MethodPost, "/api/projects", creator, map[string]string{"name": "Denied"})
	expectStatus(t, rec, http.StatusForbidden)
	expectErrorCode(t, payload, CodeForbidden)

	rec, payload = api.do(http.MethodPost, "/api/projects", admin, map[string]string{"name": "Tunnel"})
	expectStatus(t, rec, http.StatusCreated)
	project, _ := payload["project"].(map[string]any)
	projectID, _ := project["id"].(string)

	rec, payload = api.do(http.MethodPost, "/api/projects/"+projectID+"/members", admin, map[string]string{
		"userId": h.creator.UserID,
		"role":   "Creator",
	})
	expectStatus(t, rec, http.StatusCreated)
	rec, payload = api.do(http.MethodPost, "/api/projects/"+projectID+"/members", admin, map[string]string{
		"userId": h.creator.UserID,
		"role":   "Viewer",
	})
	expectStatus(t, rec, http.StatusConflict)
	expectErrorCode(t, payload, CodeConflict)

	rec, payload = api.do(http.MethodPut, "/api/users/"+h.admin.UserID+"/role", admin, map[string]string{"role": "User"})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	expectErrorCode(t, payload, CodeValidation)

	rec, payload = api.do(http.MethodPost, "/api/users", admin, map[string]string{"email": "bad", "name": "Bad"})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if details, _ := payload["details"].(map[string]any); details["email"] == nil {
		t.Fatalf("expected an email detail, got %v", payload)
	}

	rec, payload = api.do(http.MethodGet, "/api/users", admin, nil)
	expectStatus(t, rec, http.StatusOK)
	if users, _ := payload["users"].([]any); len(users) != 5 {
		t.Fatalf("expected five users, got %v", payload["users"])
	}

	rec, _ = api.do(http.MethodDelete, "/api/projects/"+projectID, admin, nil)
	expectStatus(t, rec, http.StatusOK)
}
