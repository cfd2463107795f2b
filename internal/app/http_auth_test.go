package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"redress/api/internal/auth"
	"redress/api/internal/export"
	"redress/api/internal/util"
	"redress/api/internal/workflow"
)

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
	return payload
}

// bearerFor issues a signed access token for a user with the given role,
// bypassing the login flow so non-editor roles can be exercised.
func bearerFor(t *testing.T, svc *Service, ms *memStore, name, role string) string {
	t.Helper()
	user, err := ms.EnsureUserByName(context.Background(), name, role)
	if err != nil {
		t.Fatalf("EnsureUserByName() error = %v", err)
	}
	token, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  util.NewID("jti"),
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func doJSON(server *HTTPServer, method, path, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestSessionLoginReturnsContract(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	rr := doJSON(server, http.MethodPost, "/api/session/login", "", `{"name":"  Avery  "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}

	if token, _ := payload["token"].(string); token == "" {
		t.Fatalf("expected token")
	}
	if refreshToken, _ := payload["refreshToken"].(string); refreshToken == "" {
		t.Fatalf("expected refreshToken")
	}
	if payload["userName"] != "Avery" {
		t.Fatalf("expected trimmed userName Avery, got %v", payload["userName"])
	}
	if payload["role"] != "editor" {
		t.Fatalf("expected default role editor, got %v", payload["role"])
	}
}

func TestSessionLoginRejectsInvalidBody(t *testing.T) {
	server := NewHTTPServer(newTestService(newMemStore(), &fakeArchive{}), nil, "*")
	rr := doJSON(server, http.MethodPost, "/api/session/login", "", `{"name":`)
	assertErrorCode(t, rr, http.StatusBadRequest, "INVALID_BODY")
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(newMemStore(), &fakeArchive{}), nil, "*")
	rr := doJSON(server, http.MethodGet, "/api/letters", "", "")
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestProtectedRouteWithInvalidBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(newMemStore(), &fakeArchive{}), nil, "*")
	rr := doJSON(server, http.MethodGet, "/api/letters", "definitely-not-a-token", "")
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	user, _ := ms.EnsureUserByName(context.Background(), "Avery", "editor")
	token, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  "jti-expired",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	rr := doJSON(server, http.MethodGet, "/api/letters", token, "")
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestSessionEndpointReportsAuthentication(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	rr := doJSON(server, http.MethodGet, "/api/session", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var anon map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &anon); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if anon["authenticated"] != false {
		t.Fatalf("expected authenticated=false without token, got %v", anon["authenticated"])
	}

	token := bearerFor(t, svc, ms, "Jamie L.", "viewer")
	rr = doJSON(server, http.MethodGet, "/api/session", token, "")
	var authed map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &authed); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if authed["authenticated"] != true || authed["userName"] != "Jamie L." || authed["role"] != "viewer" {
		t.Fatalf("unexpected session payload: %v", authed)
	}
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	session, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	rr := doJSON(server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if token, _ := payload["token"].(string); token == "" {
		t.Fatalf("expected fresh token from refresh")
	}

	// Refresh tokens are single use; replaying the consumed one fails.
	rr = doJSON(server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	session, err := svc.Login(context.Background(), "Avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	rr := doJSON(server, http.MethodPost, "/api/session/logout", session.Token, `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = doJSON(server, http.MethodGet, "/api/letters", session.Token, "")
	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestRoleCapabilitiesOverHTTP(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	letterID := createTestLetter(t, svc, 80)

	editor := bearerFor(t, svc, ms, "Avery", "editor")
	approver := bearerFor(t, svc, ms, "Marcus K.", "approver")
	viewer := bearerFor(t, svc, ms, "Jamie L.", "viewer")

	tests := []struct {
		name       string
		token      string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"viewer reads letters", viewer, http.MethodGet, "/api/letters", "", http.StatusOK},
		{"viewer cannot create", viewer, http.MethodPost, "/api/letters", `{"title":"T"}`, http.StatusForbidden},
		{"viewer cannot submit", viewer, http.MethodPost, "/api/letters/" + letterID + "/submit", "", http.StatusForbidden},
		{"approver cannot edit content", approver, http.MethodPut, "/api/letters/" + letterID + "/content", `{"content":"x","complianceScore":80}`, http.StatusForbidden},
		{"editor cannot approve", editor, http.MethodPost, "/api/letters/" + letterID + "/approve", "", http.StatusForbidden},
		{"approver reads history", approver, http.MethodGet, "/api/letters/" + letterID + "/history", "", http.StatusOK},
		{"editor edits content", editor, http.MethodPut, "/api/letters/" + letterID + "/content", `{"content":"x","complianceScore":80}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(server, tt.method, tt.path, tt.token, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d body=%s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSubmitOverHTTPReturnsComplianceDetails(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	letterID := createTestLetter(t, svc, 50)
	editor := bearerFor(t, svc, ms, "Avery", "editor")

	rr := doJSON(server, http.MethodPost, "/api/letters/"+letterID+"/submit", editor, "")
	payload := assertErrorCode(t, rr, http.StatusUnprocessableEntity, "COMPLIANCE_BELOW_THRESHOLD")

	details, ok := payload["details"].(map[string]any)
	if !ok {
		t.Fatalf("expected details object, got %v", payload["details"])
	}
	if details["score"] != float64(50) || details["threshold"] != float64(70) {
		t.Fatalf("expected score 50 against threshold 70, got %v", details)
	}
}

func TestApproveDraftOverHTTPReturnsInvalidTransition(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	letterID := createTestLetter(t, svc, 80)
	approver := bearerFor(t, svc, ms, "Marcus K.", "approver")

	rr := doJSON(server, http.MethodPost, "/api/letters/"+letterID+"/approve", approver, "")
	payload := assertErrorCode(t, rr, http.StatusConflict, "INVALID_TRANSITION")

	details, ok := payload["details"].(map[string]any)
	if !ok {
		t.Fatalf("expected details object, got %v", payload["details"])
	}
	if details["state"] != "DRAFT" || details["action"] != "approve" {
		t.Fatalf("expected action approve in state DRAFT, got %v", details)
	}
}

func TestRejectOverHTTPRequiresReason(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	letterID := createTestLetter(t, svc, 80)
	if _, err := svc.Transition(context.Background(), letterID, workflow.ActionSubmitForReview, testActor, TransitionInput{}); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	approver := bearerFor(t, svc, ms, "Marcus K.", "approver")

	rr := doJSON(server, http.MethodPost, "/api/letters/"+letterID+"/reject", approver, `{"reason":"nope"}`)
	payload := assertErrorCode(t, rr, http.StatusUnprocessableEntity, "MISSING_REASON")

	details, ok := payload["details"].(map[string]any)
	if !ok || details["minLength"] != float64(10) {
		t.Fatalf("expected minLength 10 in details, got %v", payload["details"])
	}
}

func TestUnknownLetterReturnsNotFound(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")
	viewer := bearerFor(t, svc, ms, "Jamie L.", "viewer")

	rr := doJSON(server, http.MethodGet, "/api/letters/ltr_missing", viewer, "")
	assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestDiffEndpointValidatesQueryParams(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	letterID := createTestLetter(t, svc, 80)
	viewer := bearerFor(t, svc, ms, "Jamie L.", "viewer")

	rr := doJSON(server, http.MethodGet, "/api/letters/"+letterID+"/diff?from=abc&to=2", viewer, "")
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr = doJSON(server, http.MethodGet, "/api/letters/"+letterID+"/diff?from=1&to=0", viewer, "")
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestVersionRoutesOverHTTP(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	letterID := createTestLetter(t, svc, 80)
	editor := bearerFor(t, svc, ms, "Avery", "editor")

	assertVersion := func(rr *httptest.ResponseRecorder, want float64) map[string]any {
		t.Helper()
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		if payload["versionNumber"] != want {
			t.Fatalf("expected versionNumber %v, got %v", want, payload["versionNumber"])
		}
		return payload
	}

	rr := doJSON(server, http.MethodPost, "/api/letters/"+letterID+"/versions", editor, "")
	assertVersion(rr, 1)

	rr = doJSON(server, http.MethodPost, "/api/letters/"+letterID+"/refine", editor, `{"content":"Revised demand.","complianceScore":85,"instruction":"tighten tone"}`)
	payload := assertVersion(rr, 2)
	if payload["isCurrent"] != true || payload["originInstruction"] != "tighten tone" {
		t.Fatalf("unexpected refine payload: %v", payload)
	}

	rr = doJSON(server, http.MethodPost, "/api/letters/"+letterID+"/undo", editor, "")
	assertVersion(rr, 1)

	rr = doJSON(server, http.MethodPost, "/api/letters/"+letterID+"/redo", editor, "")
	assertVersion(rr, 2)

	rr = doJSON(server, http.MethodGet, "/api/letters/"+letterID+"/versions", editor, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list versions: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var listing map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
		t.Fatalf("parse listing: %v", err)
	}
	if listing["currentVersion"] != float64(2) {
		t.Fatalf("expected currentVersion 2, got %v", listing["currentVersion"])
	}
	versions, ok := listing["versions"].([]any)
	if !ok || len(versions) != 2 {
		t.Fatalf("expected two versions, got %v", listing["versions"])
	}
}

func TestExportUnavailableWithoutExporter(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, nil, "*")

	letterID := createTestLetter(t, svc, 80)
	viewer := bearerFor(t, svc, ms, "Jamie L.", "viewer")

	rr := doJSON(server, http.MethodGet, "/api/letters/"+letterID+"/export?format=pdf", viewer, "")
	assertErrorCode(t, rr, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE")
}

func TestExportValidatesQueryParams(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeArchive{})
	server := NewHTTPServer(svc, export.NewService(ms), "*")

	letterID := createTestLetter(t, svc, 80)
	viewer := bearerFor(t, svc, ms, "Jamie L.", "viewer")

	rr := doJSON(server, http.MethodGet, "/api/letters/"+letterID+"/export", viewer, "")
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr = doJSON(server, http.MethodGet, "/api/letters/"+letterID+"/export?format=xls", viewer, "")
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr = doJSON(server, http.MethodGet, "/api/letters/"+letterID+"/export?format=pdf&version=zero", viewer, "")
	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr = doJSON(server, http.MethodPost, "/api/letters/"+letterID+"/export?format=pdf", viewer, "")
	assertErrorCode(t, rr, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
}
