package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/doclog"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

type stubSessions struct {
	err error
}

func (s stubSessions) ValidateToken(string) (auth.SessionClaims, error) {
	return auth.SessionClaims{}, s.err
}

func (stubSessions) CookieName() string {
	return auth.DefaultCookieName
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/documents", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessions{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/documents", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessions{err: errors.New("signature mismatch")},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestCORSMiddlewareAllowsDeviceHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/sync/heartbeat", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/sync/heartbeat", http.NoBody)
	request.Header.Set("Origin", "https://reader.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "X-Device-ID")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "x-device-id") {
		t.Fatalf("expected Access-Control-Allow-Headers to include X-Device-ID, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingSessionValidator) {
		t.Fatalf("expected missing session validator, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Sessions: stubSessions{}}); !errors.Is(err, errMissingHeartbeatService) {
		t.Fatalf("expected missing heartbeat service, got %v", err)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	server := newTestServer(t)
	status, payload := server.do(t, http.MethodPost, "/sync/heartbeat", "", map[string]any{"item_id": "book-1"})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", status)
	}
	if payload["error"] != errInvalidAuthorization.Error() {
		t.Fatalf("unexpected error body: %v", payload)
	}
}

func TestHeartbeatEndpointReconcilesProgress(t *testing.T) {
	server := newTestServer(t)
	t0 := serverEpoch.UnixMilli()
	phone := server.token(t, "user-1", "phone")
	tablet := server.token(t, "user-1", "tablet")

	status, _ := server.do(t, http.MethodPost, "/sync/heartbeat", tablet, map[string]any{
		"item_id": "book-1",
		"client_updates": map[string]any{
			"reading_progress": map[string]any{"progress": 0.4, "last_location": "epubcfi(/6/4)", "timestamp": t0 + 1000},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("tablet heartbeat failed: %d", status)
	}

	status, payload := server.do(t, http.MethodPost, "/sync/heartbeat", phone, map[string]any{
		"item_id": "book-1",
		"client_updates": map[string]any{
			"reading_progress": map[string]any{"progress": 0.1, "last_location": "epubcfi(/6/2)", "timestamp": t0 + 2000},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("phone heartbeat failed: %d %v", status, payload)
	}
	progressResult, ok := payload["progress"].(map[string]any)
	if !ok {
		t.Fatalf("missing progress in %v", payload)
	}
	if progressResult["accepted"] != true {
		t.Fatalf("expected the later write to be accepted: %v", progressResult)
	}
	merged := progressResult["merged"].(map[string]any)
	if merged["progress"] != 0.1 || merged["last_writer_device"] != "phone" {
		t.Fatalf("unexpected merged progress: %v", merged)
	}
	if payload["full_resync"] != false {
		t.Fatalf("unexpected full resync: %v", payload["full_resync"])
	}
}

func TestHeartbeatEndpointReportsArtifactChanges(t *testing.T) {
	server := newTestServer(t)
	status, body := server.internal(t, http.MethodPut, "/internal/artifacts/book-1/ocr", testInternalToken, []byte("page one"))
	if status != http.StatusOK {
		t.Fatalf("artifact upload failed: %d %v", status, body)
	}
	expected := fingerprint.Of([]byte("page one")).String()
	if body["version"] != expected {
		t.Fatalf("unexpected artifact version: %v", body["version"])
	}

	status, payload := server.do(t, http.MethodPost, "/sync/heartbeat", server.token(t, "user-1", "phone"), map[string]any{
		"item_id":         "book-1",
		"client_versions": map[string]any{"ocr": nil, "metadata": nil, "vector_index": nil},
	})
	if status != http.StatusOK {
		t.Fatalf("heartbeat failed: %d", status)
	}
	changes := payload["changes"].([]any)
	if len(changes) != 1 {
		t.Fatalf("expected one change, got %v", changes)
	}
	change := changes[0].(map[string]any)
	if change["artifact"] != "ocr" || change["server_version"] != expected || change["client_version"] != nil {
		t.Fatalf("unexpected change descriptor: %v", change)
	}
	serverVersions := payload["server_versions"].(map[string]any)
	if serverVersions["metadata"] != nil {
		t.Fatalf("expected no metadata version, got %v", serverVersions["metadata"])
	}
}

func TestHeartbeatEndpointRejectsMalformedRequests(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t, "user-1", "phone")

	testCases := []struct {
		name      string
		body      map[string]any
		wantError string
	}{
		{name: "missing-item", body: map[string]any{"device_id": "phone"}, wantError: "invalid_request"},
		{name: "bad-token", body: map[string]any{"item_id": "book-1", "client_versions": map[string]any{"ocr": "md5:abc"}}, wantError: "invalid_client_versions"},
		{name: "bad-progress", body: map[string]any{"item_id": "book-1", "client_updates": map[string]any{
			"reading_progress": map[string]any{"progress": 2, "timestamp": serverEpoch.UnixMilli()},
		}}, wantError: "invalid_request"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, payload := server.do(t, http.MethodPost, "/sync/heartbeat", token, testCase.body)
			if status != http.StatusBadRequest {
				t.Fatalf("unexpected status: got %d want %d", status, http.StatusBadRequest)
			}
			if payload["error"] != testCase.wantError {
				t.Fatalf("expected error %s, got %v", testCase.wantError, payload["error"])
			}
		})
	}
}

func TestConflictCopyResolutionOverHTTP(t *testing.T) {
	server := newTestServer(t)
	phone := server.token(t, "user-1", "phone")
	tablet := server.token(t, "user-1", "tablet")
	write := func(token string, baseVersion int, content string) map[string]any {
		status, payload := server.do(t, http.MethodPost, "/sync/heartbeat", token, map[string]any{
			"item_id": "book-1",
			"client_updates": map[string]any{
				"documents": []map[string]any{{"id": "note-1", "base_version": baseVersion, "content": content}},
			},
		})
		if status != http.StatusOK {
			t.Fatalf("heartbeat failed: %d %v", status, payload)
		}
		return payload
	}

	write(phone, 0, "first draft")
	write(phone, 1, "phone edit")
	stale := write(tablet, 1, "tablet edit")
	conflicts := stale["conflicts"].([]any)
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %v", stale["conflicts"])
	}
	copyID := conflicts[0].(map[string]any)["conflict_copy_id"].(string)

	status, listed := server.do(t, http.MethodGet, "/documents?item_id=book-1", phone, nil)
	if status != http.StatusOK || len(listed["documents"].([]any)) != 2 {
		t.Fatalf("expected original and copy, got %d %v", status, listed)
	}

	status, resolved := server.do(t, http.MethodPost, "/documents/"+copyID+"/resolve", phone, map[string]any{"action": "keep"})
	if status != http.StatusOK {
		t.Fatalf("resolve failed: %d %v", status, resolved)
	}
	if resolved["document_id"] != "note-1" || resolved["content"] != "tablet edit" || resolved["version"] != float64(3) {
		t.Fatalf("unexpected resolution: %v", resolved)
	}

	status, missing := server.do(t, http.MethodPost, "/documents/"+copyID+"/resolve", phone, map[string]any{"action": "discard"})
	if status != http.StatusNotFound || missing["error"] != "document_not_found" {
		t.Fatalf("expected not found for resolved copy, got %d %v", status, missing)
	}
	status, original := server.do(t, http.MethodPost, "/documents/note-1/resolve", phone, map[string]any{"action": "discard"})
	if status != http.StatusConflict || original["error"] != "not_conflict_copy" {
		t.Fatalf("expected conflict for an original, got %d %v", status, original)
	}
}

func TestCollaborativeDocumentEndpoints(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t, "user-1", "laptop")

	revisions := []string{"Dune", "Dune notes", "Dune notes: spice"}
	previous := ""
	for index, revision := range revisions {
		status, payload := server.do(t, http.MethodPost, "/collab/doc-1/events", token, map[string]any{
			"client_event_id": "edit-" + string(rune('a'+index)),
			"delta":           doclog.Diff(previous, revision).String(),
		})
		if status != http.StatusCreated {
			t.Fatalf("append %d failed: %d %v", index, status, payload)
		}
		previous = revision
	}

	status, duplicate := server.do(t, http.MethodPost, "/collab/doc-1/events", token, map[string]any{
		"client_event_id": "edit-c",
		"delta":           doclog.Diff(revisions[1], revisions[2]).String(),
	})
	if status != http.StatusOK || duplicate["duplicate"] != true {
		t.Fatalf("expected duplicate append, got %d %v", status, duplicate)
	}

	status, invalid := server.do(t, http.MethodPost, "/collab/doc-1/events", token, map[string]any{
		"client_event_id": "edit-z",
		"delta":           "not a patch",
	})
	if status != http.StatusBadRequest || invalid["error"] != "invalid_delta" {
		t.Fatalf("expected invalid delta, got %d %v", status, invalid)
	}

	status, stale := server.do(t, http.MethodPost, "/collab/doc-1/events", token, map[string]any{
		"client_event_id": "edit-y",
		"delta":           doclog.Diff("0123456789 0123456789 0123456789", "0123456789 IMPORTANT EDIT 0123456789").String(),
	})
	if status != http.StatusConflict || stale["error"] != "delta_not_applicable" || stale["code"] != "doclog.append.not_applicable" {
		t.Fatalf("expected a foreign-base delta to be rejected, got %d %v", status, stale)
	}

	status, compacted := server.do(t, http.MethodPost, "/collab/doc-1/compact", token, map[string]any{"prune": true})
	if status != http.StatusOK || compacted["folded_events"] != float64(3) {
		t.Fatalf("unexpected compaction: %d %v", status, compacted)
	}

	status, state := server.do(t, http.MethodGet, "/collab/doc-1?after=0", token, nil)
	if status != http.StatusOK {
		t.Fatalf("materialize failed: %d", status)
	}
	if state["content"] != revisions[len(revisions)-1] {
		t.Fatalf("unexpected content: %v", state["content"])
	}
	if _, present := state["events"]; present {
		t.Fatalf("expected pruned events to be gone, got %v", state["events"])
	}
}

func TestInternalEndpointsRequireToken(t *testing.T) {
	server := newTestServer(t)
	status, _ := server.internal(t, http.MethodPost, "/internal/events", "wrong", []byte(`{}`))
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", status)
	}
}

func TestInternalNotifyQueuesEventForHeartbeat(t *testing.T) {
	server := newTestServer(t)
	status, body := server.internal(t, http.MethodPost, "/internal/events", testInternalToken,
		[]byte(`{"user_id":"user-1","item_id":"book-1","kind":"analysis-done","payload":{"analysis":"summary","result_ref":"s3://summaries/book-1"}}`))
	if status != http.StatusAccepted || body["accepted"] != true {
		t.Fatalf("notify failed: %d %v", status, body)
	}

	status, invalid := server.internal(t, http.MethodPost, "/internal/events", testInternalToken,
		[]byte(`{"user_id":"user-1","item_id":"book-1","kind":"book-burned"}`))
	if status != http.StatusBadRequest || invalid["error"] != "invalid_kind" {
		t.Fatalf("expected invalid kind, got %d %v", status, invalid)
	}

	token := server.token(t, "user-1", "phone")
	_, first := server.do(t, http.MethodPost, "/sync/heartbeat", token, map[string]any{"item_id": "book-1"})
	drained := first["events"].([]any)
	if len(drained) != 1 {
		t.Fatalf("expected one event, got %v", drained)
	}
	event := drained[0].(map[string]any)
	if event["kind"] != string(events.KindAnalysisDone) || event["item_id"] != "book-1" {
		t.Fatalf("unexpected event: %v", event)
	}
	if event["payload"].(map[string]any)["result_ref"] != "s3://summaries/book-1" {
		t.Fatalf("unexpected payload: %v", event["payload"])
	}
	if first["more_pending"] != false {
		t.Fatalf("expected nothing left pending, got %v", first["more_pending"])
	}

	_, second := server.do(t, http.MethodPost, "/sync/heartbeat", token, map[string]any{"item_id": "book-1"})
	if len(second["events"].([]any)) != 0 {
		t.Fatalf("expected drained events not to repeat, got %v", second["events"])
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	server := newTestServer(t)
	status, payload := server.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", status, payload)
	}

	response, err := http.Get(server.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(string(raw), "shelfsync_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestRespondWithErrorIncludesServiceCode(t *testing.T) {
	gin.SetMode(gin.TestMode)

	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(context.Background())
	respondWithError(ctx, http.StatusInternalServerError, "heartbeat_failed",
		svcerr.New("events.drain_pending", "claim_failed", errors.New("locked")))
	if !strings.Contains(recorder.Body.String(), `"code":"events.drain_pending.claim_failed"`) {
		t.Fatalf("expected service code in body: %s", recorder.Body.String())
	}

	plain := httptest.NewRecorder()
	plainCtx, _ := gin.CreateTestContext(plain)
	plainCtx.Request = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	respondWithError(plainCtx, http.StatusInternalServerError, "heartbeat_failed", errors.New("plain"))
	if strings.Contains(plain.Body.String(), "code") {
		t.Fatalf("plain errors must not carry a code: %s", plain.Body.String())
	}
}
