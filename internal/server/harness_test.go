package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/doclog"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/heartbeat"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/testdb"
)

const (
	testSigningSecret = "test-signing-secret"
	testInternalToken = "internal-secret"
)

var serverEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	server    *httptest.Server
	clock     clockwork.FakeClock
	issuer    *auth.SessionIssuer
	queue     *events.Queue
	realtime  *RealtimeDispatcher
	metrics   *metrics.Provider
	documents *documents.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database := testdb.Open(t,
		&progress.ReadingProgress{},
		&documents.VersionedDocument{},
		&documents.WriteReceipt{},
		&events.SyncEvent{},
		&events.ResyncFlag{},
		&artifacts.ItemArtifact{},
		&doclog.DocEvent{},
		&doclog.DocSnapshot{},
	)
	clock := clockwork.NewFakeClockAt(serverEpoch)
	idProvider := ids.NewUUIDProvider()
	recorder := metrics.NewProvider()
	realtime := NewRealtimeDispatcher()

	queue, err := events.NewQueue(events.QueueConfig{Database: database, Clock: clock.Now, IDProvider: idProvider, Metrics: recorder})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	source, err := artifacts.NewStoredSource(artifacts.StoredSourceConfig{Database: database, Clock: clock.Now})
	if err != nil {
		t.Fatalf("artifact source: %v", err)
	}
	versioner, err := artifacts.NewVersioner(artifacts.VersionerConfig{Source: source, CacheSizeMB: 1, CacheTTLSeconds: 60})
	if err != nil {
		t.Fatalf("versioner: %v", err)
	}
	progressStore, err := progress.NewStore(progress.StoreConfig{Database: database, Clock: clock.Now})
	if err != nil {
		t.Fatalf("progress store: %v", err)
	}
	documentStore, err := documents.NewStore(documents.StoreConfig{
		Database:   database,
		Clock:      clock.Now,
		IDProvider: idProvider,
		Queue:      queue,
		Metrics:    recorder,
	})
	if err != nil {
		t.Fatalf("document store: %v", err)
	}
	docLog, err := doclog.NewService(doclog.ServiceConfig{Database: database, Clock: clock.Now, Metrics: recorder})
	if err != nil {
		t.Fatalf("doclog: %v", err)
	}
	heartbeatService, err := heartbeat.NewService(heartbeat.ServiceConfig{
		Database:  database,
		Clock:     clock.Now,
		Metrics:   recorder,
		Versions:  versioner,
		Progress:  progressStore,
		Documents: documentStore,
		Queue:     queue,
		Publisher: realtime,
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	notifier := events.NewNotifier(events.NotifierConfig{
		Queue:       queue,
		Metrics:     recorder,
		Invalidator: versioner,
		Publisher:   realtime,
	})

	sessionConfig := auth.SessionConfig{SigningSecret: []byte(testSigningSecret), Clock: clock.Now}
	validator, err := auth.NewSessionValidator(sessionConfig)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(sessionConfig)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       validator,
		Heartbeat:      heartbeatService,
		Documents:      documentStore,
		DocLog:         docLog,
		Realtime:       realtime,
		Notifier:       notifier,
		Artifacts:      source,
		ArtifactCache:  versioner,
		InternalToken:  testInternalToken,
		Metrics:        recorder,
		MetricsHandler: recorder.Handler(),
		KeepAlive:      time.Hour,
		Clock:          clock.Now,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{
		server:    server,
		clock:     clock,
		issuer:    issuer,
		queue:     queue,
		realtime:  realtime,
		metrics:   recorder,
		documents: documentStore,
	}
}

func (s *testServer) token(t *testing.T, userID ids.UserID, deviceID ids.DeviceID) string {
	t.Helper()
	token, _, err := s.issuer.Issue(userID, deviceID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	payload := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("failed to decode %s: %v", raw, err)
		}
	}
	return response.StatusCode, payload
}

func (s *testServer) internal(t *testing.T, method, path, token string, body []byte) (int, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set(internalTokenHeader, token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response.StatusCode, payload
}
