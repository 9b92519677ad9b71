package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/neocraft/trilium/internal/auth"
	"github.com/neocraft/trilium/internal/ingest"
	"github.com/neocraft/trilium/internal/replicas"
	"github.com/neocraft/trilium/internal/syncupdate"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testStack struct {
	handler  http.Handler
	issuer   *auth.TokenIssuer
	realtime *RealtimeDispatcher
}

func newTestStack(t *testing.T) testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(append(syncupdate.Models(), &replicas.Replica{})...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	engine, err := syncupdate.NewEngine(syncupdate.EngineConfig{
		Database:      db,
		IDProvider:    syncupdate.NewUUIDProvider(),
		SyncedOptions: syncupdate.NewOptionWhitelist(syncupdate.DefaultSyncedOptions...),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	replicaService, err := replicas.NewService(replicas.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct replica service: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	driver, err := ingest.NewDriver(ingest.DriverConfig{
		Reconciler: engine,
		Replicas:   replicaService,
		Notifier:   dispatcher,
		Retry:      ingest.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to construct driver: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "trilium-sync-test",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Driver:       driver,
		Events:       engine,
		Replicas:     replicaService,
		Realtime:     dispatcher,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testStack{handler: handler, issuer: issuer, realtime: dispatcher}
}

func (s testStack) token(t *testing.T, replicaID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueReplicaToken(replicaID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s testStack) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

const noteBatch = `{"records":[
	{"entity_name":"notes","entity":{"note_id":"n1","note_title":"hello","note_text":"body","date_modified":100},"links":[{"target_note_id":"n2"}]},
	{"entity_name":"options","entity":{"opt_name":"theme","opt_value":"dark","date_modified":100}},
	{"entity_name":"options","entity":{"opt_name":"username","opt_value":"alice","date_modified":100}},
	{"entity_name":"gadgets","entity":{}}
]}`

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t)
	recorder := stack.do(t, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestSyncUpdateRequiresToken(t *testing.T) {
	stack := newTestStack(t)
	recorder := stack.do(t, http.MethodPost, "/sync/update", "", noteBatch)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
}

func TestSyncUpdateAppliesBatchAndListsEvents(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "replica-a")

	recorder := stack.do(t, http.MethodPost, "/sync/update", token, noteBatch)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected sync status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Results []ingest.Result `json:"results"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode sync response: %v", err)
	}
	if len(response.Results) != 4 {
		t.Fatalf("expected four results, got %d", len(response.Results))
	}
	expectedOutcomes := []string{"accepted", "ignored", "accepted", ingest.OutcomeFailed}
	for index, outcome := range expectedOutcomes {
		if response.Results[index].Outcome != outcome {
			t.Fatalf("result %d: expected %s, got %+v", index, outcome, response.Results[index])
		}
	}

	recorder = stack.do(t, http.MethodPost, "/sync/update", token, noteBatch)
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode sync response: %v", err)
	}
	if response.Results[0].Outcome != "accepted" || response.Results[2].Outcome != "rejected" {
		t.Fatalf("expected note tie accepted and option tie rejected, got %+v", response.Results)
	}

	recorder = stack.do(t, http.MethodGet, "/sync/events?limit=10", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected events status %d", recorder.Code)
	}
	var events struct {
		Events []struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"events"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &events); err != nil {
		t.Fatalf("failed to decode events: %v", err)
	}
	messages := make(map[string]bool, len(events.Events))
	for _, event := range events.Events {
		messages[event.Message] = true
	}
	for _, expected := range []string{
		"Synced note <note>",
		"Synced option username",
		"Sync conflict in options for username, local: 1970-01-01 00:01:40, remote: 1970-01-01 00:01:40",
	} {
		if !messages[expected] {
			t.Fatalf("expected event %q in %+v", expected, events.Events)
		}
	}

	recorder = stack.do(t, http.MethodGet, "/sync/replicas", token, "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"source_id":"replica-a"`) {
		t.Fatalf("expected replica-a to be registered, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestSyncUpdateRejectsInvalidBody(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "replica-a")

	for _, body := range []string{`{"records":[]}`, `not-json`, `{"operations":[]}`} {
		recorder := stack.do(t, http.MethodPost, "/sync/update", token, body)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected bad request for %q, got %d", body, recorder.Code)
		}
	}
}

func TestListEventsRejectsInvalidLimit(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "replica-a")

	for _, limit := range []string{"abc", "0", "-1", "100000"} {
		recorder := stack.do(t, http.MethodGet, "/sync/events?limit="+limit, token, "")
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected bad request for limit %q, got %d", limit, recorder.Code)
		}
	}
}

func TestSyncStreamEmitsChangesFromOtherReplicas(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	listenerToken := stack.token(t, "replica-b")
	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/sync/stream?access_token="+listenerToken, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	syncReq, err := http.NewRequest(http.MethodPost, server.URL+"/sync/update", bytes.NewBufferString(noteBatch))
	if err != nil {
		t.Fatalf("failed to construct sync request: %v", err)
	}
	syncReq.Header.Set("Authorization", "Bearer "+stack.token(t, "replica-a"))
	syncReq.Header.Set("Content-Type", "application/json")
	syncResp, err := http.DefaultClient.Do(syncReq)
	if err != nil {
		t.Fatalf("sync request failed: %v", err)
	}
	_ = syncResp.Body.Close()
	if syncResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected sync status: %d", syncResp.StatusCode)
	}

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult, 16)
	go func() {
		reader := bufio.NewReader(streamResp.Body)
		for {
			line, err := reader.ReadString('\n')
			lines <- readResult{line: line, err: err}
			if err != nil {
				return
			}
		}
	}()

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-lines:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventSyncChange {
				continue
			}
			var payload realtimePayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.SourceID != "replica-a" || payload.EntityName != "notes" || payload.EntityID != "n1" {
				t.Fatalf("unexpected payload %+v", payload)
			}
			return
		}
	}
}
