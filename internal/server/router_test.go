package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/connectivity"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/core"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/queue"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/storage"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testAPIToken = "local-page-token"
	testUserID   = offers.UserID("user-1")
)

var fixtureTime = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

type serverFixture struct {
	store      *storage.MemoryStore
	backend    *remotetest.Backend
	monitor    *connectivity.Monitor
	session    *core.Session
	realtime   *RealtimeDispatcher
	handler    http.Handler
	signedOut  *atomic.Bool
	logEntries *observer.ObservedLogs
}

type sequenceProvider struct {
	next atomic.Int64
}

func (p *sequenceProvider) NewID() (string, error) {
	return "tmp-" + strconv.FormatInt(p.next.Add(1), 10), nil
}

func newServerFixture(t *testing.T, online bool) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore()
	backend := remotetest.NewBackend(testUserID)
	backend.SetClock(func() time.Time { return fixtureTime.Add(time.Hour) })
	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{InitiallyOnline: online})
	profiles, err := users.NewService(users.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create profile cache: %v", err)
	}
	session, err := core.NewSession(context.Background(), core.SessionConfig{
		UserID:      testUserID,
		Store:       store,
		Backend:     backend,
		Monitor:     monitor,
		Profiles:    profiles,
		IDProvider:  &sequenceProvider{},
		CallTimeout: time.Second,
		Clock:       func() time.Time { return fixtureTime },
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	observed, logs := observer.New(zapcore.DebugLevel)
	realtime := NewRealtimeDispatcher()
	signedOut := &atomic.Bool{}
	handler, err := NewHTTPHandler(Dependencies{
		Session:           session,
		Realtime:          realtime,
		APIToken:          testAPIToken,
		HeartbeatInterval: time.Hour,
		OnSignOut:         func() { signedOut.Store(true) },
		Logger:            zap.New(observed),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	t.Cleanup(func() {
		session.Close()
		realtime.Close()
		monitor.Close()
	})
	return &serverFixture{
		store:      store,
		backend:    backend,
		monitor:    monitor,
		session:    session,
		realtime:   realtime,
		handler:    handler,
		signedOut:  signedOut,
		logEntries: logs,
	}
}

func sampleDraft() offers.Draft {
	return offers.Draft{SportType: "tennis", Location: "Park", DateTime: fixtureTime.Add(24 * time.Hour)}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+testAPIToken)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingSession {
		t.Fatalf("expected missing session error, got %v", err)
	}
}

func TestProtectedRoutesRequireAPIToken(t *testing.T) {
	f := newServerFixture(t, true)

	request := httptest.NewRequest(http.MethodGet, "/queue", http.NoBody)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/queue", http.NoBody)
	request.Header.Set("Authorization", "Bearer wrong")
	recorder = httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", recorder.Code)
	}
	entries := f.logEntries.FilterMessage("api token rejected").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry for the rejected token, got %d", len(entries))
	}

	request = httptest.NewRequest(http.MethodGet, "/queue?access_token="+testAPIToken, http.NoBody)
	recorder = httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected query token to be accepted, got %d", recorder.Code)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newServerFixture(t, true)
	for _, path := range []string{"/healthz", "/metrics"} {
		recorder := httptest.NewRecorder()
		f.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, recorder.Code)
		}
	}
}

func TestListOffersAppliesFilter(t *testing.T) {
	f := newServerFixture(t, true)
	f.backend.Seed(
		offers.TrainingOffer{ID: offers.ConfirmedID("srv-1"), UserID: "user-2", SportType: "tennis", Location: "A", CreatedAt: fixtureTime},
		offers.TrainingOffer{ID: offers.ConfirmedID("srv-2"), UserID: "user-2", SportType: "yoga", Location: "B", CreatedAt: fixtureTime.Add(time.Hour)},
	)

	recorder := f.do(t, http.MethodGet, "/offers?sport_type=yoga", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		Offers []offers.TrainingOffer `json:"offers"`
		Online bool                   `json:"online"`
	}
	decodeBody(t, recorder, &body)
	if len(body.Offers) != 1 || body.Offers[0].ID.String() != "srv-2" || !body.Online {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestCreateOfferRoutesByConnectivity(t *testing.T) {
	payload := `{"sport_type":"tennis","location":"Park","date_time":"2026-10-16T08:00:00Z"}`

	online := newServerFixture(t, true)
	recorder := online.do(t, http.MethodPost, "/offers", payload)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 online, got %d: %s", recorder.Code, recorder.Body.String())
	}

	offline := newServerFixture(t, false)
	recorder = offline.do(t, http.MethodPost, "/offers", payload)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202 offline, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body writeResponsePayload
	decodeBody(t, recorder, &body)
	if !body.Deferred || body.OperationID == "" || body.Offer == nil || !body.Offer.ID.IsPendingLocal() {
		t.Fatalf("unexpected deferred body %s", recorder.Body.String())
	}

	recorder = offline.do(t, http.MethodPatch, "/offers/"+body.Offer.ID.Ref(), `{"location":"Stadium"}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for pending-local update, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = offline.do(t, http.MethodGet, "/queue", "")
	var snapshot queueResponsePayload
	decodeBody(t, recorder, &snapshot)
	if snapshot.Count != 2 || snapshot.Online {
		t.Fatalf("unexpected queue snapshot %s", recorder.Body.String())
	}
}

func TestCreateOfferRejectsInvalidDraft(t *testing.T) {
	f := newServerFixture(t, false)
	recorder := f.do(t, http.MethodPost, "/offers", `{"location":"Park"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestMembershipOfflineReturnsServiceUnavailable(t *testing.T) {
	f := newServerFixture(t, false)
	recorder := f.do(t, http.MethodPost, "/offers/srv-1/join", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "offline") {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestRemoveParticipantRequiresOwnership(t *testing.T) {
	f := newServerFixture(t, true)
	f.backend.Seed(offers.TrainingOffer{ID: offers.ConfirmedID("srv-1"), UserID: "user-2", SportType: "tennis", Location: "A", CreatedAt: fixtureTime})
	if recorder := f.do(t, http.MethodGet, "/offers", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected list to succeed, got %d", recorder.Code)
	}

	recorder := f.do(t, http.MethodDelete, "/offers/srv-1/participants/user-3", "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestSyncRequiresConnectivity(t *testing.T) {
	f := newServerFixture(t, false)
	if _, err := f.session.CreateOffer(context.Background(), sampleDraft()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	recorder := f.do(t, http.MethodPost, "/sync", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 offline, got %d", recorder.Code)
	}

	f.monitor.Set(true)
	recorder = f.do(t, http.MethodPost, "/sync", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 online, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result syncResponsePayload
	decodeBody(t, recorder, &result)
	if result.Synced != 1 || result.Remaining != 0 {
		t.Fatalf("unexpected sync result %s", recorder.Body.String())
	}
}

func TestEnqueueValidatesOperationType(t *testing.T) {
	f := newServerFixture(t, false)
	recorder := f.do(t, http.MethodPost, "/queue", `{"type":"upsert","data":{}}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/queue", `{"type":"delete","data":{"id":"srv-9"}}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	snapshot := f.session.QueueSnapshot()
	if len(snapshot) != 1 || snapshot[0].Type != queue.TypeDelete || snapshot[0].Entity != offers.EntityTrainingOffer {
		t.Fatalf("unexpected queue %#v", snapshot)
	}
}

func TestSignOutClearsStateAndBlocksRequests(t *testing.T) {
	f := newServerFixture(t, false)
	if _, err := f.session.CreateOffer(context.Background(), sampleDraft()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	recorder := f.do(t, http.MethodPost, "/session/sign-out", "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !f.signedOut.Load() {
		t.Fatal("expected sign-out callback to run")
	}
	if f.store.Has(queue.KeyPending) {
		t.Fatal("expected queue key to be removed")
	}

	recorder = f.do(t, http.MethodGet, "/queue", "")
	if recorder.Code != http.StatusGone {
		t.Fatalf("expected 410 after sign-out, got %d", recorder.Code)
	}
}

func TestWriteOnSignedOutSessionReturnsGone(t *testing.T) {
	f := newServerFixture(t, false)
	if err := f.session.SignOut(context.Background()); err != nil {
		t.Fatalf("sign-out failed: %v", err)
	}

	recorder := f.do(t, http.MethodPost, "/offers", `{"sport_type":"tennis","location":"Park","date_time":"2026-10-16T08:00:00Z"}`)
	if recorder.Code != http.StatusGone {
		t.Fatalf("expected 410 for a write on a signed-out session, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if f.session.QueueCount() != 0 {
		t.Fatalf("expected nothing queued, got %d", f.session.QueueCount())
	}
}

func TestEventsStreamEmitsQueueChanges(t *testing.T) {
	f := newServerFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.realtime.Forward(ctx, f.session)

	server := httptest.NewServer(f.handler)
	t.Cleanup(server.Close)

	streamResp, err := http.Get(server.URL + "/events?access_token=" + testAPIToken)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if !strings.HasPrefix(streamResp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", streamResp.Header.Get("Content-Type"))
	}
	streamReader := bufio.NewReader(streamResp.Body)

	waitForEvent(t, streamReader, realtimeEventHeartbeat)

	if _, err := f.session.CreateOffer(ctx, sampleDraft()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	data := waitForEvent(t, streamReader, RealtimeEventQueueChanged)
	var payload queueChangedPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if payload.Count != 1 || len(payload.OperationIDs) != 1 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

// waitForEvent reads the stream until an event named eventType arrives and returns its data.
func waitForEvent(t *testing.T, reader *bufio.Reader, eventType string) string {
	t.Helper()
	type readResult struct {
		line string
		err  error
	}
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if strings.HasPrefix(line, "data:") && currentEventType == eventType {
				return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}
}
