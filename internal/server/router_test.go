package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/jukebox/internal/admission"
	"github.com/MarcoPoloResearchLab/jukebox/internal/auth"
	"github.com/MarcoPoloResearchLab/jukebox/internal/coin"
	"github.com/MarcoPoloResearchLab/jukebox/internal/credits"
	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/kiosk"
	"github.com/MarcoPoloResearchLab/jukebox/internal/metrics"
	"github.com/MarcoPoloResearchLab/jukebox/internal/playqueue"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
)

const testPIN = "2468"

type missingOpener struct{}

func (missingOpener) Open(coin.PortConfig) (coin.Port, error) {
	return nil, coin.ErrDeviceNotFound
}

type accessRecorder struct {
	mu     sync.Mutex
	access []events.AdminAccess
}

func (r *accessRecorder) record(payload events.AdminAccess, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.access = append(r.access, payload)
	return nil
}

func (r *accessRecorder) all() []events.AdminAccess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.AdminAccess(nil), r.access...)
}

type testServer struct {
	handler  http.Handler
	bus      *events.Bus
	service  *kiosk.Service
	issuer   *auth.TokenIssuer
	realtime *RealtimeDispatcher
	access   *accessRecorder
}

func newTestServer(t *testing.T, loginPerMinute int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.New(events.Config{})
	store := storage.NewMemoryStore()
	ledger := credits.NewLedger(credits.LedgerConfig{Store: store, Bus: bus})
	queue := playqueue.New(playqueue.Config{})
	policy, err := admission.NewPolicy(admission.Config{
		Balance:      ledger,
		Reservations: queue,
		MaxReserved:  playqueue.DefaultMaxCredits,
		Pricing:      admission.DefaultPricing(),
	})
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}
	service, err := kiosk.NewService(kiosk.Config{
		Ledger: ledger,
		Queue:  queue,
		Policy: policy,
		Bus:    bus,
		Store:  store,
		Opener: missingOpener{},
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "jukebox-kiosk",
		Audience:      "jukebox-admin",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected issuer error: %v", err)
	}
	pin, err := auth.NewPINVerifier(testPIN)
	if err != nil {
		t.Fatalf("unexpected pin error: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	if err := realtime.Attach(bus); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	t.Cleanup(realtime.Detach)

	access := &accessRecorder{}
	if _, err := events.On(bus, access.record); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	collector := metrics.NewCollector(queue)
	if err := collector.Attach(bus); err != nil {
		t.Fatalf("unexpected metrics attach error: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Kiosk:             service,
		Tokens:            issuer,
		PIN:               pin,
		Bus:               bus,
		Realtime:          realtime,
		Metrics:           collector.Handler(),
		Logger:            zap.NewNop(),
		LoginPerMinute:    loginPerMinute,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{
		handler:  handler,
		bus:      bus,
		service:  service,
		issuer:   issuer,
		realtime: realtime,
		access:   access,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	token, _, err := s.issuer.IssueAdminToken("admin")
	if err != nil {
		t.Fatalf("failed to issue admin token: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatal("expected error without kiosk service")
	}
}

func TestSelectionFlowOverHTTP(t *testing.T) {
	server := newTestServer(t, 0)
	admin := server.adminToken(t)

	if recorder := server.do(t, http.MethodPost, "/admin/credits", creditsRequestPayload{Amount: 3}, admin); recorder.Code != http.StatusOK {
		t.Fatalf("expected admin credits to succeed, got %d %s", recorder.Code, recorder.Body.String())
	}

	quote := server.do(t, http.MethodPost, "/quote", selectionRequestPayload{VideoID: "v1", Premium: true}, "")
	var decision admission.Decision
	decodeBody(t, quote, &decision)
	if !decision.Approved || decision.RequiredCredits != 2 {
		t.Fatalf("unexpected quote %+v", decision)
	}

	selected := server.do(t, http.MethodPost, "/selections", selectionRequestPayload{VideoID: "v1", Title: "First", Premium: true}, "")
	if selected.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", selected.Code, selected.Body.String())
	}
	var selection selectionResponsePayload
	decodeBody(t, selected, &selection)
	if selection.Balance != 1 || selection.Entry.VideoID != "v1" || !selection.Entry.Paid || selection.Entry.Credits != 2 {
		t.Fatalf("unexpected selection %+v", selection)
	}

	declined := server.do(t, http.MethodPost, "/selections", selectionRequestPayload{VideoID: "v2", Premium: true}, "")
	if declined.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", declined.Code)
	}
	var failure map[string]string
	decodeBody(t, declined, &failure)
	if failure["error"] != kiosk.CodeInsufficientCredits || failure["message"] != "Insufficient credits" {
		t.Fatalf("unexpected failure body %v", failure)
	}

	if recorder := server.do(t, http.MethodPost, "/queue/background", selectionRequestPayload{VideoID: "filler"}, ""); recorder.Code != http.StatusCreated {
		t.Fatalf("expected background add to succeed, got %d", recorder.Code)
	}

	var queue queueResponsePayload
	decodeBody(t, server.do(t, http.MethodGet, "/queue", nil, ""), &queue)
	if len(queue.Entries) != 2 || queue.Entries[0].VideoID != "v1" || queue.Entries[1].Paid {
		t.Fatalf("unexpected queue %+v", queue)
	}
	if queue.ReservedCredits != 2 || queue.Balance != 1 {
		t.Fatalf("unexpected queue totals %+v", queue)
	}

	first := server.do(t, http.MethodPost, "/player/next", nil, "")
	if first.Code != http.StatusOK {
		t.Fatalf("expected next entry, got %d", first.Code)
	}
	server.do(t, http.MethodPost, "/player/next", nil, "")
	if empty := server.do(t, http.MethodPost, "/player/next", nil, ""); empty.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on empty queue, got %d", empty.Code)
	}
}

func TestSelectionRejectsBlankVideo(t *testing.T) {
	server := newTestServer(t, 0)
	recorder := server.do(t, http.MethodPost, "/selections", selectionRequestPayload{VideoID: "  "}, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, 0)
	for _, path := range []string{"/admin/credits", "/admin/reset", "/admin/emergency-stop", "/admin/api-key"} {
		if recorder := server.do(t, http.MethodPost, path, nil, ""); recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", path, recorder.Code)
		}
	}
	if recorder := server.do(t, http.MethodGet, "/admin/hardware", nil, "not-a-token"); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", recorder.Code)
	}
}

func TestAdminLoginIssuesTokenAndEmitsAccess(t *testing.T) {
	server := newTestServer(t, 10)

	denied := server.do(t, http.MethodPost, "/admin/login", loginRequestPayload{PIN: "0000"}, "")
	if denied.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong pin, got %d", denied.Code)
	}

	granted := server.do(t, http.MethodPost, "/admin/login", loginRequestPayload{PIN: testPIN}, "")
	if granted.Code != http.StatusOK {
		t.Fatalf("expected 200 for correct pin, got %d", granted.Code)
	}
	var login loginResponsePayload
	decodeBody(t, granted, &login)
	if login.TokenType != "Bearer" || login.ExpiresIn != 60 {
		t.Fatalf("unexpected login response %+v", login)
	}
	if cookie := granted.Header().Get("Set-Cookie"); cookie == "" {
		t.Fatal("expected admin cookie")
	}

	if recorder := server.do(t, http.MethodGet, "/admin/hardware", nil, login.AccessToken); recorder.Code != http.StatusOK {
		t.Fatalf("expected issued token to authorize, got %d", recorder.Code)
	}

	access := server.access.all()
	if len(access) != 2 || access[0].Granted || !access[1].Granted {
		t.Fatalf("unexpected admin access events %+v", access)
	}
}

func TestAdminLoginIsRateLimited(t *testing.T) {
	server := newTestServer(t, 1)
	if recorder := server.do(t, http.MethodPost, "/admin/login", loginRequestPayload{PIN: "0000"}, ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	recorder := server.do(t, http.MethodPost, "/admin/login", loginRequestPayload{PIN: testPIN}, "")
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
}

func TestEmergencyStopAndResetOverHTTP(t *testing.T) {
	server := newTestServer(t, 0)
	admin := server.adminToken(t)
	server.do(t, http.MethodPost, "/admin/credits", creditsRequestPayload{Amount: 4}, admin)
	server.do(t, http.MethodPost, "/selections", selectionRequestPayload{VideoID: "v1"}, "")
	server.do(t, http.MethodPost, "/selections", selectionRequestPayload{VideoID: "v2"}, "")

	stopped := server.do(t, http.MethodPost, "/admin/emergency-stop", nil, admin)
	if stopped.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", stopped.Code, stopped.Body.String())
	}
	var result kiosk.StopResult
	decodeBody(t, stopped, &result)
	if result.DiscardedEntries != 2 || result.DiscardedCredits != 2 {
		t.Fatalf("unexpected stop result %+v", result)
	}
	if server.service.Balance() != 2 {
		t.Fatalf("expected no refund after emergency stop, got %d", server.service.Balance())
	}

	reset := server.do(t, http.MethodPost, "/admin/reset", reasonRequestPayload{Reason: "closing"}, admin)
	if reset.Code != http.StatusOK || server.service.Balance() != 0 {
		t.Fatalf("expected reset to zero the ledger, got %d balance %d", reset.Code, server.service.Balance())
	}
}

func TestAdminCreditsRejectsInvalidAmount(t *testing.T) {
	server := newTestServer(t, 0)
	recorder := server.do(t, http.MethodPost, "/admin/credits", creditsRequestPayload{Amount: 0}, server.adminToken(t))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestHardwareConnectFailureOverHTTP(t *testing.T) {
	server := newTestServer(t, 0)
	admin := server.adminToken(t)

	connect := server.do(t, http.MethodPost, "/admin/hardware/connect", connectRequestPayload{Port: "/dev/ttyUSB9"}, admin)
	if connect.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", connect.Code)
	}
	disconnect := server.do(t, http.MethodPost, "/admin/hardware/disconnect", nil, admin)
	if disconnect.Code != http.StatusConflict {
		t.Fatalf("expected 409 when not connected, got %d", disconnect.Code)
	}
	var status kiosk.HardwareStatus
	decodeBody(t, server.do(t, http.MethodGet, "/admin/hardware", nil, admin), &status)
	if status.Connected {
		t.Fatal("expected disconnected hardware")
	}
}

func TestRotateAPIKeyOverHTTP(t *testing.T) {
	server := newTestServer(t, 0)
	admin := server.adminToken(t)

	if recorder := server.do(t, http.MethodPost, "/admin/api-key", apiKeyRequestPayload{APIKey: " "}, admin); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank key, got %d", recorder.Code)
	}
	recorder := server.do(t, http.MethodPost, "/admin/api-key", apiKeyRequestPayload{APIKey: "secret-key"}, admin)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body map[string]string
	decodeBody(t, recorder, &body)
	if body["fingerprint"] != kiosk.Fingerprint("secret-key") {
		t.Fatalf("unexpected fingerprint %v", body)
	}
	if bytes.Contains(recorder.Body.Bytes(), []byte("secret-key")) {
		t.Fatal("response must not echo the key")
	}
}

func TestLogsWithoutStoreAreUnavailable(t *testing.T) {
	server := newTestServer(t, 0)
	admin := server.adminToken(t)
	if recorder := server.do(t, http.MethodGet, "/admin/logs?limit=abc", nil, admin); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/admin/logs", nil, admin); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without log store, got %d", recorder.Code)
	}
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	server := newTestServer(t, 0)
	server.do(t, http.MethodPost, "/admin/credits", creditsRequestPayload{Amount: 2}, server.adminToken(t))
	recorder := server.do(t, http.MethodGet, "/metrics", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte(`jukebox_credits_added_total{source="admin"} 2`)) {
		t.Fatalf("expected admin credits in exposition, got %s", recorder.Body.String())
	}
}

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		kiosk.CodeMaxCredits:          http.StatusConflict,
		kiosk.CodeInsufficientCredits: http.StatusPaymentRequired,
		kiosk.CodeInvalidVideo:        http.StatusBadRequest,
		kiosk.CodeStorageUnavailable:  http.StatusServiceUnavailable,
		kiosk.CodeQueueFailed:         http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusForCode(code); got != want {
			t.Fatalf("expected %d for %s, got %d", want, code, got)
		}
	}
}
