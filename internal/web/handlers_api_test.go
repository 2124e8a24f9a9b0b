package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidashman/homebridge-intellifire2/internal/automation"
	"github.com/davidashman/homebridge-intellifire2/internal/events"
	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeController struct {
	mu       sync.Mutex
	devices  []fireplace.Device
	states   map[string]fireplace.State
	commands []string
	err      error
}

func newFakeController(devices ...fireplace.Device) *fakeController {
	return &fakeController{devices: devices, states: make(map[string]fireplace.State)}
}

func (f *fakeController) Devices() []fireplace.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *fakeController) State(serial string) (fireplace.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[serial]
	return st, ok
}

func (f *fakeController) SubmitCommand(serial, param, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, serial+":"+param+"="+value)
	return nil
}

type fakeCloudStatus struct {
	connected bool
	lastPing  time.Time
}

func (f *fakeCloudStatus) Connected() bool     { return f.connected }
func (f *fakeCloudStatus) LastPing() time.Time { return f.lastPing }

func newTestServer(t *testing.T, ctrl Controller, opts ...ServerOption) *Server {
	t.Helper()
	bus := events.NewBus(testLogger())
	s := NewServer(ctrl, bus, testLogger(), opts...)
	t.Cleanup(s.Stop)
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

func TestAPIListFireplaces(t *testing.T) {
	ctrl := newFakeController(
		fireplace.Device{Name: "Den", Serial: "AAA", Brand: "HHT"},
		fireplace.Device{Name: "Patio", Serial: "BBB", Brand: "HHT"},
	)
	ctrl.states["AAA"] = fireplace.State{Power: true, AckPower: true, Height: 3}
	s := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/fireplaces", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var views []fireplaceView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("views = %d, want 2", len(views))
	}
	if views[0].State == nil || !views[0].State.Power {
		t.Errorf("first view state = %+v", views[0].State)
	}
	if views[1].State != nil {
		t.Errorf("second view should have no state yet, got %+v", views[1].State)
	}
}

func TestAPIGetFireplace(t *testing.T) {
	ctrl := newFakeController(fireplace.Device{Name: "Den", Serial: "AAA", Brand: "HHT"})
	s := newTestServer(t, ctrl)

	rec, body := doJSON(t, s, http.MethodGet, "/api/fireplaces/AAA", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["serial"] != "AAA" {
		t.Errorf("serial = %v", body["serial"])
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/api/fireplaces/ZZZ", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown serial status = %d, want 404", rec.Code)
	}
}

func TestAPISetFireplace(t *testing.T) {
	ctrl := newFakeController(fireplace.Device{Name: "Den", Serial: "AAA"})
	s := newTestServer(t, ctrl)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/fireplaces/AAA/set", `{"param":"power","value":"1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(ctrl.commands) != 1 || ctrl.commands[0] != "AAA:power=1" {
		t.Errorf("commands = %v", ctrl.commands)
	}
}

func TestAPISetFireplaceBadRequest(t *testing.T) {
	ctrl := newFakeController(fireplace.Device{Name: "Den", Serial: "AAA"})
	s := newTestServer(t, ctrl)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/fireplaces/AAA/set", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/api/fireplaces/AAA/set", `{"value":"1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing param status = %d, want 400", rec.Code)
	}
}

func TestAPIStatus(t *testing.T) {
	ctrl := newFakeController(fireplace.Device{Name: "Den", Serial: "AAA"})
	cs := &fakeCloudStatus{connected: true, lastPing: time.Now()}
	s := newTestServer(t, ctrl, WithCloudStatus(cs))

	rec, body := doJSON(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["fireplace_count"] != float64(1) {
		t.Errorf("fireplace_count = %v, want 1", body["fireplace_count"])
	}
	cloud, ok := body["cloud"].(map[string]interface{})
	if !ok || cloud["connected"] != true {
		t.Errorf("cloud = %v", body["cloud"])
	}
}

func TestAPIKeyRequired(t *testing.T) {
	ctrl := newFakeController()
	s := newTestServer(t, ctrl, WithAPIKey("secret"))

	req := httptest.NewRequest(http.MethodGet, "/api/fireplaces", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/fireplaces", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key status = %d, want 200", rec.Code)
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	ctrl := newFakeController(fireplace.Device{Name: "Den", Serial: "AAA"})
	s := newTestServer(t, ctrl, WithAllowedOrigins([]string{"https://app.example.com"}))

	req := httptest.NewRequest(http.MethodPost, "/api/fireplaces/AAA/set", strings.NewReader(`{"param":"power","value":"1"}`))
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/fireplaces/AAA/set", strings.NewReader(`{"param":"power","value":"1"}`))
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed origin status = %d, want 200: %s", rec.Code, rec.Body)
	}
}

func TestAPIAutomationLifecycle(t *testing.T) {
	ctrl := newFakeController(fireplace.Device{Name: "Den", Serial: "AAA"})
	mgr, err := automation.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(testLogger())
	engine := automation.NewEngine(ctrl, bus, mgr, testLogger(), automation.SystemConfig{}, automation.TelegramConfig{})
	defer engine.Stop()

	s := newTestServer(t, ctrl, WithAutomation(engine, mgr))

	rec, body := doJSON(t, s, http.MethodPost, "/api/automations",
		`{"name":"Evening Flame","lua_code":"fireplace.log(\"hi\")","enabled":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("no id returned")
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/api/automations/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec, body = doJSON(t, s, http.MethodPost, "/api/automations/"+id+"/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", rec.Code)
	}
	meta, _ := body["meta"].(map[string]interface{})
	if meta == nil || meta["enabled"] != true {
		t.Errorf("toggled meta = %v", body["meta"])
	}

	rec, _ = doJSON(t, s, http.MethodDelete, "/api/automations/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/api/automations/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}
