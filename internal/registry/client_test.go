package registry_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/edgectl/dispatcher/internal/registry"
)

func newTestClient(t *testing.T, handler http.Handler) (*registry.Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return registry.NewClient(u.Hostname(), port, "tok"), ts
}

func TestRegisterAndUnregister(t *testing.T) {
	var registered registry.ServiceRecord
	var deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("/service", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&registered); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/service/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = r.URL.Path
		}
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestClient(t, mux)

	ctx := context.Background()
	err := c.Register(ctx, registry.ServiceRecord{
		Name: "dispatcher", Type: "Dispatcher", Protocol: "http",
		Address: "127.0.0.1", Port: 8084,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if registered.Name != "dispatcher" || registered.Type != "Dispatcher" {
		t.Errorf("registered record = %+v", registered)
	}

	if err := c.Unregister(ctx); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if deleted != "/service/dispatcher" {
		t.Errorf("delete path = %q", deleted)
	}
}

func TestRegisterRetriesUntilCoreIsUp(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/service", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestClient(t, mux)

	err := c.Register(context.Background(), registry.ServiceRecord{Name: "dispatcher"})
	if err != nil {
		t.Fatalf("Register() error = %v after %d attempts", err, calls.Load())
	}
	if calls.Load() != 3 {
		t.Errorf("core was called %d times, want 3", calls.Load())
	}
}

func TestUnregisterWithoutRegistration(t *testing.T) {
	var called atomic.Bool
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	if err := c.Unregister(context.Background()); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if called.Load() {
		t.Error("unregistered client still called the core")
	}
}

func TestGetService(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/service", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "pumpA" {
			json.NewEncoder(w).Encode(map[string]interface{}{"services": []interface{}{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"services": []registry.ServiceRecord{{
				Name: "pumpA", Type: "Southbound", Protocol: "http",
				Address: "10.0.0.5", Port: 6683,
			}},
		})
	})
	c, _ := newTestClient(t, mux)

	rec, err := c.GetService(context.Background(), "pumpA")
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if rec.BaseURL() != "http://10.0.0.5:6683" {
		t.Errorf("BaseURL() = %q", rec.BaseURL())
	}

	if _, err := c.GetService(context.Background(), "ghost"); err == nil {
		t.Error("GetService(ghost) succeeded, want error")
	}
}

func TestGetAssetIngestService(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/track", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("asset") != "motor" || r.URL.Query().Get("event") != "Ingest" {
			json.NewEncoder(w).Encode(map[string]interface{}{"track": []interface{}{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"track": []map[string]string{{"service": "south1", "event": "Ingest"}},
		})
	})
	mux.HandleFunc("/service", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"services": []registry.ServiceRecord{{Name: "south1", Address: "10.0.0.6", Port: 6684}},
		})
	})
	c, _ := newTestClient(t, mux)

	rec, err := c.GetAssetIngestService(context.Background(), "motor")
	if err != nil {
		t.Fatalf("GetAssetIngestService() error = %v", err)
	}
	if rec.Name != "south1" {
		t.Errorf("Name = %q", rec.Name)
	}

	if _, err := c.GetAssetIngestService(context.Background(), "untracked"); err == nil {
		t.Error("untracked asset resolved, want error")
	}
}

func TestGetCategory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/category/dispatcherAdvanced", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]map[string]string{
			"logLevel":          {"value": "info", "default": "warning"},
			"dispatcherThreads": {"value": "4"},
		})
	})
	c, _ := newTestClient(t, mux)

	values, err := c.GetCategory(context.Background(), "dispatcherAdvanced")
	if err != nil {
		t.Fatalf("GetCategory() error = %v", err)
	}
	if values["logLevel"] != "info" || values["dispatcherThreads"] != "4" {
		t.Errorf("values = %v", values)
	}
}

func TestSetCategoryItem(t *testing.T) {
	var method, path, auth, body string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		method, path, auth, body = r.Method, r.URL.Path, r.Header.Get("Authorization"), string(data)
	}))

	err := c.SetCategoryItem(context.Background(), "pumpAConfig", "maxRPM", "2000")
	if err != nil {
		t.Fatalf("SetCategoryItem() error = %v", err)
	}
	if method != http.MethodPut || path != "/category/pumpAConfig/maxRPM" {
		t.Errorf("request = %s %s", method, path)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if body != `{"value":"2000"}` {
		t.Errorf("body = %s", body)
	}
}

func TestRegisterCategoryInterestIdempotent(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/interest", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	c, _ := newTestClient(t, mux)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.RegisterCategoryInterest(ctx, "dispatcherAdvanced"); err != nil {
			t.Fatalf("RegisterCategoryInterest() error = %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("interest registered %d times, want 1", calls.Load())
	}
}

func TestRegisterTableInterestIdempotent(t *testing.T) {
	var calls atomic.Int32
	var got map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/service", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/interest/table", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewDecoder(r.Body).Decode(&got)
	})
	c, _ := newTestClient(t, mux)

	ctx := context.Background()
	if err := c.Register(ctx, registry.ServiceRecord{Name: "dispatcher"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.RegisterTableInterest(ctx, "control_pipelines"); err != nil {
			t.Fatalf("RegisterTableInterest() error = %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("table interest registered %d times, want 1", calls.Load())
	}
	if got["table"] != "control_pipelines" || got["service"] != "dispatcher" {
		t.Errorf("interest body = %v", got)
	}

	if err := c.RegisterTableInterest(ctx, "control_filters"); err != nil {
		t.Fatalf("RegisterTableInterest(control_filters) error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("second table did not register, calls = %d", calls.Load())
	}
}

func TestAddAuditEntry(t *testing.T) {
	var got struct {
		Source   string            `json:"source"`
		Severity string            `json:"severity"`
		Details  map[string]string `json:"details"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	})
	c, _ := newTestClient(t, mux)

	err := c.AddAuditEntry(context.Background(), "DSPST", "INFORMATION",
		map[string]string{"name": "dispatcher"})
	if err != nil {
		t.Fatalf("AddAuditEntry() error = %v", err)
	}
	if got.Source != "DSPST" || got.Severity != "INFORMATION" || got.Details["name"] != "dispatcher" {
		t.Errorf("audit entry = %+v", got)
	}
}

func TestVerifyToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/service/verify_token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer caller-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": "sched1", "type": "Schedule"})
	})
	c, _ := newTestClient(t, mux)

	name, typ, err := c.VerifyToken(context.Background(), "caller-token")
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if name != "sched1" || typ != "Schedule" {
		t.Errorf("identity = %q/%q", name, typ)
	}

	if _, _, err := c.VerifyToken(context.Background(), "bogus"); err == nil {
		t.Error("VerifyToken(bogus) succeeded, want error")
	}
}
