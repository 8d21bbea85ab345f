package dispatch_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/edgectl/dispatcher/internal/dispatch"
	"github.com/edgectl/dispatcher/internal/filter"
	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/pipeline"
	"github.com/edgectl/dispatcher/internal/registry"
	"github.com/edgectl/dispatcher/internal/script"
	"github.com/edgectl/dispatcher/internal/storage"
)

// fakeCore is an in-memory stand-in for the core registry client.
type fakeCore struct {
	mu           sync.Mutex
	services     map[string]registry.ServiceRecord
	byType       map[string][]registry.ServiceRecord
	assets       map[string]string // asset name to ingest service name
	items        map[string]string // "category/item" to value
	audits       []string
	unregistered bool
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		services: make(map[string]registry.ServiceRecord),
		byType:   make(map[string][]registry.ServiceRecord),
		assets:   make(map[string]string),
		items:    make(map[string]string),
	}
}

func (c *fakeCore) GetService(ctx context.Context, name string) (*registry.ServiceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.services[name]
	if !ok {
		return nil, fmt.Errorf("service %q not registered", name)
	}
	return &rec, nil
}

func (c *fakeCore) GetServicesByType(ctx context.Context, serviceType string) ([]registry.ServiceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]registry.ServiceRecord(nil), c.byType[serviceType]...), nil
}

func (c *fakeCore) GetAssetIngestService(ctx context.Context, asset string) (*registry.ServiceRecord, error) {
	c.mu.Lock()
	name, ok := c.assets[asset]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no ingest service for asset %q", asset)
	}
	return c.GetService(ctx, name)
}

func (c *fakeCore) SetCategoryItem(ctx context.Context, category, item, value string) error {
	c.mu.Lock()
	c.items[category+"/"+item] = value
	c.mu.Unlock()
	return nil
}

func (c *fakeCore) AddAuditEntry(ctx context.Context, code, severity string, details map[string]string) error {
	c.mu.Lock()
	c.audits = append(c.audits, code)
	c.mu.Unlock()
	return nil
}

func (c *fakeCore) Unregister(ctx context.Context) error {
	c.mu.Lock()
	c.unregistered = true
	c.mu.Unlock()
	return nil
}

// fakeCategories backs the pipeline manager's category lookups.
type fakeCategories struct {
	mu         sync.Mutex
	categories map[string]map[string]string
}

func newFakeCategories() *fakeCategories {
	return &fakeCategories{categories: make(map[string]map[string]string)}
}

func (f *fakeCategories) set(name string, items map[string]string) {
	f.mu.Lock()
	f.categories[name] = items
	f.mu.Unlock()
}

func (f *fakeCategories) GetCategory(ctx context.Context, name string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.categories[name] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeCategories) UpsertCategory(ctx context.Context, name, description string, defaults map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.categories[name]
	if items == nil {
		items = make(map[string]string)
		f.categories[name] = items
	}
	for k, v := range defaults {
		if _, ok := items[k]; !ok {
			items[k] = v
		}
	}
	return nil
}

// capture records the last request a test server received.
type capture struct {
	mu      sync.Mutex
	method  string
	path    string
	headers http.Header
	body    string
	count   int
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.method = r.Method
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		c.body = string(body)
		c.count++
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// recordFor turns a test server URL into a registry record the dispatcher
// can resolve and deliver to.
func recordFor(t *testing.T, name string, ts *httptest.Server) registry.ServiceRecord {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return registry.ServiceRecord{
		Name:     name,
		Type:     "Southbound",
		Protocol: "http",
		Address:  u.Hostname(),
		Port:     port,
	}
}

// newService builds a dispatcher over in-memory collaborators.
func newService(t *testing.T, core *fakeCore, cats *fakeCategories, store *storage.MemoryStore, dryRun bool) *dispatch.Service {
	t.Helper()
	if cats == nil {
		cats = newFakeCategories()
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	manager := pipeline.NewManager(store, cats, filter.NewRegistry())
	if err := manager.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return dispatch.NewService("dispatcher", core, manager, store, "tok", dryRun)
}

func testCaller() script.Caller {
	return script.Caller{Name: "supervisor", Type: "Notification", RequestURL: "/dispatch/write"}
}

func values(pairs ...string) *kvlist.KVList {
	kv := kvlist.New()
	for i := 0; i+1 < len(pairs); i += 2 {
		kv.Add(pairs[i], pairs[i+1])
	}
	return kv
}

func TestWriteServiceDelivery(t *testing.T) {
	var got capture
	ts := httptest.NewServer(got.handler(http.StatusOK))
	defer ts.Close()

	core := newFakeCore()
	core.services["pumpA"] = recordFor(t, "pumpA", ts)
	svc := newService(t, core, nil, nil, false)

	req := dispatch.NewWriteService("pumpA", values("rpm", "1500"), testCaller())
	if !req.Execute(context.Background(), svc) {
		t.Fatal("Execute() = false, want true")
	}

	if got.method != http.MethodPut {
		t.Errorf("method = %s, want PUT", got.method)
	}
	if got.path != "/fledge/south/setpoint" {
		t.Errorf("path = %s", got.path)
	}
	if got.body != `{"values":{"rpm":"1500"}}` {
		t.Errorf("body = %s", got.body)
	}
	if ct := got.headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if auth := got.headers.Get("Authorization"); auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if from := got.headers.Get("Service-Orig-From"); from != "supervisor" {
		t.Errorf("Service-Orig-From = %q", from)
	}
	if typ := got.headers.Get("Service-Orig-Type"); typ != "Notification" {
		t.Errorf("Service-Orig-Type = %q", typ)
	}
}

func TestWriteServiceUnknownDestination(t *testing.T) {
	svc := newService(t, newFakeCore(), nil, nil, false)
	req := dispatch.NewWriteService("ghost", values("rpm", "1"), testCaller())
	if req.Execute(context.Background(), svc) {
		t.Error("Execute() = true for unresolvable destination")
	}
}

func TestWriteAssetResolvesIngestService(t *testing.T) {
	var got capture
	ts := httptest.NewServer(got.handler(http.StatusOK))
	defer ts.Close()

	core := newFakeCore()
	core.services["south1"] = recordFor(t, "south1", ts)
	core.assets["motor"] = "south1"
	svc := newService(t, core, nil, nil, false)

	req := dispatch.NewWriteAsset("motor", values("rpm", "1500"), testCaller())
	if !req.Execute(context.Background(), svc) {
		t.Fatal("Execute() = false, want true")
	}
	if got.path != "/fledge/south/setpoint" {
		t.Errorf("path = %s", got.path)
	}
}

func TestWriteBroadcastRecipientIsolation(t *testing.T) {
	var good, bad capture
	okSrv := httptest.NewServer(good.handler(http.StatusOK))
	defer okSrv.Close()
	failSrv := httptest.NewServer(bad.handler(http.StatusInternalServerError))
	defer failSrv.Close()

	core := newFakeCore()
	core.byType["Southbound"] = []registry.ServiceRecord{
		recordFor(t, "refusing", failSrv),
		recordFor(t, "healthy", okSrv),
	}
	svc := newService(t, core, nil, nil, false)

	req := dispatch.NewWriteBroadcast(values("rpm", "1500"), testCaller())
	if !req.Execute(context.Background(), svc) {
		t.Fatal("Execute() = false, want true despite one refusal")
	}
	if good.requests() != 1 {
		t.Errorf("healthy recipient got %d requests, want 1", good.requests())
	}
	if bad.requests() != 1 {
		t.Errorf("refusing recipient got %d requests, want 1", bad.requests())
	}
}

func TestOperationParametersOmittedWhenEmpty(t *testing.T) {
	var got capture
	ts := httptest.NewServer(got.handler(http.StatusOK))
	defer ts.Close()

	core := newFakeCore()
	core.services["pumpA"] = recordFor(t, "pumpA", ts)
	svc := newService(t, core, nil, nil, false)

	req := dispatch.NewOpService("configure", "pumpA", kvlist.New(), testCaller())
	if !req.Execute(context.Background(), svc) {
		t.Fatal("Execute() = false, want true")
	}
	if got.path != "/fledge/south/operation" {
		t.Errorf("path = %s", got.path)
	}
	if got.body != `{"operation":"configure"}` {
		t.Errorf("body = %s, want parameters omitted", got.body)
	}

	req = dispatch.NewOpService("configure", "pumpA", values("mode", "auto"), testCaller())
	if !req.Execute(context.Background(), svc) {
		t.Fatal("Execute() with params = false, want true")
	}
	if got.body != `{"operation":"configure","parameters":{"mode":"auto"}}` {
		t.Errorf("body = %s", got.body)
	}
}

func TestDisabledDispatcherSendsNothing(t *testing.T) {
	var got capture
	ts := httptest.NewServer(got.handler(http.StatusOK))
	defer ts.Close()

	core := newFakeCore()
	core.services["pumpA"] = recordFor(t, "pumpA", ts)
	svc := newService(t, core, nil, nil, false)

	svc.ConfigChange("dispatcher", map[string]string{"enable": "false"})
	if svc.Enabled() {
		t.Fatal("Enabled() = true after disable")
	}

	req := dispatch.NewWriteService("pumpA", values("rpm", "1500"), testCaller())
	if req.Execute(context.Background(), svc) {
		t.Error("Execute() = true while disabled")
	}
	if got.requests() != 0 {
		t.Errorf("disabled dispatcher sent %d requests", got.requests())
	}

	svc.ConfigChange("dispatcher", map[string]string{"enable": "true"})
	if !svc.Enabled() {
		t.Error("Enabled() = false after re-enable")
	}
}

func TestDryRunSkipsDelivery(t *testing.T) {
	var got capture
	ts := httptest.NewServer(got.handler(http.StatusOK))
	defer ts.Close()

	core := newFakeCore()
	core.services["pumpA"] = recordFor(t, "pumpA", ts)
	svc := newService(t, core, nil, nil, true)

	req := dispatch.NewWriteService("pumpA", values("rpm", "1500"), testCaller())
	if !req.Execute(context.Background(), svc) {
		t.Error("Execute() = false in dry run, want true")
	}
	if got.requests() != 0 {
		t.Errorf("dry run sent %d requests", got.requests())
	}
}

func TestPipelineSuppressionSkipsDelivery(t *testing.T) {
	var got capture
	ts := httptest.NewServer(got.handler(http.StatusOK))
	defer ts.Close()

	cats := newFakeCategories()
	cats.set("dropFast", map[string]string{
		"plugin":     "expression",
		"mode":       "filter",
		"expression": "rpm < 1000",
	})
	store := storage.NewMemoryStore()
	store.AddSourceType(storage.TypeRow{ID: 1, Name: "Any"})
	store.AddDestinationType(storage.TypeRow{ID: 1, Name: "Any"})
	store.AddPipeline(storage.PipelineRow{
		CPID: 1, Name: "guard", SType: 1, DType: 1, Enabled: true, Execution: "Shared",
	})
	store.AddFilter(storage.FilterRow{CPID: 1, Name: "dropFast", Order: 1})

	core := newFakeCore()
	core.services["pumpA"] = recordFor(t, "pumpA", ts)
	svc := newService(t, core, cats, store, false)

	req := dispatch.NewWriteService("pumpA", values("rpm", "1500"), testCaller())
	if !req.Execute(context.Background(), svc) {
		t.Error("suppressed request reported failure")
	}
	if got.requests() != 0 {
		t.Errorf("suppressed request was delivered %d times", got.requests())
	}
}

func TestPipelineTransformAppliedBeforeDelivery(t *testing.T) {
	var got capture
	ts := httptest.NewServer(got.handler(http.StatusOK))
	defer ts.Close()

	cats := newFakeCategories()
	cats.set("renameCat", map[string]string{
		"plugin": "rename", "currentName": "rpm", "newName": "speed",
	})
	store := storage.NewMemoryStore()
	store.AddSourceType(storage.TypeRow{ID: 1, Name: "Any"})
	store.AddDestinationType(storage.TypeRow{ID: 2, Name: "Service"})
	store.AddPipeline(storage.PipelineRow{
		CPID: 1, Name: "toPumpA", SType: 1, DType: 2, DName: "pumpA",
		Enabled: true, Execution: "Shared",
	})
	store.AddFilter(storage.FilterRow{CPID: 1, Name: "renameCat", Order: 1})

	core := newFakeCore()
	core.services["pumpA"] = recordFor(t, "pumpA", ts)
	svc := newService(t, core, cats, store, false)

	req := dispatch.NewWriteService("pumpA", values("rpm", "1500"), testCaller())
	if !req.Execute(context.Background(), svc) {
		t.Fatal("Execute() = false, want true")
	}
	if got.body != `{"values":{"speed":"1500"}}` {
		t.Errorf("body = %s, want renamed datapoint", got.body)
	}
}

// stubRequest records its execution for queue ordering tests.
type stubRequest struct {
	id   uuid.UUID
	name string
	run  func(name string)
}

func newStubRequest(name string, run func(string)) *stubRequest {
	return &stubRequest{id: uuid.New(), name: name, run: run}
}

func (r *stubRequest) Name() string  { return r.name }
func (r *stubRequest) ID() uuid.UUID { return r.id }

func (r *stubRequest) Execute(ctx context.Context, s *dispatch.Service) bool {
	r.run(r.name)
	return true
}

func TestQueueOrderAndDrainOnStop(t *testing.T) {
	core := newFakeCore()
	svc := newService(t, core, nil, nil, false)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	ctx := context.Background()
	if err := svc.Start(ctx, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		svc.Queue(newStubRequest(name, record))
	}
	svc.Stop(ctx, true)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, "") != "abc" {
		t.Errorf("execution order = %v, want FIFO", order)
	}
	if svc.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d after Stop, want 0", svc.QueueLen())
	}

	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.audits) != 2 || core.audits[0] != "DSPST" || core.audits[1] != "DSPSD" {
		t.Errorf("audit trail = %v", core.audits)
	}
	if !core.unregistered {
		t.Error("Stop(removeFromCore=true) did not unregister")
	}
}

func TestStopWithoutRemoveKeepsRegistration(t *testing.T) {
	core := newFakeCore()
	svc := newService(t, core, nil, nil, false)

	ctx := context.Background()
	if err := svc.Start(ctx, 2); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	svc.Stop(ctx, false)

	core.mu.Lock()
	defer core.mu.Unlock()
	if core.unregistered {
		t.Error("Stop(removeFromCore=false) unregistered from core")
	}
}

func TestWorkerCount(t *testing.T) {
	tests := []struct {
		values map[string]string
		want   int
	}{
		{nil, 2},
		{map[string]string{}, 2},
		{map[string]string{"dispatcherThreads": "5"}, 5},
		{map[string]string{"dispatcherThreads": "0"}, 2},
		{map[string]string{"dispatcherThreads": "-3"}, 2},
		{map[string]string{"dispatcherThreads": "lots"}, 2},
	}
	for _, tt := range tests {
		if got := dispatch.WorkerCount(tt.values); got != tt.want {
			t.Errorf("WorkerCount(%v) = %d, want %d", tt.values, got, tt.want)
		}
	}
}

func TestSecurityChangeInvokesHandler(t *testing.T) {
	core := newFakeCore()
	svc := newService(t, core, nil, nil, false)

	var got map[string]string
	svc.OnSecurityChange(func(values map[string]string) { got = values })

	svc.ConfigChange("dispatcherSecurity", map[string]string{"authenticatedCaller": "true"})
	if got == nil || got["authenticatedCaller"] != "true" {
		t.Fatalf("security handler got %v", got)
	}

	got = nil
	svc.ConfigChange("dispatcher", map[string]string{"enable": "true"})
	if got != nil {
		t.Errorf("handler invoked for a non-security category: %v", got)
	}
}

func TestSetConfigItemDelegatesToCore(t *testing.T) {
	core := newFakeCore()
	svc := newService(t, core, nil, nil, false)

	if err := svc.SetConfigItem(context.Background(), "pumpAConfig", "maxRPM", "2000"); err != nil {
		t.Fatalf("SetConfigItem() error = %v", err)
	}
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.items["pumpAConfig/maxRPM"] != "2000" {
		t.Errorf("item not stored: %v", core.items)
	}
}
