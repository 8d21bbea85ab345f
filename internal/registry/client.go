// Package registry implements the client for the core service: service
// registration and resolution, configuration categories, the asset tracker
// and audit entries. The dispatcher is registered here at startup and uses
// the client to resolve the downstream services it delivers requests to.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ServiceRecord describes a registered service.
type ServiceRecord struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Protocol   string `json:"protocol"`
	Address    string `json:"address"`
	Port       int    `json:"service_port"`
	Management int    `json:"management_port,omitempty"`
	Token      string `json:"token,omitempty"`
}

// BaseURL returns the HTTP origin of the service API.
func (r ServiceRecord) BaseURL() string {
	proto := r.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s:%d", proto, r.Address, r.Port)
}

// Client talks to the core service.
type Client struct {
	base   string
	client *http.Client
	token  string

	mu             sync.Mutex
	interests      map[string]bool
	tableInterests map[string]bool
	registered     string // name this client registered under
}

// NewClient creates a core client for the given address and port.
func NewClient(address string, port int, token string) *Client {
	return &Client{
		base:           fmt.Sprintf("http://%s:%d", address, port),
		client:         &http.Client{Timeout: 10 * time.Second},
		token:          token,
		interests:      make(map[string]bool),
		tableInterests: make(map[string]bool),
	}
}

// Register registers the service record with the core, retrying with
// exponential backoff for up to a minute before giving up. Startup is the
// only operation the dispatcher retries.
func (c *Client) Register(ctx context.Context, record ServiceRecord) error {
	op := func() error {
		return c.post(ctx, "/service", record, nil)
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(time.Minute)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("register service %q: %w", record.Name, err)
	}
	c.mu.Lock()
	c.registered = record.Name
	c.mu.Unlock()
	log.Info().Str("service", record.Name).Msg("Registered with core")
	return nil
}

// Unregister removes this service's registration from the core.
func (c *Client) Unregister(ctx context.Context) error {
	c.mu.Lock()
	name := c.registered
	c.mu.Unlock()
	if name == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.base+"/service/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("unregister service %q: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unregister service %q: status %d", name, resp.StatusCode)
	}
	return nil
}

// GetService resolves a service by name.
func (c *Client) GetService(ctx context.Context, name string) (*ServiceRecord, error) {
	var out struct {
		Services []ServiceRecord `json:"services"`
	}
	if err := c.get(ctx, "/service?name="+url.QueryEscape(name), &out); err != nil {
		return nil, err
	}
	if len(out.Services) == 0 {
		return nil, fmt.Errorf("service %q not found", name)
	}
	return &out.Services[0], nil
}

// GetServicesByType returns every registered service of the given type.
func (c *Client) GetServicesByType(ctx context.Context, serviceType string) ([]ServiceRecord, error) {
	var out struct {
		Services []ServiceRecord `json:"services"`
	}
	if err := c.get(ctx, "/service?type="+url.QueryEscape(serviceType), &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// GetAssetIngestService resolves the service that ingests the given asset
// via the asset tracker.
func (c *Client) GetAssetIngestService(ctx context.Context, asset string) (*ServiceRecord, error) {
	var out struct {
		Track []struct {
			Service string `json:"service"`
			Event   string `json:"event"`
		} `json:"track"`
	}
	path := "/track?asset=" + url.QueryEscape(asset) + "&event=Ingest"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	if len(out.Track) == 0 {
		return nil, fmt.Errorf("no ingest service tracked for asset %q", asset)
	}
	return c.GetService(ctx, out.Track[0].Service)
}

// ── Configuration categories ────────────────────────────────

// categoryItem is one item of a configuration category on the wire.
type categoryItem struct {
	Value       string `json:"value"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// GetCategory returns the merged item values of a configuration category.
func (c *Client) GetCategory(ctx context.Context, name string) (map[string]string, error) {
	var items map[string]categoryItem
	if err := c.get(ctx, "/category/"+url.PathEscape(name), &items); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(items))
	for k, item := range items {
		out[k] = item.Value
	}
	return out, nil
}

// UpsertCategory creates the category or merges the defaults into it,
// keeping existing item values.
func (c *Client) UpsertCategory(ctx context.Context, name, description string, defaults map[string]string) error {
	items := make(map[string]categoryItem, len(defaults))
	for k, v := range defaults {
		items[k] = categoryItem{Value: v, Default: v}
	}
	body := struct {
		Key          string                  `json:"key"`
		Description  string                  `json:"description"`
		Value        map[string]categoryItem `json:"value"`
		KeepOriginal bool                    `json:"keep_original_items"`
	}{Key: name, Description: description, Value: items, KeepOriginal: true}
	return c.post(ctx, "/category", body, nil)
}

// SetCategoryItem sets the value of one configuration item.
func (c *Client) SetCategoryItem(ctx context.Context, category, item, value string) error {
	body := map[string]string{"value": value}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	path := "/category/" + url.PathEscape(category) + "/" + url.PathEscape(item)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path,
		bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("set config item %s/%s: %w", category, item, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("set config item %s/%s: status %d", category, item, resp.StatusCode)
	}
	return nil
}

// RegisterCategoryInterest subscribes this service to change callbacks for
// the category. Registration is idempotent; repeated calls are dropped.
func (c *Client) RegisterCategoryInterest(ctx context.Context, category string) error {
	c.mu.Lock()
	if c.interests[category] {
		c.mu.Unlock()
		return nil
	}
	name := c.registered
	c.mu.Unlock()

	body := map[string]string{"category": category, "service": name}
	if err := c.post(ctx, "/interest", body, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.interests[category] = true
	c.mu.Unlock()
	return nil
}

// RegisterTableInterest subscribes this service to row change notifications
// for one of the control tables. Idempotent, like category interests.
func (c *Client) RegisterTableInterest(ctx context.Context, table string) error {
	c.mu.Lock()
	if c.tableInterests[table] {
		c.mu.Unlock()
		return nil
	}
	name := c.registered
	c.mu.Unlock()

	body := map[string]string{"table": table, "service": name}
	if err := c.post(ctx, "/interest/table", body, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.tableInterests[table] = true
	c.mu.Unlock()
	return nil
}

// AddAuditEntry posts an audit log entry to the core.
func (c *Client) AddAuditEntry(ctx context.Context, code, severity string, details map[string]string) error {
	body := struct {
		Source   string            `json:"source"`
		Severity string            `json:"severity"`
		Details  map[string]string `json:"details"`
	}{Source: code, Severity: severity, Details: details}
	return c.post(ctx, "/audit", body, nil)
}

// VerifyToken asks the core to validate a caller's bearer token, returning
// the caller's registered name and type.
func (c *Client) VerifyToken(ctx context.Context, token string) (name, serviceType string, err error) {
	var out struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/service/verify_token", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("verify token: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("verify token: %w", err)
	}
	return out.Name, out.Type, nil
}

// ── HTTP plumbing ───────────────────────────────────────────

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path,
		bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
