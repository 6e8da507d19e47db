package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/matijazezelj/tcpanel/internal/config"
	"github.com/matijazezelj/tcpanel/internal/deploy"
	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

type fakeDeployer struct {
	mu        sync.Mutex
	calls     []string
	deployErr error
	deleteErr error
	failRule  bool
}

func (f *fakeDeployer) Deploy(_ context.Context, groupID int64, intent models.Intent, initiator string) (*deploy.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("deploy %d %s %s", groupID, intent, initiator))
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	out := &deploy.Outcome{
		Deployment: models.Deployment{ID: "batch-1", GroupID: groupID, Intent: intent, Status: deploy.StatusDeployed},
		Group:      models.RuleGroup{ID: groupID, Name: "web"},
		Rules: []deploy.RuleOutcome{{
			RuleID:   1,
			Host:     "a",
			Commands: []string{"tcset --device eth0 --rate 100Mbps --change"},
		}},
	}
	if f.failRule {
		out.Rules[0].Err = errors.New("exit status 1")
	}
	return out, nil
}

func (f *fakeDeployer) DeleteRule(_ context.Context, ruleID int64, initiator string) (*deploy.CascadeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete %d %s", ruleID, initiator))
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &deploy.CascadeOutcome{RuleID: ruleID, Host: "a", Deactivation: "tcdel --device eth0 --all"}, nil
}

func (f *fakeDeployer) Gather(context.Context) (*deploy.GatherOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "gather")
	return &deploy.GatherOutcome{Reached: []string{"a", "b"}}, nil
}

// update mutates the fake while no request is reading it.
func (f *fakeDeployer) update(fn func(*fakeDeployer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDeployer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, cfg config.ServerConfig) (*httptest.Server, *store.MemoryStore, *fakeDeployer) {
	t.Helper()
	repo := store.NewMemoryStore()
	dep := &fakeDeployer{}
	s := New(repo, dep, cfg, testLogger())

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
	})
	return ts, repo, dep
}

func seedTestData(t *testing.T, repo store.Repository) {
	t.Helper()
	ctx := context.Background()
	region := &models.Region{Name: "EU West", Slug: "eu-west"}
	if err := repo.UpsertRegion(ctx, region); err != nil {
		t.Fatal(err)
	}
	host := &models.Host{Name: "a", IPAddress: "192.0.2.1", RegionID: &region.ID, Interface: "eth0"}
	if err := repo.UpsertHost(ctx, host); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateRule(ctx, &models.Rule{HostID: host.ID, Interface: "eth0", TargetAddress: "198.51.100.7"}); err != nil {
		t.Fatal(err)
	}
	for _, msg := range []string{"Created a", "Created b", "Created c"} {
		if _, err := repo.AppendAudit(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.AddNotification(ctx, &models.Notification{Recipient: "ops", Verb: "deployed"}); err != nil {
		t.Fatal(err)
	}
}

func doRequest(t *testing.T, method, url, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Tcpanel-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
	}
	for _, tt := range tests {
		if got := rr.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
	if csp := rr.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "default-src 'none'") {
		t.Errorf("CSP = %q", csp)
	}
}

func TestLimitBody(t *testing.T) {
	handler := limitBody(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		size int
		want int
	}{
		{"under limit", 1024, http.StatusOK},
		{"over limit", 2 << 20, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/gather", bytes.NewReader(make([]byte, tt.size)))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	s := New(store.NewMemoryStore(), &fakeDeployer{}, config.ServerConfig{RateLimit: 1, RateBurst: 2}, testLogger())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	handler := s.rateLimiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest("GET", "/api/v1/regions", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// Other clients and non-API paths are unaffected.
	req := httptest.NewRequest("GET", "/api/v1/regions", nil)
	req.RemoteAddr = "203.0.113.10:5000"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("second client status = %d", rr.Code)
	}
	req = httptest.NewRequest("GET", "/healthz", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, config.ServerConfig{APIToken: "s3cret"})

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"healthz open", "/healthz", "", http.StatusOK},
		{"missing token", "/api/v1/regions", "", http.StatusUnauthorized},
		{"wrong token", "/api/v1/regions", "nope", http.StatusUnauthorized},
		{"valid token", "/api/v1/regions", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, "GET", ts.URL+tt.path, tt.token, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestListEndpoints(t *testing.T) {
	ts, repo, _ := newTestServer(t, config.ServerConfig{})
	seedTestData(t, repo)

	var regions []models.Region
	decode(t, doRequest(t, "GET", ts.URL+"/api/v1/regions", "", nil), &regions)
	if len(regions) != 1 || regions[0].Slug != "eu-west" {
		t.Errorf("regions = %+v", regions)
	}

	var hosts []models.Host
	decode(t, doRequest(t, "GET", ts.URL+"/api/v1/hosts", "", nil), &hosts)
	if len(hosts) != 1 || hosts[0].Name != "a" {
		t.Errorf("hosts = %+v", hosts)
	}

	var rules []models.Rule
	decode(t, doRequest(t, "GET", ts.URL+"/api/v1/rules", "", nil), &rules)
	if len(rules) != 1 || rules[0].TargetAddress != "198.51.100.7" {
		t.Errorf("rules = %+v", rules)
	}

	resp := doRequest(t, "GET", ts.URL+"/api/v1/wans", "", nil)
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty list body = %s, want []", body)
	}

	var audit []models.AuditRecord
	decode(t, doRequest(t, "GET", ts.URL+"/api/v1/audit?limit=2", "", nil), &audit)
	if len(audit) != 2 || audit[1].Message != "Created c" {
		t.Errorf("audit = %+v", audit)
	}

	if resp := doRequest(t, "GET", ts.URL+"/api/v1/hosts?region=eu", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad region filter status = %d", resp.StatusCode)
	}
}

func TestNotifications(t *testing.T) {
	ts, repo, _ := newTestServer(t, config.ServerConfig{})
	seedTestData(t, repo)

	if resp := doRequest(t, "GET", ts.URL+"/api/v1/notifications", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing recipient status = %d", resp.StatusCode)
	}

	var notes []models.Notification
	decode(t, doRequest(t, "GET", ts.URL+"/api/v1/notifications?recipient=ops", "", nil), &notes)
	if len(notes) != 1 || notes[0].Verb != "deployed" {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestDeployEndpoints(t *testing.T) {
	ts, _, dep := newTestServer(t, config.ServerConfig{})

	var out deployResponse
	resp := doRequest(t, "POST", ts.URL+"/api/v1/groups/7/deploy", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	decode(t, resp, &out)
	if out.Deployment.ID != "batch-1" || len(out.Rules) != 1 || out.Rules[0].Error != "" {
		t.Errorf("response = %+v", out)
	}

	dep.update(func(f *fakeDeployer) { f.failRule = true })
	resp = doRequest(t, "POST", ts.URL+"/api/v1/groups/7/undeploy", "", nil)
	if resp.StatusCode != http.StatusMultiStatus {
		t.Errorf("partial failure status = %d, want 207", resp.StatusCode)
	}
	decode(t, resp, &out)
	if out.Rules[0].Error != "exit status 1" {
		t.Errorf("rule error = %q", out.Rules[0].Error)
	}

	if resp := doRequest(t, "POST", ts.URL+"/api/v1/groups/x/deploy", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d", resp.StatusCode)
	}

	dep.update(func(f *fakeDeployer) { f.deployErr = fmt.Errorf("rule group 9: %w", store.ErrNotFound) })
	if resp := doRequest(t, "POST", ts.URL+"/api/v1/groups/9/deploy", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing group status = %d", resp.StatusCode)
	}

	want := []string{"deploy 7 activate alice", "deploy 7 deactivate alice", "deploy 9 activate alice"}
	if strings.Join(dep.callLog(), "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", dep.callLog(), want)
	}
}

func TestDeleteRuleEndpoint(t *testing.T) {
	ts, _, dep := newTestServer(t, config.ServerConfig{})

	resp := doRequest(t, "DELETE", ts.URL+"/api/v1/rules/3", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	if body["deactivation"] != "tcdel --device eth0 --all" {
		t.Errorf("body = %v", body)
	}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("rule 3: %w", store.ErrNotFound), http.StatusNotFound},
		{"unreachable", fmt.Errorf("deactivating rule 3: %w", &deploy.ConnectionError{Host: "a", Err: errors.New("refused")}), http.StatusBadGateway},
		{"dispatch failure", fmt.Errorf("deactivating rule 3: %w", &deploy.DispatchFailure{Host: "a", ExitStatus: 1}), http.StatusBadGateway},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dep.update(func(f *fakeDeployer) { f.deleteErr = tt.err })
			if resp := doRequest(t, "DELETE", ts.URL+"/api/v1/rules/3", "", nil); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGatherEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, config.ServerConfig{})

	var out deploy.GatherOutcome
	decode(t, doRequest(t, "POST", ts.URL+"/api/v1/gather", "", nil), &out)
	if len(out.Reached) != 2 {
		t.Errorf("reached = %v", out.Reached)
	}
}

func TestReadOnlyMode(t *testing.T) {
	ts, _, dep := newTestServer(t, config.ServerConfig{ReadOnly: true})

	for _, tc := range []struct{ method, path string }{
		{"POST", "/api/v1/groups/1/deploy"},
		{"POST", "/api/v1/groups/1/undeploy"},
		{"DELETE", "/api/v1/rules/1"},
		{"POST", "/api/v1/gather"},
	} {
		resp := doRequest(t, tc.method, ts.URL+tc.path, "", nil)
		if resp.StatusCode == http.StatusOK {
			t.Errorf("%s %s should be disabled in read-only mode", tc.method, tc.path)
		}
	}
	if calls := dep.callLog(); len(calls) != 0 {
		t.Errorf("deployer called in read-only mode: %v", calls)
	}
	if resp := doRequest(t, "GET", ts.URL+"/api/v1/regions", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("reads must stay available, status = %d", resp.StatusCode)
	}
}

func TestTopologyExport(t *testing.T) {
	ts, repo, _ := newTestServer(t, config.ServerConfig{})
	seedTestData(t, repo)

	resp := doRequest(t, "GET", ts.URL+"/api/v1/topology/export?format=dot", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/vnd.graphviz" {
		t.Fatalf("status = %d, content type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"host:a" -> "region:eu-west"`) {
		t.Errorf("dot = %s", body)
	}

	var g struct {
		Hosts []models.Host `json:"hosts"`
	}
	decode(t, doRequest(t, "GET", ts.URL+"/api/v1/topology/export", "", nil), &g)
	if len(g.Hosts) != 1 {
		t.Errorf("hosts = %+v", g.Hosts)
	}

	if resp := doRequest(t, "GET", ts.URL+"/api/v1/topology/export?format=svg", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format status = %d", resp.StatusCode)
	}
}
