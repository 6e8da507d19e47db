package topology

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

func ptr(v int64) *int64 { return &v }

func testRegions() []models.Region {
	return []models.Region{
		{ID: 1, Name: "EU West", Slug: "eu-west"},
		{ID: 2, Name: "US East", Slug: "us-east"},
	}
}

func testHosts() []models.Host {
	return []models.Host{
		{ID: 1, Name: "web1", IPAddress: "10.0.0.11", RegionID: ptr(1)},
		{ID: 2, Name: "db1", IPAddress: "10.1.0.5", RegionID: ptr(2)},
		{ID: 3, Name: "spare", IPAddress: "10.2.0.9"},
	}
}

func TestNodesAndRenderMap(t *testing.T) {
	regions := map[int64]models.Region{}
	for _, r := range testRegions() {
		regions[r.ID] = r
	}
	nodes := Nodes(testHosts(), regions)
	if len(nodes) != 4 {
		t.Fatalf("nodes = %+v, want 4 (hosts without region skipped)", nodes)
	}
	if nodes[1] != (Node{Name: "10.0.0.11", Rack: "/eu-west/default-rack"}) {
		t.Errorf("nodes[1] = %+v", nodes[1])
	}

	doc, err := RenderMap(nodes)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"<?xml version=\"1.0\" encoding=\"UTF-8\"?>",
		"<topology>",
		`<node name="web1" rack="/eu-west/default-rack"></node>`,
		`<node name="10.1.0.5" rack="/us-east/default-rack"></node>`,
		"</topology>\n",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("map missing %q:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "spare") {
		t.Error("unplaced host must not appear in the map")
	}
}

func TestPushCommand(t *testing.T) {
	cmd, err := PushCommand("", "<topology></topology>")
	if err != nil {
		t.Fatal(err)
	}
	want := "mkdir -p '/etc/hadoop/conf/' && cat > '/etc/hadoop/conf/topology.map' << 'TOPOLOGY_EOF'\n<topology></topology>\nTOPOLOGY_EOF"
	if cmd != want {
		t.Errorf("cmd = %q\nwant  %q", cmd, want)
	}

	if _, err := PushCommand("/tmp/t.map", "a\nTOPOLOGY_EOF\nb\n"); err == nil {
		t.Error("expected error for content containing the delimiter")
	}
}

func TestMatchWAN(t *testing.T) {
	regions := append(testRegions(), models.Region{ID: 3, Name: "ap_south", Slug: "ap_south"})
	tests := []struct {
		name     string
		from, to string
		ok       bool
	}{
		{"eu-west_us-east", "eu-west", "us-east", true},
		{"us-east_eu-west", "us-east", "eu-west", true},
		{"eu-west", "eu-west", "eu-west", true},
		{"ap_south", "ap_south", "ap_south", true},
		{"ap_south_eu-west", "ap_south", "eu-west", true},
		{"mars_venus", "", "", false},
	}
	for _, tt := range tests {
		from, to, ok := MatchWAN(tt.name, regions)
		if from != tt.from || to != tt.to || ok != tt.ok {
			t.Errorf("MatchWAN(%q) = %q, %q, %v", tt.name, from, to, ok)
		}
	}
}

type mockRunCall struct {
	cypher string
	params map[string]any
}

type mockSession struct {
	calls   []mockRunCall
	runFunc func(cypher string) error
	closed  bool
}

func (m *mockSession) Run(_ context.Context, cypher string, params map[string]any) error {
	m.calls = append(m.calls, mockRunCall{cypher: cypher, params: params})
	if m.runFunc != nil {
		return m.runFunc(cypher)
	}
	return nil
}

func (m *mockSession) Close(_ context.Context) error {
	m.closed = true
	return nil
}

func newTestSyncer(session *mockSession) *MemgraphSyncer {
	return &MemgraphSyncer{
		newSession: func(context.Context) sessionRunner { return session },
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, r := range testRegions() {
		r.ID = 0
		if err := s.UpsertRegion(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}
	eu, _ := s.GetRegionByName(ctx, "EU West")
	if err := s.UpsertHost(ctx, &models.Host{Name: "web1", IPAddress: "10.0.0.11", RegionID: &eu.ID}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"eu-west_us-east", "nowhere"} {
		if err := s.UpsertWAN(ctx, &models.WAN{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestSync(t *testing.T) {
	session := &mockSession{}
	stats, err := newTestSyncer(session).Sync(context.Background(), seededStore(t))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Regions != 2 || stats.Hosts != 1 || stats.WANs != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Unmatched) != 1 || stats.Unmatched[0] != "nowhere" {
		t.Errorf("unmatched = %v", stats.Unmatched)
	}
	if !session.closed {
		t.Error("session not closed")
	}
	if !strings.Contains(session.calls[0].cypher, "DETACH DELETE") {
		t.Errorf("first statement = %q, want clear", session.calls[0].cypher)
	}

	last := session.calls[len(session.calls)-1]
	wans, ok := last.params["wans"].([]map[string]any)
	if !ok || len(wans) != 1 || wans[0]["from"] != "eu-west" || wans[0]["to"] != "us-east" {
		t.Errorf("wan params = %v", last.params)
	}
}

func TestSync_IndexErrorIsNotFatal(t *testing.T) {
	session := &mockSession{runFunc: func(cypher string) error {
		if strings.HasPrefix(cypher, "CREATE INDEX") {
			return errors.New("index already exists")
		}
		return nil
	}}
	if _, err := newTestSyncer(session).Sync(context.Background(), seededStore(t)); err != nil {
		t.Fatalf("index errors must be tolerated: %v", err)
	}
}

func TestSync_ClearFails(t *testing.T) {
	session := &mockSession{runFunc: func(cypher string) error {
		if strings.Contains(cypher, "DETACH DELETE") {
			return errors.New("connection reset")
		}
		return nil
	}}
	_, err := newTestSyncer(session).Sync(context.Background(), seededStore(t))
	if err == nil || !strings.Contains(err.Error(), "clearing memgraph") {
		t.Errorf("err = %v", err)
	}
	if !session.closed {
		t.Error("session must be closed on error")
	}
}
