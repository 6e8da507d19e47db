package topology

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

func TestSnapshot(t *testing.T) {
	g, err := Snapshot(context.Background(), seededStore(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Regions) != 2 || len(g.Hosts) != 1 {
		t.Errorf("regions = %d, hosts = %d", len(g.Regions), len(g.Hosts))
	}
	if len(g.Links) != 1 || g.Links[0].From != "eu-west" || g.Links[0].To != "us-east" {
		t.Errorf("links = %+v, want only the matched eu-west_us-east", g.Links)
	}
}

func TestExportDOT(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	if err := s.UpsertWAN(ctx, &models.WAN{Name: "us-east", Profile: models.Profile{
		Bandwidth: 50, Rate: models.RateMbps, Latency: 80, LatencyUnit: models.TimeMilliseconds, PacketLoss: 0.5,
	}}); err != nil {
		t.Fatal(err)
	}

	out, err := Export(ctx, s, FormatDOT)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"digraph tcpanel {",
		`"region:eu-west" [label="EU West", shape=ellipse`,
		`"host:web1" -> "region:eu-west" [label="in_region"];`,
		`"region:eu-west" -> "region:us-east" [label="eu-west_us-east", dir=both];`,
		`"region:us-east" -> "region:us-east" [label="50Mbps 80ms 0.5% loss", dir=both];`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("DOT missing %q:\n%s", want, out)
		}
	}
}

func TestExportMermaid(t *testing.T) {
	out, err := Export(context.Background(), seededStore(t), FormatMermaid)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"graph LR\n",
		`region_eu_west(("EU West"))`,
		`host_web1["web1 (10.0.0.11)"]`,
		"host_web1 --> region_eu_west",
		"region_eu_west <-->|eu-west_us-east| region_us_east",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Mermaid missing %q:\n%s", want, out)
		}
	}
}

func TestExportJSON(t *testing.T) {
	out, err := Export(context.Background(), seededStore(t), FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	var g Graph
	if err := json.Unmarshal([]byte(out), &g); err != nil {
		t.Fatal(err)
	}
	if len(g.Links) != 1 || g.Hosts[0].Name != "web1" {
		t.Errorf("graph = %+v", g)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	if _, err := Export(context.Background(), seededStore(t), "svg"); err == nil {
		t.Error("expected error for unknown format")
	}
}
