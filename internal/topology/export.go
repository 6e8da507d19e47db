package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

// Export formats.
const (
	FormatDOT     = "dot"
	FormatMermaid = "mermaid"
	FormatJSON    = "json"
)

// Graph is a snapshot of the placement graph: regions, the hosts in them
// and the WAN links between them.
type Graph struct {
	Regions []models.Region `json:"regions"`
	Hosts   []models.Host   `json:"hosts"`
	Links   []Link          `json:"links"`
}

// Link is a WAN link resolved to the slugs of its endpoints.
type Link struct {
	WAN  models.WAN `json:"wan"`
	From string     `json:"from"`
	To   string     `json:"to"`
}

// Snapshot reads the graph from src. WAN links naming no known region are
// left out.
func Snapshot(ctx context.Context, src Source) (*Graph, error) {
	regions, err := src.ListRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing regions: %w", err)
	}
	hosts, err := src.ListHosts(ctx, store.HostFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	wans, err := src.ListWANs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing wans: %w", err)
	}

	g := &Graph{Regions: regions, Hosts: hosts, Links: []Link{}}
	if g.Regions == nil {
		g.Regions = []models.Region{}
	}
	if g.Hosts == nil {
		g.Hosts = []models.Host{}
	}
	for _, w := range wans {
		from, to, ok := MatchWAN(w.Name, regions)
		if !ok {
			continue
		}
		g.Links = append(g.Links, Link{WAN: w, From: from, To: to})
	}
	sort.Slice(g.Links, func(i, j int) bool { return g.Links[i].WAN.Name < g.Links[j].WAN.Name })
	return g, nil
}

// Export renders the graph in the given format.
func Export(ctx context.Context, src Source, format string) (string, error) {
	g, err := Snapshot(ctx, src)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatDOT:
		return g.DOT(), nil
	case FormatMermaid:
		return g.Mermaid(), nil
	case FormatJSON:
		b, err := json.MarshalIndent(g, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b) + "\n", nil
	default:
		return "", fmt.Errorf("unknown export format %q (use: dot, mermaid, json)", format)
	}
}

func (g *Graph) regionSlugs() map[int64]string {
	slugs := make(map[int64]string, len(g.Regions))
	for _, r := range g.Regions {
		slugs[r.ID] = r.Slug
	}
	return slugs
}

func linkLabel(w models.WAN) string {
	var parts []string
	if w.Bandwidth > 0 && w.Rate != models.RateNone {
		parts = append(parts, strconv.FormatFloat(w.Bandwidth, 'f', -1, 64)+w.Rate.String())
	}
	if w.Latency > 0 {
		parts = append(parts, strconv.FormatFloat(w.Latency, 'f', -1, 64)+w.LatencyUnit.Suffix())
	}
	if w.PacketLoss > 0 {
		parts = append(parts, strconv.FormatFloat(w.PacketLoss, 'f', -1, 64)+"% loss")
	}
	if len(parts) == 0 {
		return w.Name
	}
	return strings.Join(parts, " ")
}

// DOT renders the graph in Graphviz DOT format.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph tcpanel {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [style=filled];\n\n")

	for _, r := range g.Regions {
		fmt.Fprintf(&b, "  %q [label=%q, shape=ellipse, fillcolor=%q];\n", "region:"+r.Slug, r.Name, "#85C1E9")
	}
	slugs := g.regionSlugs()
	for _, h := range g.Hosts {
		label := fmt.Sprintf("%s\\n%s", h.Name, h.IPAddress)
		fmt.Fprintf(&b, "  %q [label=%q, shape=box, fillcolor=%q];\n", "host:"+h.Name, label, hostColor(h))
	}

	b.WriteString("\n")
	for _, h := range g.Hosts {
		if h.RegionID == nil {
			continue
		}
		if slug, ok := slugs[*h.RegionID]; ok {
			fmt.Fprintf(&b, "  %q -> %q [label=\"in_region\"];\n", "host:"+h.Name, "region:"+slug)
		}
	}
	for _, l := range g.Links {
		fmt.Fprintf(&b, "  %q -> %q [label=%q, dir=both];\n", "region:"+l.From, "region:"+l.To, linkLabel(l.WAN))
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid renders the graph as a Mermaid flowchart.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph LR\n")

	for _, r := range g.Regions {
		fmt.Fprintf(&b, "  %s((\"%s\"))\n", mermaidSafeID("region:"+r.Slug), r.Name)
	}
	slugs := g.regionSlugs()
	for _, h := range g.Hosts {
		fmt.Fprintf(&b, "  %s[\"%s (%s)\"]\n", mermaidSafeID("host:"+h.Name), h.Name, h.IPAddress)
	}
	for _, h := range g.Hosts {
		if h.RegionID == nil {
			continue
		}
		if slug, ok := slugs[*h.RegionID]; ok {
			fmt.Fprintf(&b, "  %s --> %s\n", mermaidSafeID("host:"+h.Name), mermaidSafeID("region:"+slug))
		}
	}
	for _, l := range g.Links {
		fmt.Fprintf(&b, "  %s <-->|%s| %s\n", mermaidSafeID("region:"+l.From), linkLabel(l.WAN), mermaidSafeID("region:"+l.To))
	}
	return b.String()
}

func hostColor(h models.Host) string {
	switch {
	case h.RegionID == nil:
		return "#D5D8DC"
	case h.Active:
		return "#A3E4D7"
	default:
		return "#F9E79F"
	}
}

func mermaidSafeID(id string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "-", "_", "/", "_", " ", "_")
	return r.Replace(id)
}
