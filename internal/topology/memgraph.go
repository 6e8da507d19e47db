package topology

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/pkg/models"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Source is the read side of the repository mirrored into the graph.
type Source interface {
	ListRegions(ctx context.Context) ([]models.Region, error)
	ListHosts(ctx context.Context, filter store.HostFilter) ([]models.Host, error)
	ListWANs(ctx context.Context) ([]models.WAN, error)
}

// SyncStats counts what a sync wrote.
type SyncStats struct {
	Regions int
	Hosts   int
	WANs    int
	// Unmatched lists WAN names that name no known region pair.
	Unmatched []string
}

// MemgraphSyncer mirrors regions, hosts and WAN links into Memgraph.
type MemgraphSyncer struct {
	driver     neo4j.DriverWithContext
	newSession sessionFactory
	logger     *slog.Logger
}

// NewMemgraphSyncer connects to Memgraph over Bolt.
func NewMemgraphSyncer(uri, username, password string, logger *slog.Logger) (*MemgraphSyncer, error) {
	auth := neo4j.NoAuth()
	if username != "" {
		auth = neo4j.BasicAuth(username, password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("creating memgraph driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(context.Background())
		return nil, fmt.Errorf("memgraph connectivity check failed: %w", err)
	}

	logger.Info("memgraph connected", "uri", uri)
	return &MemgraphSyncer{
		driver:     driver,
		newSession: newNeo4jSessionFactory(driver),
		logger:     logger,
	}, nil
}

// Close closes the driver connection.
func (s *MemgraphSyncer) Close() error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(context.Background())
}

// Sync replaces the graph with the current topology:
// (:Host)-[:IN_REGION]->(:Region) and (:Region)-[:WAN]->(:Region).
func (s *MemgraphSyncer) Sync(ctx context.Context, src Source) (*SyncStats, error) {
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

	session := s.newSession(ctx)
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	s.logger.Info("clearing memgraph topology")
	if err := session.Run(ctx, "MATCH (n) WHERE n:Region OR n:Host DETACH DELETE n", nil); err != nil {
		return nil, fmt.Errorf("clearing memgraph: %w", err)
	}
	for _, cypher := range []string{
		"CREATE INDEX ON :Region(slug)",
		"CREATE INDEX ON :Host(name)",
	} {
		if err := session.Run(ctx, cypher, nil); err != nil {
			s.logger.Warn("creating index (may already exist)", "error", err)
		}
	}

	stats := &SyncStats{Regions: len(regions), Hosts: len(hosts)}

	regionParams := make([]map[string]any, len(regions))
	for i, r := range regions {
		regionParams[i] = regionToParams(r)
	}
	if err := session.Run(ctx, `
		UNWIND $regions AS r
		CREATE (:Region {
			id: r.id, name: r.name, slug: r.slug,
			internal_bandwidth: r.internalBandwidth, internal_rate: r.internalRate,
			internal_latency: r.internalLatency,
			external_bandwidth: r.externalBandwidth, external_rate: r.externalRate,
			packet_loss: r.packetLoss, corruption: r.corruption
		})
	`, map[string]any{"regions": regionParams}); err != nil {
		return nil, fmt.Errorf("syncing regions: %w", err)
	}

	hostParams := make([]map[string]any, len(hosts))
	for i, h := range hosts {
		hostParams[i] = hostToParams(h)
	}
	if err := session.Run(ctx, `
		UNWIND $hosts AS h
		CREATE (n:Host {
			id: h.id, name: h.name, ip_address: h.ipAddress,
			interface: h.interface, active: h.active
		})
		WITH n, h
		MATCH (r:Region {id: h.regionID})
		CREATE (n)-[:IN_REGION]->(r)
	`, map[string]any{"hosts": hostParams}); err != nil {
		return nil, fmt.Errorf("syncing hosts: %w", err)
	}

	var links []map[string]any
	for _, w := range wans {
		from, to, ok := MatchWAN(w.Name, regions)
		if !ok {
			stats.Unmatched = append(stats.Unmatched, w.Name)
			continue
		}
		links = append(links, wanToParams(w, from, to))
	}
	if len(links) > 0 {
		if err := session.Run(ctx, `
			UNWIND $wans AS w
			MATCH (a:Region {slug: w.from})
			MATCH (b:Region {slug: w.to})
			CREATE (a)-[:WAN {
				name: w.name, bandwidth: w.bandwidth, rate: w.rate,
				latency: w.latency, packet_loss: w.packetLoss, corruption: w.corruption
			}]->(b)
		`, map[string]any{"wans": links}); err != nil {
			return nil, fmt.Errorf("syncing wans: %w", err)
		}
	}
	stats.WANs = len(links)

	s.logger.Info("memgraph sync complete", "regions", stats.Regions, "hosts", stats.Hosts, "wans", stats.WANs)
	return stats, nil
}

// MatchWAN finds the regions a WAN name connects: "<a>_<b>" for a pair, or
// a single slug for a region-local fallback link (a self loop).
func MatchWAN(name string, regions []models.Region) (from, to string, ok bool) {
	for _, a := range regions {
		if a.Slug == name {
			return a.Slug, a.Slug, true
		}
		for _, b := range regions {
			if a.Slug != b.Slug && a.Slug+"_"+b.Slug == name {
				return a.Slug, b.Slug, true
			}
		}
	}
	return "", "", false
}

func regionToParams(r models.Region) map[string]any {
	return map[string]any{
		"id":                r.ID,
		"name":              r.Name,
		"slug":              r.Slug,
		"internalBandwidth": r.InternalBandwidth,
		"internalRate":      r.InternalRate.String(),
		"internalLatency":   r.InternalLatency,
		"externalBandwidth": r.ExternalBandwidth,
		"externalRate":      r.ExternalRate.String(),
		"packetLoss":        r.PacketLoss,
		"corruption":        r.Corruption,
	}
}

func hostToParams(h models.Host) map[string]any {
	var regionID any
	if h.RegionID != nil {
		regionID = *h.RegionID
	}
	return map[string]any{
		"id":        h.ID,
		"name":      h.Name,
		"ipAddress": h.IPAddress,
		"interface": h.Interface,
		"active":    h.Active,
		"regionID":  regionID,
	}
}

func wanToParams(w models.WAN, from, to string) map[string]any {
	return map[string]any{
		"name":       w.Name,
		"from":       from,
		"to":         to,
		"bandwidth":  w.Bandwidth,
		"rate":       w.Rate.String(),
		"latency":    w.Latency,
		"packetLoss": w.PacketLoss,
		"corruption": w.Corruption,
	}
}
