package store

import (
	"context"
	"fmt"
	"os"

	"github.com/matijazezelj/tcpanel/pkg/models"
	"gopkg.in/yaml.v3"
)

// Seed is a YAML description of a topology and its rules, loaded with
// `tcpanel import`.
type Seed struct {
	Regions       []seedRegion  `yaml:"regions"`
	InstanceTypes []seedProfile `yaml:"instance_types"`
	WANs          []seedProfile `yaml:"wans"`
	Hosts         []seedHost    `yaml:"hosts"`
	Rules         []seedRule    `yaml:"rules"`
	Groups        []seedGroup   `yaml:"groups"`
}

type seedProfile struct {
	Name       string  `yaml:"name"`
	Bandwidth  float64 `yaml:"bandwidth"`
	Rate       string  `yaml:"rate"`
	Latency    float64 `yaml:"latency"`
	PacketLoss float64 `yaml:"packet_loss"`
	Corruption float64 `yaml:"corruption"`
}

type seedLink struct {
	Bandwidth float64 `yaml:"bandwidth"`
	Rate      string  `yaml:"rate"`
	Latency   float64 `yaml:"latency"`
}

type seedRegion struct {
	Name       string   `yaml:"name"`
	Internal   seedLink `yaml:"internal"`
	External   seedLink `yaml:"external"`
	PacketLoss float64  `yaml:"packet_loss"`
	Corruption float64  `yaml:"corruption"`
}

type seedHost struct {
	Name         string `yaml:"name"`
	IPAddress    string `yaml:"ip_address"`
	Region       string `yaml:"region"`
	InstanceType string `yaml:"instance_type"`
	Interface    string `yaml:"interface"`
}

type seedRule struct {
	// Ref names the rule inside the seed file so groups can refer to it.
	Ref           string  `yaml:"ref"`
	Host          string  `yaml:"host"`
	Interface     string  `yaml:"interface"`
	TargetHost    string  `yaml:"target_host"`
	TargetRegion  string  `yaml:"target_region"`
	TargetAddress string  `yaml:"target_address"`
	DstPort       *int    `yaml:"dst_port"`
	SrcPort       *int    `yaml:"src_port"`
	Direction     string  `yaml:"direction"`
	Bandwidth     float64 `yaml:"bandwidth"`
	Rate          string  `yaml:"rate"`
	Latency       float64 `yaml:"latency"`
	PacketLoss    float64 `yaml:"packet_loss"`
	Corruption    float64 `yaml:"corruption"`
}

type seedGroup struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Rules       []string `yaml:"rules"`
}

// SeedStats counts what ApplySeed wrote.
type SeedStats struct {
	Regions       int
	InstanceTypes int
	WANs          int
	Hosts         int
	Rules         int
	Groups        int
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing seed YAML: %w", err)
	}
	return &s, nil
}

func (p seedProfile) profile() (models.Profile, error) {
	rate, err := models.ParseRate(p.Rate)
	if err != nil {
		return models.Profile{}, err
	}
	prof := models.Profile{
		Bandwidth:  p.Bandwidth,
		Rate:       rate,
		Latency:    p.Latency,
		PacketLoss: p.PacketLoss,
		Corruption: p.Corruption,
	}
	if p.Latency > 0 {
		prof.LatencyUnit = models.TimeMilliseconds
	}
	return prof, nil
}

// ApplySeed writes a seed into the repository. Regions, instance types, WAN
// links and hosts are upserted by name; rules are always created and groups
// gain any listed rules they do not yet contain.
func ApplySeed(ctx context.Context, repo Repository, s *Seed) (SeedStats, error) {
	var stats SeedStats

	regions := make(map[string]int64)
	for _, sr := range s.Regions {
		internalRate, err := models.ParseRate(sr.Internal.Rate)
		if err != nil {
			return stats, fmt.Errorf("region %s: %w", sr.Name, err)
		}
		externalRate, err := models.ParseRate(sr.External.Rate)
		if err != nil {
			return stats, fmt.Errorf("region %s: %w", sr.Name, err)
		}
		r := &models.Region{
			Name:              sr.Name,
			InternalBandwidth: sr.Internal.Bandwidth,
			InternalRate:      internalRate,
			InternalLatency:   sr.Internal.Latency,
			ExternalBandwidth: sr.External.Bandwidth,
			ExternalRate:      externalRate,
			PacketLoss:        sr.PacketLoss,
			Corruption:        sr.Corruption,
		}
		if sr.Internal.Latency > 0 {
			r.InternalLatencyUnit = models.TimeMilliseconds
		}
		if err := repo.UpsertRegion(ctx, r); err != nil {
			return stats, fmt.Errorf("region %s: %w", sr.Name, err)
		}
		regions[r.Name] = r.ID
		stats.Regions++
	}

	instanceTypes := make(map[string]int64)
	for _, sp := range s.InstanceTypes {
		prof, err := sp.profile()
		if err != nil {
			return stats, fmt.Errorf("instance type %s: %w", sp.Name, err)
		}
		it := &models.InstanceType{Name: sp.Name, Profile: prof}
		if err := repo.UpsertInstanceType(ctx, it); err != nil {
			return stats, fmt.Errorf("instance type %s: %w", sp.Name, err)
		}
		instanceTypes[it.Name] = it.ID
		stats.InstanceTypes++
	}

	for _, sp := range s.WANs {
		prof, err := sp.profile()
		if err != nil {
			return stats, fmt.Errorf("wan %s: %w", sp.Name, err)
		}
		if err := repo.UpsertWAN(ctx, &models.WAN{Name: sp.Name, Profile: prof}); err != nil {
			return stats, fmt.Errorf("wan %s: %w", sp.Name, err)
		}
		stats.WANs++
	}

	lookupRegion := func(name string) (*int64, error) {
		if name == "" {
			return nil, nil
		}
		if id, ok := regions[name]; ok {
			return &id, nil
		}
		r, err := repo.GetRegionByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, fmt.Errorf("unknown region %q: %w", name, ErrNotFound)
		}
		return &r.ID, nil
	}

	hosts := make(map[string]int64)
	for _, sh := range s.Hosts {
		if sh.IPAddress == "" {
			return stats, fmt.Errorf("host %s: ip_address is required", sh.Name)
		}
		regionID, err := lookupRegion(sh.Region)
		if err != nil {
			return stats, fmt.Errorf("host %s: %w", sh.Name, err)
		}
		h := &models.Host{
			Name:      sh.Name,
			IPAddress: sh.IPAddress,
			RegionID:  regionID,
			Interface: sh.Interface,
		}
		if existing, err := repo.GetHostByName(ctx, sh.Name); err != nil {
			return stats, fmt.Errorf("host %s: %w", sh.Name, err)
		} else if existing != nil {
			existing.IPAddress = h.IPAddress
			existing.RegionID = h.RegionID
			existing.Interface = h.Interface
			h = existing
		}
		if sh.InstanceType != "" {
			id, ok := instanceTypes[sh.InstanceType]
			if !ok {
				it, err := repo.GetInstanceTypeByName(ctx, sh.InstanceType)
				if err != nil {
					return stats, fmt.Errorf("host %s: %w", sh.Name, err)
				}
				if it == nil {
					return stats, fmt.Errorf("host %s: unknown instance type %q: %w", sh.Name, sh.InstanceType, ErrNotFound)
				}
				id = it.ID
			}
			h.InstanceTypeID = &id
		}
		if err := repo.UpsertHost(ctx, h); err != nil {
			return stats, fmt.Errorf("host %s: %w", sh.Name, err)
		}
		hosts[h.Name] = h.ID
		stats.Hosts++
	}

	lookupHost := func(name string) (int64, error) {
		if id, ok := hosts[name]; ok {
			return id, nil
		}
		h, err := repo.GetHostByName(ctx, name)
		if err != nil {
			return 0, err
		}
		if h == nil {
			return 0, fmt.Errorf("unknown host %q: %w", name, ErrNotFound)
		}
		return h.ID, nil
	}

	refs := make(map[string]int64)
	for i, sr := range s.Rules {
		label := sr.Ref
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		hostID, err := lookupHost(sr.Host)
		if err != nil {
			return stats, fmt.Errorf("rule %s: %w", label, err)
		}
		rate, err := models.ParseRate(sr.Rate)
		if err != nil {
			return stats, fmt.Errorf("rule %s: %w", label, err)
		}
		dir, err := models.ParseDirection(sr.Direction)
		if err != nil {
			return stats, fmt.Errorf("rule %s: %w", label, err)
		}
		rule := &models.Rule{
			HostID:        hostID,
			Interface:     sr.Interface,
			TargetAddress: sr.TargetAddress,
			DstPort:       sr.DstPort,
			SrcPort:       sr.SrcPort,
			Direction:     dir,
			Profile: models.Profile{
				Bandwidth:  sr.Bandwidth,
				Rate:       rate,
				Latency:    sr.Latency,
				PacketLoss: sr.PacketLoss,
				Corruption: sr.Corruption,
			},
		}
		if sr.Latency > 0 {
			rule.LatencyUnit = models.TimeMilliseconds
		}
		if sr.TargetHost != "" {
			id, err := lookupHost(sr.TargetHost)
			if err != nil {
				return stats, fmt.Errorf("rule %s: target: %w", label, err)
			}
			rule.TargetHostID = &id
		}
		if rule.TargetRegionID, err = lookupRegion(sr.TargetRegion); err != nil {
			return stats, fmt.Errorf("rule %s: target: %w", label, err)
		}
		if rule.TargetHostID == nil && rule.TargetRegionID == nil {
			return stats, fmt.Errorf("rule %s: needs a target_host or target_region", label)
		}
		if rule.Interface == "" {
			h, err := repo.GetHost(ctx, hostID)
			if err != nil {
				return stats, fmt.Errorf("rule %s: %w", label, err)
			}
			rule.Interface = h.Interface
		}
		if err := repo.CreateRule(ctx, rule); err != nil {
			return stats, fmt.Errorf("rule %s: %w", label, err)
		}
		if sr.Ref != "" {
			refs[sr.Ref] = rule.ID
		}
		stats.Rules++
	}

	for _, sg := range s.Groups {
		var ruleIDs []int64
		for _, ref := range sg.Rules {
			id, ok := refs[ref]
			if !ok {
				return stats, fmt.Errorf("group %s: unknown rule ref %q", sg.Name, ref)
			}
			ruleIDs = append(ruleIDs, id)
		}

		existing, err := repo.GetRuleGroupByName(ctx, sg.Name)
		if err != nil {
			return stats, fmt.Errorf("group %s: %w", sg.Name, err)
		}
		if existing != nil {
			for _, id := range ruleIDs {
				if err := repo.AddRuleToGroup(ctx, existing.ID, id); err != nil {
					return stats, fmt.Errorf("group %s: %w", sg.Name, err)
				}
			}
		} else {
			g := &models.RuleGroup{Name: sg.Name, Description: sg.Description, RuleIDs: ruleIDs}
			if err := repo.CreateRuleGroup(ctx, g); err != nil {
				return stats, fmt.Errorf("group %s: %w", sg.Name, err)
			}
		}
		stats.Groups++
	}

	return stats, nil
}
