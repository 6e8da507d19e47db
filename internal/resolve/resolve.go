// Package resolve computes the effective shaping of a rule by walking the
// host, instance type, region and WAN hierarchy.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

var (
	ErrNoWanLink         = errors.New("no WAN link between regions")
	ErrNoViableBandwidth = errors.New("no bandwidth candidate has both a value and a rate")
	ErrHostNotConfigured = errors.New("host has no region or instance type")
	ErrNoTarget          = errors.New("rule has no target host")
	ErrNoAddress         = errors.New("target host has no ip address")
	errUnknownHost       = errors.New("host not found")
)

// Kind classifies a ResolutionError.
type Kind string

const (
	KindNoWanLink         Kind = "NoWanLink"
	KindNoViableBandwidth Kind = "NoViableBandwidth"
	KindHostNotConfigured Kind = "HostNotConfigured"
	KindNoTarget          Kind = "NoTarget"
)

// ResolutionError reports why a rule could not be resolved.
type ResolutionError struct {
	Kind   Kind
	RuleID int64
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving rule %d: %s: %v", e.RuleID, e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func newError(kind Kind, ruleID int64, err error) *ResolutionError {
	return &ResolutionError{Kind: kind, RuleID: ruleID, Err: err}
}

// Shaping is the effective shaping of one rule towards one target host in
// one direction.
type Shaping struct {
	RuleID      int64
	Interface   string
	Target      models.Host
	Destination string // literal override or the target's IP address
	Bandwidth   float64
	Rate        models.Rate
	Latency     float64
	LatencyUnit models.TimeUnit
	PacketLoss  float64
	Corruption  float64
	DstPort     *int
	SrcPort     *int
	Direction   models.Direction
}

// Resolution is the outcome of resolving one rule.
type Resolution struct {
	Shapings []Shaping
	// Warnings are non-fatal problems, one per affected target.
	Warnings []error
}

// Resolver resolves rules against a topology.
type Resolver struct {
	topo store.Topology
}

// New creates a Resolver.
func New(topo store.Topology) *Resolver {
	return &Resolver{topo: topo}
}

type candidate struct {
	value float64
	rate  models.Rate
}

// minBandwidth picks the most restrictive candidate: lowest rate tier, then
// lowest value. Candidates lacking either value or rate are ignored.
func minBandwidth(candidates []candidate) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range candidates {
		if c.value <= 0 || c.rate == models.RateNone {
			continue
		}
		if !found || c.rate < best.rate || (c.rate == best.rate && c.value < best.value) {
			best = c
			found = true
		}
	}
	return best, found
}

// WANNames lists the WAN link names tried, in order, for a pair of region
// slugs.
func WANNames(srcSlug, dstSlug string) []string {
	return []string{srcSlug + "_" + dstSlug, dstSlug + "_" + srcSlug, srcSlug}
}

func (r *Resolver) findWAN(ctx context.Context, src, dst *models.Region) (*models.WAN, error) {
	for _, name := range WANNames(src.Slug, dst.Slug) {
		w, err := r.topo.GetWANByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("looking up WAN %s: %w", name, err)
		}
		if w != nil {
			return w, nil
		}
	}
	return nil, nil
}

// placement is a host with its region and instance type loaded.
type placement struct {
	host     models.Host
	region   *models.Region
	instance *models.InstanceType
}

func (r *Resolver) place(ctx context.Context, h models.Host) (*placement, error) {
	if h.RegionID == nil || h.InstanceTypeID == nil {
		return nil, fmt.Errorf("%s: %w", h.Name, ErrHostNotConfigured)
	}
	region, err := r.topo.GetRegion(ctx, *h.RegionID)
	if err != nil {
		return nil, fmt.Errorf("loading region of %s: %w", h.Name, err)
	}
	it, err := r.topo.GetInstanceType(ctx, *h.InstanceTypeID)
	if err != nil {
		return nil, fmt.Errorf("loading instance type of %s: %w", h.Name, err)
	}
	if region == nil || it == nil {
		return nil, fmt.Errorf("%s: %w", h.Name, ErrHostNotConfigured)
	}
	return &placement{host: h, region: region, instance: it}, nil
}

// Targets returns the hosts a rule applies to, in discovery (id) order: the
// explicit target host, otherwise every host in the target region except
// the source.
func (r *Resolver) Targets(ctx context.Context, rule models.Rule) ([]models.Host, error) {
	if rule.TargetHostID != nil {
		h, err := r.topo.GetHost(ctx, *rule.TargetHostID)
		if err != nil {
			return nil, fmt.Errorf("loading target host: %w", err)
		}
		if h == nil {
			return nil, newError(KindNoTarget, rule.ID, fmt.Errorf("target host %d: %w", *rule.TargetHostID, errUnknownHost))
		}
		return []models.Host{*h}, nil
	}
	if rule.TargetRegionID == nil {
		return nil, newError(KindNoTarget, rule.ID, ErrNoTarget)
	}

	hosts, err := r.topo.ListHosts(ctx, store.HostFilter{RegionID: *rule.TargetRegionID})
	if err != nil {
		return nil, fmt.Errorf("listing hosts in region %d: %w", *rule.TargetRegionID, err)
	}
	var targets []models.Host
	for _, h := range hosts {
		if h.ID != rule.HostID {
			targets = append(targets, h)
		}
	}
	if len(targets) == 0 {
		return nil, newError(KindNoTarget, rule.ID, fmt.Errorf("region %d has no other hosts: %w", *rule.TargetRegionID, ErrNoTarget))
	}
	return targets, nil
}

// Resolve computes every shaping a rule expands to. A ResolutionError for
// any target fails the whole rule, except NoViableBandwidth which is
// reported in Warnings: the shaping is kept without a rate.
func (r *Resolver) Resolve(ctx context.Context, rule models.Rule) (*Resolution, error) {
	source, err := r.topo.GetHost(ctx, rule.HostID)
	if err != nil {
		return nil, fmt.Errorf("loading source host: %w", err)
	}
	if source == nil {
		return nil, newError(KindHostNotConfigured, rule.ID, fmt.Errorf("source host %d: %w", rule.HostID, errUnknownHost))
	}
	src, err := r.place(ctx, *source)
	if err != nil {
		return nil, asResolutionError(rule.ID, err)
	}

	targets, err := r.Targets(ctx, rule)
	if err != nil {
		return nil, err
	}

	res := &Resolution{}
	for _, target := range targets {
		dst, err := r.place(ctx, target)
		if err != nil {
			return nil, asResolutionError(rule.ID, err)
		}

		s := Shaping{
			RuleID:      rule.ID,
			Interface:   rule.Interface,
			Target:      target,
			Destination: target.IPAddress,
			LatencyUnit: models.TimeMilliseconds,
			DstPort:     rule.DstPort,
			SrcPort:     rule.SrcPort,
		}
		if rule.TargetAddress != "" {
			s.Destination = rule.TargetAddress
		}
		// Without a destination tc would shape the whole interface.
		if s.Destination == "" {
			return nil, newError(KindNoTarget, rule.ID, fmt.Errorf("%s: %w", target.Name, ErrNoAddress))
		}

		candidates := []candidate{
			{rule.Bandwidth, rule.Rate},
			{dst.region.InternalBandwidth, dst.region.InternalRate},
			{dst.instance.Bandwidth, dst.instance.Rate},
		}
		s.Latency = rule.Latency + src.instance.Latency + src.region.InternalLatency
		s.PacketLoss = rule.PacketLoss + src.instance.PacketLoss + src.region.PacketLoss
		s.Corruption = rule.Corruption + src.instance.Corruption + src.region.Corruption

		if src.region.ID != dst.region.ID {
			wan, err := r.findWAN(ctx, src.region, dst.region)
			if err != nil {
				return nil, err
			}
			if wan == nil {
				return nil, newError(KindNoWanLink, rule.ID,
					fmt.Errorf("%s and %s: %w", src.region.Slug, dst.region.Slug, ErrNoWanLink))
			}
			candidates = append(candidates,
				candidate{src.region.ExternalBandwidth, src.region.ExternalRate},
				candidate{dst.region.ExternalBandwidth, dst.region.ExternalRate},
				candidate{wan.Bandwidth, wan.Rate},
			)
			s.Latency += dst.region.InternalLatency + wan.Latency
			s.PacketLoss += dst.region.PacketLoss + wan.PacketLoss
			s.Corruption += dst.region.Corruption + wan.Corruption
		}

		if best, ok := minBandwidth(candidates); ok {
			s.Bandwidth, s.Rate = best.value, best.rate
		} else {
			res.Warnings = append(res.Warnings, newError(KindNoViableBandwidth, rule.ID,
				fmt.Errorf("towards %s: %w", target.Name, ErrNoViableBandwidth)))
		}

		switch rule.Direction {
		case models.DirectionOutgoing, models.DirectionIncoming:
			s.Direction = rule.Direction
			res.Shapings = append(res.Shapings, s)
		default:
			out, in := s, s
			out.Direction = models.DirectionOutgoing
			in.Direction = models.DirectionIncoming
			res.Shapings = append(res.Shapings, out, in)
		}
	}
	return res, nil
}

func asResolutionError(ruleID int64, err error) error {
	if errors.Is(err, ErrHostNotConfigured) {
		return newError(KindHostNotConfigured, ruleID, err)
	}
	return err
}
