package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/internal/topology"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

// Assignment places hosts in a region with an instance type and interface.
// Hosts are picked either by name or by CIDR, never both.
type Assignment struct {
	RegionID       int64    `json:"region_id"`
	InstanceTypeID int64    `json:"instance_type_id"`
	Interface      string   `json:"interface"`
	Hosts          []string `json:"hosts,omitempty"`
	CIDR           string   `json:"cidr,omitempty"`
}

// ConfigureOutcome lists what ConfigureHosts changed.
type ConfigureOutcome struct {
	Configured []string `json:"configured"`
	Missing    []string `json:"missing,omitempty"`
	// Pushed is the number of hosts the topology map reached.
	Pushed    int               `json:"pushed"`
	PushFails map[string]string `json:"push_failures,omitempty"`
}

// ConfigureHosts applies an assignment and, when enabled, pushes the
// refreshed topology map to every inventory host.
func (o *Orchestrator) ConfigureHosts(ctx context.Context, a Assignment) (*ConfigureOutcome, error) {
	if (len(a.Hosts) == 0) == (a.CIDR == "") {
		return nil, errors.New("select hosts either by name or by CIDR")
	}
	var prefix netip.Prefix
	if a.CIDR != "" {
		p, err := netip.ParsePrefix(a.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", a.CIDR, err)
		}
		prefix = p.Masked()
	}

	hosts, err := o.repo.ListHosts(ctx, store.HostFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}

	out := &ConfigureOutcome{}
	wanted := make(map[string]bool, len(a.Hosts))
	for _, n := range a.Hosts {
		wanted[n] = true
	}
	for _, h := range hosts {
		if a.CIDR != "" {
			addr, err := netip.ParseAddr(h.IPAddress)
			if err != nil || !prefix.Contains(addr) {
				continue
			}
		} else if !wanted[h.Name] {
			continue
		}
		delete(wanted, h.Name)

		h.RegionID = &a.RegionID
		h.InstanceTypeID = &a.InstanceTypeID
		if a.Interface != "" {
			h.Interface = a.Interface
		}
		if err := o.repo.UpsertHost(ctx, &h); err != nil {
			return out, fmt.Errorf("configuring host %s: %w", h.Name, err)
		}
		out.Configured = append(out.Configured, h.Name)
	}
	for _, n := range a.Hosts {
		if wanted[n] {
			out.Missing = append(out.Missing, n)
		}
	}
	o.logger.Info("hosts configured", "count", len(out.Configured), "missing", len(out.Missing))

	if o.opts.TopologyPush {
		if err := o.PushTopology(ctx, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// TopologyMap renders the rack-awareness map of all placed hosts.
func (o *Orchestrator) TopologyMap(ctx context.Context) (string, error) {
	hosts, err := o.repo.ListHosts(ctx, store.HostFilter{})
	if err != nil {
		return "", fmt.Errorf("listing hosts: %w", err)
	}
	regions, err := o.repo.ListRegions(ctx)
	if err != nil {
		return "", fmt.Errorf("listing regions: %w", err)
	}
	byID := make(map[int64]models.Region, len(regions))
	for _, r := range regions {
		byID[r.ID] = r
	}
	return topology.RenderMap(topology.Nodes(hosts, byID))
}

// PushTopology writes the topology map to every inventory host. Results
// are recorded in out.
func (o *Orchestrator) PushTopology(ctx context.Context, out *ConfigureOutcome) error {
	doc, err := o.TopologyMap(ctx)
	if err != nil {
		return err
	}
	cmd, err := topology.PushCommand(o.opts.TopologyMapPath, doc)
	if err != nil {
		return err
	}

	hosts, err := o.inv.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("listing inventory hosts: %w", err)
	}
	globals, err := o.inv.GlobalDefaults(ctx)
	if err != nil {
		return fmt.Errorf("loading inventory defaults: %w", err)
	}
	tasks := make([]task, 0, len(hosts))
	for _, h := range hosts {
		t := o.taskFor(h, globals)
		t.lines = []string{cmd}
		tasks = append(tasks, *t)
	}

	for res := range o.dispatch(ctx, tasks) {
		if res.err != nil {
			if out.PushFails == nil {
				out.PushFails = make(map[string]string)
			}
			out.PushFails[res.task.host] = res.err.Error()
			continue
		}
		out.Pushed++
	}
	return nil
}
