package deploy

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

const gatherCommand = "hostname --ip-address"

// GatherOutcome summarises a fact-gathering run.
type GatherOutcome struct {
	Reached []string          `json:"reached"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Gather contacts every inventory host, records its facts and inventory
// groups, and marks it active. Region, instance type and interface of known
// hosts are preserved.
func (o *Orchestrator) Gather(ctx context.Context) (*GatherOutcome, error) {
	hosts, err := o.inv.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing inventory hosts: %w", err)
	}
	globals, err := o.inv.GlobalDefaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading inventory defaults: %w", err)
	}

	tasks := make([]task, 0, len(hosts))
	addresses := make(map[string]string, len(hosts))
	for _, h := range hosts {
		t := o.taskFor(h, globals)
		t.lines = []string{gatherCommand}
		t.gatherFacts = true
		tasks = append(tasks, *t)
		addresses[h.Name] = h.Address
	}

	out := &GatherOutcome{Failed: make(map[string]string)}
	for res := range o.dispatch(ctx, tasks) {
		name := res.task.host
		if res.err != nil {
			out.Failed[name] = res.err.Error()
			continue
		}
		out.Reached = append(out.Reached, name)

		var facts models.Facts
		var stdout []string
		if len(res.results) > 0 {
			if f := res.results[0].Facts; f != nil {
				facts = *f
			}
			stdout = res.results[0].Stdout
		}
		if facts.IPAddress == "" {
			facts.IPAddress = firstAddress(firstField(stdout), addresses[name])
		}
		if err := o.saveFacts(ctx, name, facts, res.task.groups); err != nil {
			out.Failed[name] = err.Error()
		}
	}
	o.logger.Info("fact gathering finished", "reached", len(out.Reached), "failed", len(out.Failed))
	return out, nil
}

// firstAddress returns the first candidate that parses as an IP address.
// Inventory addresses fall back to the host name, which never does.
func firstAddress(candidates ...string) string {
	for _, c := range candidates {
		if _, err := netip.ParseAddr(c); err == nil {
			return c
		}
	}
	return ""
}

func firstField(lines []string) string {
	for _, l := range lines {
		if f := strings.Fields(l); len(f) > 0 {
			return f[0]
		}
	}
	return ""
}
