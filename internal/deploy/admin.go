package deploy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

func (o *Orchestrator) audit(ctx context.Context, msg string) {
	if _, err := o.repo.AppendAudit(ctx, msg); err != nil {
		o.logger.Warn("appending audit record", "message", msg, "error", err)
	}
}

// AddRegion creates or updates a region and audits it.
func (o *Orchestrator) AddRegion(ctx context.Context, r *models.Region) error {
	if err := o.repo.UpsertRegion(ctx, r); err != nil {
		return fmt.Errorf("saving region: %w", err)
	}
	o.audit(ctx, "Created "+r.Name)
	return nil
}

// AddInstanceType creates or updates an instance type and audits it.
func (o *Orchestrator) AddInstanceType(ctx context.Context, it *models.InstanceType) error {
	if err := o.repo.UpsertInstanceType(ctx, it); err != nil {
		return fmt.Errorf("saving instance type: %w", err)
	}
	o.audit(ctx, "Created "+it.Name)
	return nil
}

// AddWAN creates or updates a WAN link and audits it.
func (o *Orchestrator) AddWAN(ctx context.Context, w *models.WAN) error {
	if err := o.repo.UpsertWAN(ctx, w); err != nil {
		return fmt.Errorf("saving wan: %w", err)
	}
	o.audit(ctx, "Created "+w.Name)
	return nil
}

// AddHost creates or updates a host and audits it.
func (o *Orchestrator) AddHost(ctx context.Context, h *models.Host) error {
	if h.IPAddress == "" {
		return fmt.Errorf("host %s: ip address is required", h.Name)
	}
	if err := o.repo.UpsertHost(ctx, h); err != nil {
		return fmt.Errorf("saving host: %w", err)
	}
	o.audit(ctx, "Created "+h.Name)
	return nil
}

// AddRule creates a rule and audits it by id. The interface defaults to the
// source host's. A target address only overrides the destination network,
// so a target host or region is still required.
func (o *Orchestrator) AddRule(ctx context.Context, r *models.Rule) error {
	if r.Interface == "" {
		host, err := o.repo.GetHost(ctx, r.HostID)
		if err != nil {
			return fmt.Errorf("loading host: %w", err)
		}
		if host != nil {
			r.Interface = host.Interface
		}
	}
	if r.TargetHostID == nil && r.TargetRegionID == nil {
		return fmt.Errorf("rule needs a target host or region")
	}
	if err := o.repo.CreateRule(ctx, r); err != nil {
		return fmt.Errorf("saving rule: %w", err)
	}
	o.audit(ctx, "Created "+strconv.FormatInt(r.ID, 10))
	return nil
}

// AddRuleGroup creates a rule group and audits it.
func (o *Orchestrator) AddRuleGroup(ctx context.Context, g *models.RuleGroup) error {
	if err := o.repo.CreateRuleGroup(ctx, g); err != nil {
		return fmt.Errorf("saving rule group: %w", err)
	}
	o.audit(ctx, "Created "+g.Name)
	return nil
}

// DeleteRegion deletes a region. Hosts in it become unconfigured.
func (o *Orchestrator) DeleteRegion(ctx context.Context, id int64) error {
	if err := o.repo.DeleteRegion(ctx, id); err != nil {
		return fmt.Errorf("deleting region: %w", err)
	}
	o.audit(ctx, "Deleted Region")
	return nil
}

// DeleteInstanceType deletes an instance type.
func (o *Orchestrator) DeleteInstanceType(ctx context.Context, id int64) error {
	if err := o.repo.DeleteInstanceType(ctx, id); err != nil {
		return fmt.Errorf("deleting instance type: %w", err)
	}
	o.audit(ctx, "Deleted Instance type")
	return nil
}

// DeleteWAN deletes a WAN link.
func (o *Orchestrator) DeleteWAN(ctx context.Context, id int64) error {
	if err := o.repo.DeleteWAN(ctx, id); err != nil {
		return fmt.Errorf("deleting wan: %w", err)
	}
	o.audit(ctx, "Deleted Wan")
	return nil
}
