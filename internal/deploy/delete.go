package deploy

import (
	"context"
	"fmt"
	"sort"

	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/internal/tc"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

// CascadeOutcome describes the commands issued while deleting a rule.
type CascadeOutcome struct {
	RuleID int64  `json:"rule_id"`
	Host   string `json:"host"`
	// Deactivation is the command clearing the deleted rule's interface.
	Deactivation string `json:"deactivation"`
	// Reapplied lists the remaining deployed rules whose shaping was
	// restored, in id order.
	Reapplied []int64  `json:"reapplied,omitempty"`
	Sequence  []string `json:"sequence,omitempty"`
	Warnings  []error  `json:"-"`
	// Err is set when restoring the remaining rules failed; the rule itself
	// is deleted regardless.
	Err error `json:"-"`
}

// DeleteRule clears the rule's interface, deletes the rule, and then
// restores every other rule on the same host and interface: one clear
// followed by the activation of each remaining deployed rule in id order.
// Shaping on an interface is global to it, so this is the only way to get
// back to the combined state of the remaining rules.
//
// If the rule's own deactivation cannot be dispatched the rule is kept and
// the error returned.
func (o *Orchestrator) DeleteRule(ctx context.Context, ruleID int64, initiator string) (*CascadeOutcome, error) {
	rule, err := o.repo.GetRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("loading rule: %w", err)
	}
	if rule == nil {
		return nil, fmt.Errorf("rule %d: %w", ruleID, store.ErrNotFound)
	}
	host, err := o.repo.GetHost(ctx, rule.HostID)
	if err != nil {
		return nil, fmt.Errorf("loading host: %w", err)
	}
	if host == nil {
		return nil, fmt.Errorf("host %d: %w", rule.HostID, store.ErrNotFound)
	}
	groupIDs, err := o.repo.GroupsForRule(ctx, rule.ID)
	if err != nil {
		return nil, fmt.Errorf("loading rule groups: %w", err)
	}

	out := &CascadeOutcome{RuleID: rule.ID, Host: host.Name}
	out.Deactivation, err = tc.Deactivate(rule.Interface)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	t, err := o.hostTask(ctx, host.Name)
	if err != nil {
		return nil, err
	}
	t.ruleID = rule.ID
	t.lines = []string{out.Deactivation}
	if res := o.runTask(ctx, *t); res.err != nil {
		return nil, fmt.Errorf("deactivating rule %d: %w", rule.ID, res.err)
	}

	if err := o.repo.DeleteRule(ctx, rule.ID); err != nil {
		return nil, fmt.Errorf("deleting rule: %w", err)
	}
	o.audit(ctx, "Deleted Rule")
	o.logger.Info("rule deleted", "rule", rule.ID, "host", host.Name, "initiator", initiator)

	remaining, err := o.repo.ListRules(ctx, store.RuleFilter{HostID: rule.HostID, Interface: rule.Interface})
	if err != nil {
		return out, fmt.Errorf("listing remaining rules: %w", err)
	}
	if len(remaining) > 0 {
		o.reapply(ctx, *t, rule.Interface, remaining, out)
		for _, r := range remaining {
			more, err := o.repo.GroupsForRule(ctx, r.ID)
			if err == nil {
				groupIDs = append(groupIDs, more...)
			}
		}
	}

	if err := o.refreshGroups(ctx, groupIDs); err != nil {
		return out, err
	}
	return out, nil
}

// reapply dispatches one clear followed by the activation of every deployed
// rule in remaining. Rules that can no longer be generated are marked
// undeployed, since the clear removed their shaping.
func (o *Orchestrator) reapply(ctx context.Context, t task, device string, remaining []models.Rule, out *CascadeOutcome) {
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].ID < remaining[j].ID })

	reset, _ := tc.Deactivate(device) // device already validated
	seq := []string{reset}
	var applied []int64
	for _, r := range remaining {
		if !r.Deployed {
			continue
		}
		cmds, err := o.gen.Generate(ctx, r, false)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Errorf("rule %d: %w", r.ID, err))
			o.setDeployed(ctx, r.ID, false)
			continue
		}
		out.Warnings = append(out.Warnings, cmds.Warnings...)
		seq = append(seq, cmds.Lines...)
		applied = append(applied, r.ID)
	}
	out.Sequence = seq
	out.Reapplied = applied

	t.lines = seq
	if res := o.runTask(ctx, t); res.err != nil {
		out.Err = res.err
		o.logger.Warn("restoring remaining rules failed", "host", t.host, "error", res.err)
		for _, id := range applied {
			o.setDeployed(ctx, id, false)
		}
	}
}

func (o *Orchestrator) setDeployed(ctx context.Context, ruleID int64, deployed bool) {
	if err := o.repo.SetRuleDeployed(ctx, ruleID, deployed); err != nil {
		o.logger.Warn("updating rule state", "rule", ruleID, "error", err)
	}
}

// refreshGroups recomputes the active flag of groups after their members
// changed outside a deployment.
func (o *Orchestrator) refreshGroups(ctx context.Context, ids []int64) error {
	seen := make(map[int64]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		g, err := o.repo.GetRuleGroup(ctx, id)
		if err != nil {
			return fmt.Errorf("loading rule group %d: %w", id, err)
		}
		if g == nil {
			continue
		}
		active, err := o.anyDeployed(ctx, g.RuleIDs)
		if err != nil {
			return err
		}
		if active != g.Active {
			if err := o.repo.SetRuleGroupStatus(ctx, g.ID, g.Deployed && active, active); err != nil {
				return fmt.Errorf("updating rule group %d: %w", id, err)
			}
		}
	}
	return nil
}

// DeleteRuleGroup deactivates a group, deletes the member rules that belong
// to no other group, then deletes the group itself.
func (o *Orchestrator) DeleteRuleGroup(ctx context.Context, groupID int64, initiator string) (*Outcome, error) {
	out, err := o.Deploy(ctx, groupID, models.IntentDeactivate, initiator)
	if err != nil {
		return nil, err
	}
	for _, id := range out.Group.RuleIDs {
		groups, err := o.repo.GroupsForRule(ctx, id)
		if err != nil {
			return out, fmt.Errorf("loading groups of rule %d: %w", id, err)
		}
		if len(groups) > 1 {
			continue
		}
		if _, err := o.DeleteRule(ctx, id, initiator); err != nil {
			return out, err
		}
	}
	if err := o.repo.DeleteRuleGroup(ctx, groupID); err != nil {
		return out, fmt.Errorf("deleting rule group: %w", err)
	}
	o.audit(ctx, "Deleted Rule group")
	return out, nil
}

// DeleteHost deletes every rule sourced at or targeting the host, with the
// usual cascade, and then the host.
func (o *Orchestrator) DeleteHost(ctx context.Context, hostID int64, initiator string) ([]*CascadeOutcome, error) {
	rules, err := o.repo.ListRules(ctx, store.RuleFilter{TouchesHostID: hostID})
	if err != nil {
		return nil, fmt.Errorf("listing rules of host: %w", err)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	var outcomes []*CascadeOutcome
	for _, r := range rules {
		co, err := o.DeleteRule(ctx, r.ID, initiator)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, co)
	}
	if err := o.repo.DeleteHost(ctx, hostID); err != nil {
		return outcomes, fmt.Errorf("deleting host: %w", err)
	}
	o.audit(ctx, "Deleted Host")
	return outcomes, nil
}
