// Package deploy applies rule groups to hosts: it generates the shaping
// commands, fans them out over a bounded worker pool, and records the
// outcome in the repository, the audit log and user notifications.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matijazezelj/tcpanel/internal/executor"
	"github.com/matijazezelj/tcpanel/internal/inventory"
	"github.com/matijazezelj/tcpanel/internal/notify"
	"github.com/matijazezelj/tcpanel/internal/resolve"
	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/internal/tc"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

// Defaults applied by New.
const (
	DefaultForks   = 100
	DefaultTimeout = 5 * time.Minute
)

// Deployment statuses.
const (
	StatusRunning  = "running"
	StatusDeployed = "deployed"
	StatusFailed   = "failed"
)

// Options configure an Orchestrator.
type Options struct {
	// Forks bounds the number of concurrent remote sessions.
	Forks int
	// Timeout bounds one dispatch task, all of its commands included.
	Timeout time.Duration
	// Admins receive rules_failed notifications.
	Admins []string
	// Execution holds connection defaults, overridden per host by inventory
	// variables.
	Execution executor.Params

	TopologyPush    bool
	TopologyMapPath string
}

// Orchestrator deploys rule groups.
type Orchestrator struct {
	repo     store.Repository
	inv      inventory.Provider
	exec     executor.Executor
	gen      *tc.Generator
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger

	hostLocks sync.Map // host name -> *sync.Mutex
}

// New creates an Orchestrator.
func New(repo store.Repository, inv inventory.Provider, exec executor.Executor, notifier notify.Notifier, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewMulti()
	}
	if opts.Forks <= 0 {
		opts.Forks = DefaultForks
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		repo:     repo,
		inv:      inv,
		exec:     exec,
		gen:      tc.NewGenerator(resolve.New(repo)),
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// RuleOutcome is the result of one rule in a batch.
type RuleOutcome struct {
	RuleID   int64    `json:"rule_id"`
	Host     string   `json:"host"`
	Commands []string `json:"commands,omitempty"`
	Warnings []error  `json:"-"`
	Err      error    `json:"-"`
}

// Succeeded reports whether every command of the rule succeeded.
func (r RuleOutcome) Succeeded() bool { return r.Err == nil }

// Outcome is the result of a Deploy call.
type Outcome struct {
	Deployment models.Deployment `json:"deployment"`
	Group      models.RuleGroup  `json:"group"`
	// Skipped rules were already in the state the intent asks for.
	Skipped []int64       `json:"skipped,omitempty"`
	Rules   []RuleOutcome `json:"rules"`
}

// Succeeded reports whether every attempted rule succeeded.
func (o *Outcome) Succeeded() bool {
	for _, r := range o.Rules {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

// task is one unit of work for the pool: commands run in order on one host.
type task struct {
	ruleID      int64
	host        string
	groups      []string
	lines       []string
	gatherFacts bool
	params      executor.Params
}

type taskResult struct {
	task    task
	results []*executor.Result
	err     error
}

// Deploy activates or deactivates every member rule of a group. Rules that
// are already in the requested state are skipped, so repeating a deploy is a
// no-op. Errors are local to a rule; the returned error is only set when the
// batch could not be started or the repository failed mid-batch, in which
// case the deployment record is closed as failed.
func (o *Orchestrator) Deploy(ctx context.Context, groupID int64, intent models.Intent, initiator string) (_ *Outcome, err error) {
	if intent != models.IntentActivate && intent != models.IntentDeactivate {
		return nil, fmt.Errorf("unknown intent %q", intent)
	}
	group, err := o.repo.GetRuleGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("loading rule group: %w", err)
	}
	if group == nil {
		return nil, fmt.Errorf("rule group %d: %w", groupID, store.ErrNotFound)
	}

	dep := models.Deployment{
		ID:        uuid.NewString(),
		GroupID:   group.ID,
		Intent:    intent,
		Initiator: initiator,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}
	if err := o.repo.RecordDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("recording deployment: %w", err)
	}
	defer func() {
		if err != nil {
			o.abortDeployment(ctx, dep, err)
		}
	}()
	o.logger.Info("deployment started", "deployment", dep.ID, "group", group.Name, "intent", intent, "rules", len(group.RuleIDs))

	out := &Outcome{}
	byRule := make(map[int64]*RuleOutcome)
	var tasks []task
	deactivate := intent == models.IntentDeactivate

	for _, id := range group.RuleIDs {
		rule, err := o.repo.GetRule(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading rule %d: %w", id, err)
		}
		if rule == nil {
			continue
		}
		if rule.Deployed != deactivate {
			out.Skipped = append(out.Skipped, rule.ID)
			continue
		}

		ro := &RuleOutcome{RuleID: rule.ID}
		byRule[rule.ID] = ro
		t, err := o.prepare(ctx, *rule, deactivate, ro)
		if err != nil {
			ro.Err = err
			o.logger.Warn("rule not dispatched", "rule", rule.ID, "error", err)
			continue
		}
		tasks = append(tasks, *t)
	}
	dep.Dispatched = len(tasks)

	for res := range o.dispatch(ctx, tasks) {
		ro := byRule[res.task.ruleID]
		ro.Err = res.err
		if res.err != nil {
			o.logger.Warn("rule failed", "rule", ro.RuleID, "host", ro.Host, "error", res.err)
			continue
		}
		if err := o.repo.SetRuleDeployed(ctx, ro.RuleID, !deactivate); err != nil {
			ro.Err = fmt.Errorf("updating rule state: %w", err)
		}
	}

	for _, ro := range byRule {
		out.Rules = append(out.Rules, *ro)
		if ro.Err == nil {
			dep.Succeeded++
		} else {
			dep.Failed++
		}
	}
	sort.Slice(out.Rules, func(i, j int) bool { return out.Rules[i].RuleID < out.Rules[j].RuleID })

	deployed := group.Deployed
	if len(out.Rules) > 0 {
		deployed = out.Succeeded()
	}
	active, err := o.anyDeployed(ctx, group.RuleIDs)
	if err != nil {
		return nil, err
	}
	if err := o.repo.SetRuleGroupStatus(ctx, group.ID, deployed, active); err != nil {
		return nil, fmt.Errorf("updating rule group: %w", err)
	}
	group.Deployed, group.Active = deployed, active
	out.Group = *group

	verb := notify.VerbDeployed
	dep.Status = StatusDeployed
	if !out.Succeeded() {
		verb = notify.VerbFailed
		dep.Status = StatusFailed
	}
	if initiator != "" {
		n := models.Notification{Recipient: initiator, Verb: verb, Description: group.Name}
		if err := o.notifier.Notify(ctx, n); err != nil {
			o.logger.Warn("notifying initiator", "recipient", initiator, "error", err)
		}
	}

	finished := time.Now().UTC()
	dep.FinishedAt = &finished
	if err := o.repo.UpdateDeployment(ctx, dep); err != nil {
		o.logger.Warn("finalising deployment record", "deployment", dep.ID, "error", err)
	}
	out.Deployment = dep

	o.logger.Info("deployment finished", "deployment", dep.ID, "group", group.Name,
		"status", dep.Status, "succeeded", dep.Succeeded, "failed", dep.Failed, "skipped", len(out.Skipped))
	return out, nil
}

// abortDeployment closes the record of a batch that stopped on a
// repository error.
func (o *Orchestrator) abortDeployment(ctx context.Context, dep models.Deployment, cause error) {
	finished := time.Now().UTC()
	dep.Status = StatusFailed
	dep.FinishedAt = &finished
	if err := o.repo.UpdateDeployment(context.WithoutCancel(ctx), dep); err != nil {
		o.logger.Warn("finalising deployment record", "deployment", dep.ID, "error", err)
	}
	o.logger.Error("deployment aborted", "deployment", dep.ID, "error", cause)
}

// prepare generates a rule's commands and resolves the connection
// parameters of its source host.
func (o *Orchestrator) prepare(ctx context.Context, rule models.Rule, deactivate bool, ro *RuleOutcome) (*task, error) {
	host, err := o.repo.GetHost(ctx, rule.HostID)
	if err != nil {
		return nil, fmt.Errorf("loading host: %w", err)
	}
	if host == nil {
		return nil, fmt.Errorf("host %d: %w", rule.HostID, store.ErrNotFound)
	}
	ro.Host = host.Name

	cmds, err := o.gen.Generate(ctx, rule, deactivate)
	if err != nil {
		return nil, err
	}
	ro.Commands = cmds.Lines
	ro.Warnings = cmds.Warnings
	for _, w := range cmds.Warnings {
		o.logger.Warn("rule resolved with warning", "rule", rule.ID, "warning", w)
	}

	t, err := o.hostTask(ctx, host.Name)
	if err != nil {
		return nil, err
	}
	t.ruleID = rule.ID
	t.lines = cmds.Lines
	return t, nil
}

// hostTask resolves connection parameters for an inventory host: config
// defaults, then inventory globals, then host variables.
func (o *Orchestrator) hostTask(ctx context.Context, name string) (*task, error) {
	h, err := inventory.Find(ctx, o.inv, name)
	if err != nil {
		return nil, &ConnectionError{Host: name, Err: err}
	}
	if h == nil {
		return nil, &ConnectionError{Host: name, Err: ErrHostNotInInventory}
	}
	globals, err := o.inv.GlobalDefaults(ctx)
	if err != nil {
		return nil, &ConnectionError{Host: name, Err: err}
	}
	return o.taskFor(*h, globals), nil
}

func (o *Orchestrator) taskFor(h inventory.Host, globals inventory.Vars) *task {
	p := o.opts.Execution.Merge(globals).Merge(h.Vars)
	if p.Address == "" {
		p.Address = h.Address
	}
	return &task{host: h.Name, groups: h.Groups, params: p}
}

// dispatch runs tasks on at most Forks goroutines and streams their results.
// The channel is closed once every task has reported.
func (o *Orchestrator) dispatch(ctx context.Context, tasks []task) <-chan taskResult {
	results := make(chan taskResult, len(tasks))
	sem := make(chan struct{}, o.opts.Forks)

	go func() {
		var wg sync.WaitGroup
		for _, t := range tasks {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- taskResult{task: t, err: &ConnectionError{Host: t.host, Err: ctx.Err()}}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				results <- o.runTask(ctx, t)
			}()
		}
		wg.Wait()
		close(results)
	}()
	return results
}

// runTask executes a task's commands in order, stopping at the first
// failure. Every command is audited before it runs.
func (o *Orchestrator) runTask(ctx context.Context, t task) taskResult {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	tr := taskResult{task: t}
	for _, line := range t.lines {
		if _, err := o.repo.AppendAudit(ctx, fmt.Sprintf("Deploying %s to %s", line, t.host)); err != nil {
			o.logger.Warn("appending audit record", "host", t.host, "error", err)
		}

		res, err := o.exec.Execute(ctx, executor.Request{
			Command:     line,
			Host:        t.host,
			GatherFacts: t.gatherFacts,
			Params:      t.params,
		})
		if err != nil {
			tr.err = &ConnectionError{Host: t.host, Err: err}
			return tr
		}
		tr.results = append(tr.results, res)
		o.logger.Debug("dispatch completed", "host", t.host, "rule", t.ruleID, "exit", res.ExitStatus)

		if len(res.Stderr) > 0 {
			o.notifyAdmins(ctx, t.host, res.Stderr)
		}
		if res.Failed() {
			tr.err = &DispatchFailure{Host: t.host, Command: line, ExitStatus: res.ExitStatus, Stderr: res.Stderr}
			return tr
		}
	}
	return tr
}

func (o *Orchestrator) notifyAdmins(ctx context.Context, host string, stderr []string) {
	desc := fmt.Sprintf("Host %s - Output: %v", host, stderr)
	for _, admin := range o.opts.Admins {
		n := models.Notification{Recipient: admin, Verb: notify.VerbRulesFailed, Description: desc}
		if err := o.notifier.Notify(ctx, n); err != nil {
			o.logger.Warn("notifying administrator", "recipient", admin, "error", err)
		}
	}
}

// saveFacts persists discovered facts. Writes to the same host are
// serialised.
func (o *Orchestrator) saveFacts(ctx context.Context, host string, facts models.Facts, groups []string) error {
	v, _ := o.hostLocks.LoadOrStore(host, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return o.repo.UpdateHostFacts(ctx, host, facts, groups)
}

func (o *Orchestrator) anyDeployed(ctx context.Context, ruleIDs []int64) (bool, error) {
	for _, id := range ruleIDs {
		r, err := o.repo.GetRule(ctx, id)
		if err != nil {
			return false, fmt.Errorf("loading rule %d: %w", id, err)
		}
		if r != nil && r.Deployed {
			return true, nil
		}
	}
	return false, nil
}

// IsConnectionError reports whether err is a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
