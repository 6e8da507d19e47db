package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matijazezelj/tcpanel/internal/executor"
	"github.com/matijazezelj/tcpanel/internal/inventory"
	"github.com/matijazezelj/tcpanel/internal/notify"
	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

const testSeed = `
regions:
  - name: eu
    internal: {bandwidth: 10, rate: Gbps, latency: 2}
  - name: us
    internal: {bandwidth: 10, rate: Gbps, latency: 3}
instance_types:
  - name: small
    bandwidth: 100
    rate: Mbps
    latency: 1
wans:
  - name: eu_us
    bandwidth: 50
    rate: Mbps
    latency: 80
hosts:
  - {name: a, ip_address: 10.0.0.1, region: eu, instance_type: small, interface: eth0}
  - {name: b, ip_address: 10.1.0.1, region: us, instance_type: small, interface: eth0}
  - {name: c, ip_address: 10.0.0.3, region: eu, instance_type: small, interface: eth0}
rules:
  - {ref: r1, host: a, target_host: b, direction: outgoing, dst_port: 8080}
  - {ref: r2, host: a, target_host: b, direction: outgoing, dst_port: 9090}
  - {ref: r3, host: c, target_host: a, direction: outgoing}
groups:
  - {name: web, rules: [r1, r2]}
  - {name: ghost, rules: [r3]}
  - {name: batch, rules: [r2]}
`

const (
	cmdR1 = "tcset --device eth0 --rate 50Mbps --delay 86ms --loss 0 --port 8080 --dst-network 10.1.0.1 --direction outgoing --change"
	cmdR2 = "tcset --device eth0 --rate 50Mbps --delay 86ms --loss 0 --port 9090 --dst-network 10.1.0.1 --direction outgoing --change"
	cmdDel = "tcdel --device eth0 --all"
)

// fakeExecutor records requests and answers them with respond, or with a
// clean result when respond is nil.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []executor.Request
	respond func(ctx context.Context, req executor.Request) (*executor.Result, error)

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(ctx, req)
	}
	return &executor.Result{Host: req.Host}, nil
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Command
	}
	return out
}

type env struct {
	t    *testing.T
	repo *store.MemoryStore
	inv  *inventory.Static
	exec *fakeExecutor
	orch *Orchestrator
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	repo := store.NewMemoryStore()
	seed, err := store.ParseSeed([]byte(testSeed))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ApplySeed(context.Background(), repo, seed); err != nil {
		t.Fatal(err)
	}
	inv := &inventory.Static{
		Hosts: []inventory.Host{
			{Name: "a", Vars: inventory.Vars{"ansible_host": "192.0.2.1"}, Groups: []string{"shapers"}},
			{Name: "b", Vars: inventory.Vars{"ansible_port": "2222"}},
		},
		Globals: inventory.Vars{"ansible_user": "deploy"},
	}
	if opts.Admins == nil {
		opts.Admins = []string{"root", "ops"}
	}
	opts.Execution.RemoteUser = "root"
	ex := &fakeExecutor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := New(repo, inv, ex, notify.NewInboxNotifier(repo), opts, logger)
	return &env{t: t, repo: repo, inv: inv, exec: ex, orch: orch}
}

func (e *env) group(name string) *models.RuleGroup {
	e.t.Helper()
	g, err := e.repo.GetRuleGroupByName(context.Background(), name)
	if err != nil || g == nil {
		e.t.Fatalf("group %s: %v", name, err)
	}
	return g
}

func (e *env) ruleByPort(port int) *models.Rule {
	e.t.Helper()
	rules, err := e.repo.ListRules(context.Background(), store.RuleFilter{})
	if err != nil {
		e.t.Fatal(err)
	}
	for _, r := range rules {
		if r.DstPort != nil && *r.DstPort == port {
			return &r
		}
	}
	e.t.Fatalf("no rule on port %d", port)
	return nil
}

func (e *env) inbox(recipient string) []models.Notification {
	e.t.Helper()
	n, err := e.repo.ListNotifications(context.Background(), recipient, false)
	if err != nil {
		e.t.Fatal(err)
	}
	return n
}

func (e *env) auditMessages() []string {
	e.t.Helper()
	recs, err := e.repo.ListAudit(context.Background(), 0)
	if err != nil {
		e.t.Fatal(err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Message
	}
	return out
}

func sameStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestDeployActivate(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	g := e.group("web")

	out, err := e.orch.Deploy(ctx, g.ID, models.IntentActivate, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Succeeded() || len(out.Rules) != 2 || len(out.Skipped) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if !out.Group.Deployed || !out.Group.Active {
		t.Errorf("group = %+v, want deployed and active", out.Group)
	}

	cmds := e.exec.commands()
	if len(cmds) != 2 || !strings.Contains(strings.Join(cmds, "\n"), cmdR1) || !strings.Contains(strings.Join(cmds, "\n"), cmdR2) {
		t.Errorf("commands = %q", cmds)
	}
	req := e.exec.calls[0]
	if req.Host != "a" || req.Params.RemoteUser != "deploy" || req.Params.Address != "192.0.2.1" || req.GatherFacts {
		t.Errorf("request = %+v", req)
	}

	for _, port := range []int{8080, 9090} {
		if !e.ruleByPort(port).Deployed {
			t.Errorf("rule on port %d not marked deployed", port)
		}
	}
	stored := e.group("web")
	if !stored.Deployed || !stored.Active {
		t.Errorf("stored group = %+v", stored)
	}

	audit := e.auditMessages()
	if !slicesContain(audit, "Deploying "+cmdR1+" to a") || !slicesContain(audit, "Deploying "+cmdR2+" to a") {
		t.Errorf("audit = %q", audit)
	}

	inbox := e.inbox("alice")
	if len(inbox) != 1 || inbox[0].Verb != notify.VerbDeployed {
		t.Errorf("initiator inbox = %+v", inbox)
	}
	if len(e.inbox("root")) != 0 {
		t.Error("administrators must not be notified of a clean run")
	}

	deps, _ := e.repo.ListDeployments(ctx, 1)
	if len(deps) != 1 || deps[0].ID != out.Deployment.ID || deps[0].Status != StatusDeployed ||
		deps[0].Dispatched != 2 || deps[0].Succeeded != 2 || deps[0].FinishedAt == nil {
		t.Errorf("deployment = %+v", deps)
	}
}

func slicesContain(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func TestDeployIsIdempotent(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	g := e.group("web")

	if _, err := e.orch.Deploy(ctx, g.ID, models.IntentActivate, "alice"); err != nil {
		t.Fatal(err)
	}
	before := len(e.exec.commands())

	out, err := e.orch.Deploy(ctx, g.ID, models.IntentActivate, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(e.exec.commands()) - before; got != 0 {
		t.Errorf("second deploy dispatched %d commands, want 0", got)
	}
	if len(out.Skipped) != 2 || !out.Group.Deployed {
		t.Errorf("outcome = %+v", out)
	}
}

func TestDeployStderrFailsRuleAndNotifiesAdmins(t *testing.T) {
	e := newEnv(t, Options{})
	e.exec.respond = func(_ context.Context, req executor.Request) (*executor.Result, error) {
		if strings.Contains(req.Command, "--port 9090") {
			return &executor.Result{Host: req.Host, Stderr: []string{"RTNETLINK answers: File exists"}}, nil
		}
		return &executor.Result{Host: req.Host}, nil
	}
	ctx := context.Background()

	out, err := e.orch.Deploy(ctx, e.group("web").ID, models.IntentActivate, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if out.Succeeded() {
		t.Fatal("batch with a failing rule reported success")
	}
	var df *DispatchFailure
	failed := 0
	for _, r := range out.Rules {
		if r.Err != nil {
			failed++
			if !errors.As(r.Err, &df) || df.Host != "a" {
				t.Errorf("err = %v, want DispatchFailure on a", r.Err)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed rules = %d, want 1", failed)
	}

	if !e.ruleByPort(8080).Deployed || e.ruleByPort(9090).Deployed {
		t.Error("successful rule must keep its deployed flag, failed one must not get it")
	}
	if g := e.group("web"); g.Deployed || !g.Active {
		t.Errorf("group = %+v, want not deployed but active", g)
	}

	for _, admin := range []string{"root", "ops"} {
		n := e.inbox(admin)
		if len(n) != 1 || n[0].Verb != notify.VerbRulesFailed ||
			n[0].Description != "Host a - Output: [RTNETLINK answers: File exists]" {
			t.Errorf("%s inbox = %+v", admin, n)
		}
	}
	if n := e.inbox("alice"); len(n) != 1 || n[0].Verb != notify.VerbFailed {
		t.Errorf("initiator inbox = %+v", n)
	}
	if out.Deployment.Status != StatusFailed || out.Deployment.Failed != 1 {
		t.Errorf("deployment = %+v", out.Deployment)
	}
}

func TestDeployHostMissingFromInventory(t *testing.T) {
	e := newEnv(t, Options{})
	out, err := e.orch.Deploy(context.Background(), e.group("ghost").ID, models.IntentActivate, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(e.exec.commands()) != 0 {
		t.Error("nothing must be dispatched for a host the inventory does not list")
	}
	if len(out.Rules) != 1 || !IsConnectionError(out.Rules[0].Err) || !errors.Is(out.Rules[0].Err, ErrHostNotInInventory) {
		t.Errorf("rules = %+v", out.Rules)
	}
	if out.Group.Deployed {
		t.Error("group must not be deployed")
	}
}

func TestDeployExecutorErrorDoesNotAbortSiblings(t *testing.T) {
	e := newEnv(t, Options{Forks: 1})
	e.exec.respond = func(_ context.Context, req executor.Request) (*executor.Result, error) {
		if strings.Contains(req.Command, "--port 8080") {
			return nil, errors.New("ssh: handshake failed")
		}
		return &executor.Result{Host: req.Host}, nil
	}
	out, err := e.orch.Deploy(context.Background(), e.group("web").ID, models.IntentActivate, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(e.exec.commands()) != 2 {
		t.Errorf("commands = %q, want both rules attempted", e.exec.commands())
	}
	if out.Deployment.Succeeded != 1 || out.Deployment.Failed != 1 {
		t.Errorf("deployment = %+v", out.Deployment)
	}
	if !e.ruleByPort(9090).Deployed {
		t.Error("sibling rule must still be deployed")
	}
}

func TestDeployTimeoutDoesNotBlockSiblings(t *testing.T) {
	e := newEnv(t, Options{Timeout: 50 * time.Millisecond})
	var auditedWhileBlocked atomic.Bool
	e.exec.respond = func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		if strings.Contains(req.Command, "--port 8080") {
			recs, err := e.repo.ListAudit(context.Background(), 0)
			if err != nil {
				t.Error(err)
			}
			for _, r := range recs {
				if r.Message == "Deploying "+cmdR1+" to a" {
					auditedWhileBlocked.Store(true)
				}
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &executor.Result{Host: req.Host}, nil
	}
	start := time.Now()
	out, err := e.orch.Deploy(context.Background(), e.group("web").ID, models.IntentActivate, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("hung dispatch was not cut off by the timeout")
	}
	if !auditedWhileBlocked.Load() {
		t.Error("command must be audited before the remote call returns")
	}
	for _, r := range out.Rules {
		hung := r.RuleID == e.ruleByPort(8080).ID
		if hung && !errors.Is(r.Err, context.DeadlineExceeded) {
			t.Errorf("hung rule err = %v", r.Err)
		}
		if !hung && r.Err != nil {
			t.Errorf("sibling err = %v", r.Err)
		}
	}
}

func TestDeployRespectsForks(t *testing.T) {
	e := newEnv(t, Options{Forks: 1})
	e.exec.respond = func(_ context.Context, req executor.Request) (*executor.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return &executor.Result{Host: req.Host}, nil
	}
	if _, err := e.orch.Deploy(context.Background(), e.group("web").ID, models.IntentActivate, ""); err != nil {
		t.Fatal(err)
	}
	if got := e.exec.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent sessions = %d, want 1", got)
	}
}

func TestDeployDeactivate(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	g := e.group("web")
	if _, err := e.orch.Deploy(ctx, g.ID, models.IntentActivate, ""); err != nil {
		t.Fatal(err)
	}
	before := len(e.exec.commands())

	out, err := e.orch.Deploy(ctx, g.ID, models.IntentDeactivate, "")
	if err != nil {
		t.Fatal(err)
	}
	cmds := e.exec.commands()[before:]
	if !sameStrings(cmds, []string{cmdDel, cmdDel}) {
		t.Errorf("commands = %q", cmds)
	}
	if e.ruleByPort(8080).Deployed || e.ruleByPort(9090).Deployed {
		t.Error("rules must be undeployed")
	}
	if out.Group.Active {
		t.Error("group must be inactive once no member is deployed")
	}

	if _, err := e.orch.Deploy(ctx, g.ID, "reboot", ""); err == nil {
		t.Error("expected error for unknown intent")
	}
	if _, err := e.orch.Deploy(ctx, 9999, models.IntentActivate, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRuleCascade(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	if _, err := e.orch.Deploy(ctx, e.group("web").ID, models.IntentActivate, ""); err != nil {
		t.Fatal(err)
	}
	before := len(e.exec.commands())
	r1, r2 := e.ruleByPort(8080), e.ruleByPort(9090)

	out, err := e.orch.DeleteRule(ctx, r1.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	cmds := e.exec.commands()[before:]
	if !sameStrings(cmds, []string{cmdDel, cmdDel, cmdR2}) {
		t.Errorf("commands = %q, want own clear, then clear and reapply of the remaining rule", cmds)
	}
	if len(out.Reapplied) != 1 || out.Reapplied[0] != r2.ID || out.Err != nil {
		t.Errorf("outcome = %+v", out)
	}
	if r, _ := e.repo.GetRule(ctx, r1.ID); r != nil {
		t.Error("rule still stored")
	}
	if !e.ruleByPort(9090).Deployed {
		t.Error("remaining rule must stay deployed")
	}
	if g := e.group("web"); len(g.RuleIDs) != 1 || !g.Active {
		t.Errorf("group = %+v", g)
	}
	if !slicesContain(e.auditMessages(), "Deleted Rule") {
		t.Error("missing audit record")
	}
}

func TestDeleteRuleKeepsRuleWhenDeactivationFails(t *testing.T) {
	e := newEnv(t, Options{})
	e.exec.respond = func(_ context.Context, req executor.Request) (*executor.Result, error) {
		return &executor.Result{Host: req.Host, ExitStatus: 1}, nil
	}
	ctx := context.Background()
	r1 := e.ruleByPort(8080)
	if _, err := e.orch.DeleteRule(ctx, r1.ID, ""); err == nil {
		t.Fatal("expected error")
	}
	if r, _ := e.repo.GetRule(ctx, r1.ID); r == nil {
		t.Error("rule must be kept when its deactivation failed")
	}
}

func TestDeleteRuleGroup(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	web := e.group("web")
	if _, err := e.orch.Deploy(ctx, web.ID, models.IntentActivate, ""); err != nil {
		t.Fatal(err)
	}
	r1, r2 := e.ruleByPort(8080), e.ruleByPort(9090)

	if _, err := e.orch.DeleteRuleGroup(ctx, web.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if g, _ := e.repo.GetRuleGroup(ctx, web.ID); g != nil {
		t.Error("group still stored")
	}
	if r, _ := e.repo.GetRule(ctx, r1.ID); r != nil {
		t.Error("rule only in the deleted group must be deleted")
	}
	if r, _ := e.repo.GetRule(ctx, r2.ID); r == nil || r.Deployed {
		t.Errorf("rule shared with another group must be kept undeployed, got %+v", r)
	}
	if !slicesContain(e.auditMessages(), "Deleted Rule group") {
		t.Error("missing audit record")
	}
}

func TestDeleteHost(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	b, _ := e.repo.GetHostByName(ctx, "b")

	outcomes, err := e.orch.DeleteHost(ctx, b.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Errorf("cascaded deletes = %d, want 2", len(outcomes))
	}
	if h, _ := e.repo.GetHost(ctx, b.ID); h != nil {
		t.Error("host still stored")
	}
	rules, _ := e.repo.ListRules(ctx, store.RuleFilter{})
	if len(rules) != 1 {
		t.Errorf("rules left = %d, want 1", len(rules))
	}
}

func TestGather(t *testing.T) {
	e := newEnv(t, Options{})
	e.exec.respond = func(_ context.Context, req executor.Request) (*executor.Result, error) {
		if !req.GatherFacts || req.Command != "hostname --ip-address" {
			t.Errorf("request = %+v", req)
		}
		res := &executor.Result{Host: req.Host, Stdout: []string{"10.9.9.9"}}
		if req.Host == "a" {
			res.Facts = &models.Facts{CPU: "4", Memory: "7976MB", Kernel: "6.8.0", IPAddress: "10.0.0.1"}
		}
		return res, nil
	}
	ctx := context.Background()

	out, err := e.orch.Gather(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Reached) != 2 || len(out.Failed) != 0 {
		t.Fatalf("outcome = %+v", out)
	}

	a, _ := e.repo.GetHostByName(ctx, "a")
	if a.CPU != "4" || a.Memory != "7976MB" || !a.Active || a.RegionID == nil || a.Interface != "eth0" {
		t.Errorf("host a = %+v, want facts with placement preserved", a)
	}
	if len(a.Groups) != 1 || a.Groups[0] != "shapers" {
		t.Errorf("groups = %v", a.Groups)
	}
	b, _ := e.repo.GetHostByName(ctx, "b")
	if b.IPAddress != "10.9.9.9" || !b.Active {
		t.Errorf("host b = %+v", b)
	}
}

func TestConfigureHostsByCIDRPushesTopology(t *testing.T) {
	e := newEnv(t, Options{TopologyPush: true, TopologyMapPath: "/tmp/topology.map"})
	ctx := context.Background()
	us, _ := e.repo.GetRegionByName(ctx, "us")
	small, _ := e.repo.GetInstanceTypeByName(ctx, "small")

	out, err := e.orch.ConfigureHosts(ctx, Assignment{
		RegionID: us.ID, InstanceTypeID: small.ID, Interface: "ens5", CIDR: "10.0.0.0/24",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sameStrings(out.Configured, []string{"a", "c"}) {
		t.Errorf("configured = %v", out.Configured)
	}
	a, _ := e.repo.GetHostByName(ctx, "a")
	if *a.RegionID != us.ID || a.Interface != "ens5" {
		t.Errorf("host a = %+v", a)
	}

	if out.Pushed != 2 {
		t.Errorf("pushed = %d, want every inventory host", out.Pushed)
	}
	cmds := e.exec.commands()
	if len(cmds) != 2 || !strings.Contains(cmds[0], "cat > '/tmp/topology.map'") ||
		!strings.Contains(cmds[0], `<node name="a" rack="/us/default-rack"></node>`) {
		t.Errorf("push commands = %q", cmds)
	}
}

func TestConfigureHostsByName(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	eu, _ := e.repo.GetRegionByName(ctx, "eu")
	small, _ := e.repo.GetInstanceTypeByName(ctx, "small")

	out, err := e.orch.ConfigureHosts(ctx, Assignment{RegionID: eu.ID, InstanceTypeID: small.ID, Hosts: []string{"b", "nope"}})
	if err != nil {
		t.Fatal(err)
	}
	if !sameStrings(out.Configured, []string{"b"}) || !sameStrings(out.Missing, []string{"nope"}) {
		t.Errorf("outcome = %+v", out)
	}
	if len(e.exec.commands()) != 0 {
		t.Error("topology push is disabled")
	}

	for _, a := range []Assignment{
		{RegionID: eu.ID},
		{RegionID: eu.ID, Hosts: []string{"b"}, CIDR: "10.0.0.0/8"},
		{RegionID: eu.ID, CIDR: "not-a-cidr"},
	} {
		if _, err := e.orch.ConfigureHosts(ctx, a); err == nil {
			t.Errorf("assignment %+v: expected error", a)
		}
	}
}

func TestAdminOperationsAreAudited(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	r := &models.Region{Name: "ap"}
	if err := e.orch.AddRegion(ctx, r); err != nil {
		t.Fatal(err)
	}
	w := &models.WAN{Name: "ap_eu"}
	if err := e.orch.AddWAN(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := e.orch.DeleteWAN(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.orch.DeleteRegion(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.orch.AddHost(ctx, &models.Host{Name: "noip"}); err == nil {
		t.Error("expected error for host without ip address")
	}
	a, _ := e.repo.GetHostByName(ctx, "a")
	if err := e.orch.AddRule(ctx, &models.Rule{HostID: a.ID}); err == nil {
		t.Error("expected error for rule without target")
	}

	audit := e.auditMessages()
	want := []string{"Created ap", "Created ap_eu", "Deleted Wan", "Deleted Region"}
	if !sameStrings(audit[len(audit)-4:], want) {
		t.Errorf("audit = %q", audit)
	}
}

func TestGatherFallsBackWhenFactsLackAddress(t *testing.T) {
	e := newEnv(t, Options{})
	e.inv.Hosts = append(e.inv.Hosts, inventory.Host{Name: "d"}, inventory.Host{Name: "e"})
	seeded := map[string]string{"a": "10.0.0.1", "b": "10.1.0.1"}
	e.exec.respond = func(_ context.Context, req executor.Request) (*executor.Result, error) {
		switch req.Host {
		case "d":
			return &executor.Result{Host: req.Host, Stdout: []string{"10.0.0.9 fe80::1"},
				Facts: &models.Facts{CPU: "2", Kernel: "6.1"}}, nil
		case "e":
			return &executor.Result{Host: req.Host, Facts: &models.Facts{CPU: "1"}}, nil
		}
		return &executor.Result{Host: req.Host, Stdout: []string{seeded[req.Host]}}, nil
	}
	ctx := context.Background()

	out, err := e.orch.Gather(ctx)
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.repo.GetHostByName(ctx, "d")
	if d == nil || d.IPAddress != "10.0.0.9" || d.CPU != "2" {
		t.Fatalf("host d = %+v, want address from command output", d)
	}
	if !strings.Contains(out.Failed["e"], "no ip address") {
		t.Errorf("failed = %v, want e without an address", out.Failed)
	}
	if h, _ := e.repo.GetHostByName(ctx, "e"); h != nil {
		t.Errorf("host e stored without address: %+v", h)
	}

	us, _ := e.repo.GetRegionByName(ctx, "us")
	small, _ := e.repo.GetInstanceTypeByName(ctx, "small")
	if _, err := e.orch.ConfigureHosts(ctx, Assignment{RegionID: us.ID, InstanceTypeID: small.ID, Interface: "eth0", Hosts: []string{"d"}}); err != nil {
		t.Fatal(err)
	}
	a, _ := e.repo.GetHostByName(ctx, "a")
	rule := &models.Rule{HostID: a.ID, TargetHostID: &d.ID, Direction: models.DirectionOutgoing}
	if err := e.orch.AddRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	g := &models.RuleGroup{Name: "to-d", RuleIDs: []int64{rule.ID}}
	if err := e.orch.AddRuleGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	dep, err := e.orch.Deploy(ctx, g.ID, models.IntentActivate, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(dep.Rules) != 1 || len(dep.Rules[0].Commands) != 1 ||
		!strings.Contains(dep.Rules[0].Commands[0], "--dst-network 10.0.0.9") {
		t.Errorf("rules = %+v, want shaping towards d only", dep.Rules)
	}
}

// brokenRules fails every rule lookup after the deployment is recorded.
type brokenRules struct {
	*store.MemoryStore
}

func (brokenRules) GetRule(context.Context, int64) (*models.Rule, error) {
	return nil, errors.New("database is locked")
}

func TestDeployClosesRecordOnRepositoryError(t *testing.T) {
	e := newEnv(t, Options{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := New(brokenRules{e.repo}, e.inv, e.exec, nil, Options{}, logger)
	ctx := context.Background()

	if _, err := orch.Deploy(ctx, e.group("web").ID, models.IntentActivate, "alice"); err == nil {
		t.Fatal("expected error from rule lookup")
	}
	deps, err := e.repo.ListDeployments(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0].Status != StatusFailed || deps[0].FinishedAt == nil {
		t.Errorf("deployments = %+v, want one closed as failed", deps)
	}
	if len(e.exec.commands()) != 0 {
		t.Error("nothing should be dispatched")
	}
}
