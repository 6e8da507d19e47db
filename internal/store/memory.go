package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

// MemoryStore is an in-process Repository. It enforces the same uniqueness
// and reference constraints as SQLiteStore and is used by tests and by
// --dry-run invocations that must not touch the database.
type MemoryStore struct {
	mu sync.RWMutex

	nextID        int64
	regions       map[int64]models.Region
	instanceTypes map[int64]models.InstanceType
	wans          map[int64]models.WAN
	hosts         map[int64]models.Host
	rules         map[int64]models.Rule
	groups        map[int64]models.RuleGroup
	audit         []models.AuditRecord
	notifications []models.Notification
	deployments   []models.Deployment
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regions:       make(map[int64]models.Region),
		instanceTypes: make(map[int64]models.InstanceType),
		wans:          make(map[int64]models.WAN),
		hosts:         make(map[int64]models.Host),
		rules:         make(map[int64]models.Rule),
		groups:        make(map[int64]models.RuleGroup),
	}
}

func (m *MemoryStore) Init(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func sortedKeys[V any](in map[int64]V) []int64 {
	keys := make([]int64, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// --- regions ---

func (m *MemoryStore) UpsertRegion(_ context.Context, r *models.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.Slug = models.Slugify(r.Name)
	for id, existing := range m.regions {
		if existing.Name == r.Name {
			r.ID = id
			m.regions[id] = *r
			return nil
		}
		if existing.Slug == r.Slug {
			return fmt.Errorf("%w: region slug %q", ErrConflict, r.Slug)
		}
	}
	r.ID = m.id()
	m.regions[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRegion(_ context.Context, id int64) (*models.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStore) GetRegionByName(_ context.Context, name string) (*models.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		if r.Name == name {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListRegions(context.Context) ([]models.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Region
	for _, r := range m.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteRegion(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regions[id]; !ok {
		return ErrNotFound
	}
	for _, r := range m.rules {
		if r.TargetRegionID != nil && *r.TargetRegionID == id {
			return fmt.Errorf("%w: region %d is targeted by rule %d", ErrInUse, id, r.ID)
		}
	}
	for hid, h := range m.hosts {
		if h.RegionID != nil && *h.RegionID == id {
			h.RegionID = nil
			m.hosts[hid] = h
		}
	}
	delete(m.regions, id)
	return nil
}

// --- instance types ---

func (m *MemoryStore) UpsertInstanceType(_ context.Context, it *models.InstanceType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.instanceTypes {
		if existing.Name == it.Name {
			it.ID = id
			m.instanceTypes[id] = *it
			return nil
		}
	}
	it.ID = m.id()
	m.instanceTypes[it.ID] = *it
	return nil
}

func (m *MemoryStore) GetInstanceType(_ context.Context, id int64) (*models.InstanceType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.instanceTypes[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (m *MemoryStore) GetInstanceTypeByName(_ context.Context, name string) (*models.InstanceType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, it := range m.instanceTypes {
		if it.Name == name {
			return &it, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListInstanceTypes(context.Context) ([]models.InstanceType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.InstanceType
	for _, it := range m.instanceTypes {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteInstanceType(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instanceTypes[id]; !ok {
		return ErrNotFound
	}
	for hid, h := range m.hosts {
		if h.InstanceTypeID != nil && *h.InstanceTypeID == id {
			h.InstanceTypeID = nil
			m.hosts[hid] = h
		}
	}
	delete(m.instanceTypes, id)
	return nil
}

// --- WAN links ---

func (m *MemoryStore) UpsertWAN(_ context.Context, w *models.WAN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.wans {
		if existing.Name == w.Name {
			w.ID = id
			m.wans[id] = *w
			return nil
		}
	}
	w.ID = m.id()
	m.wans[w.ID] = *w
	return nil
}

func (m *MemoryStore) GetWANByName(_ context.Context, name string) (*models.WAN, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.wans {
		if w.Name == name {
			return &w, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListWANs(context.Context) ([]models.WAN, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WAN
	for _, w := range m.wans {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteWAN(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wans[id]; !ok {
		return ErrNotFound
	}
	delete(m.wans, id)
	return nil
}

// --- hosts ---

func cloneHost(h models.Host) models.Host {
	h.Groups = slices.Clone(h.Groups)
	return h
}

func (m *MemoryStore) UpsertHost(_ context.Context, h *models.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertHostLocked(h)
}

func (m *MemoryStore) upsertHostLocked(h *models.Host) error {
	if h.IPAddress == "" {
		return fmt.Errorf("host %s: %w", h.Name, ErrNoAddress)
	}
	if h.RegionID != nil {
		if _, ok := m.regions[*h.RegionID]; !ok {
			return fmt.Errorf("%w: unknown region %d", ErrInUse, *h.RegionID)
		}
	}
	if h.InstanceTypeID != nil {
		if _, ok := m.instanceTypes[*h.InstanceTypeID]; !ok {
			return fmt.Errorf("%w: unknown instance type %d", ErrInUse, *h.InstanceTypeID)
		}
	}
	for id, existing := range m.hosts {
		if existing.Name == h.Name {
			h.ID = id
			m.hosts[id] = cloneHost(*h)
			return nil
		}
	}
	h.ID = m.id()
	m.hosts[h.ID] = cloneHost(*h)
	return nil
}

func (m *MemoryStore) GetHost(_ context.Context, id int64) (*models.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, nil
	}
	h = cloneHost(h)
	return &h, nil
}

func (m *MemoryStore) GetHostByName(_ context.Context, name string) (*models.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hostByNameLocked(name), nil
}

func (m *MemoryStore) hostByNameLocked(name string) *models.Host {
	for _, h := range m.hosts {
		if h.Name == name {
			h = cloneHost(h)
			return &h
		}
	}
	return nil
}

func (m *MemoryStore) ListHosts(_ context.Context, filter HostFilter) ([]models.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Host
	for _, id := range sortedKeys(m.hosts) {
		h := m.hosts[id]
		if filter.RegionID != 0 && (h.RegionID == nil || *h.RegionID != filter.RegionID) {
			continue
		}
		out = append(out, cloneHost(h))
	}
	return out, nil
}

func (m *MemoryStore) UpdateHostFacts(_ context.Context, name string, facts models.Facts, groups []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hostByNameLocked(name)
	if h == nil {
		h = &models.Host{Name: name}
	}
	if facts.IPAddress != "" {
		h.IPAddress = facts.IPAddress
	}
	h.CPU = facts.CPU
	h.Memory = facts.Memory
	h.Distribution = facts.Distribution
	h.Kernel = facts.Kernel
	h.Active = true
	h.Groups = mergeGroups(h.Groups, groups)
	return m.upsertHostLocked(h)
}

func (m *MemoryStore) DeleteHost(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hosts[id]; !ok {
		return ErrNotFound
	}
	for _, r := range m.rules {
		if r.HostID == id || (r.TargetHostID != nil && *r.TargetHostID == id) {
			return fmt.Errorf("%w: host %d is used by rule %d", ErrInUse, id, r.ID)
		}
	}
	delete(m.hosts, id)
	return nil
}

// --- rules ---

func (m *MemoryStore) CreateRule(_ context.Context, r *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.hosts[r.HostID]; !ok {
		return fmt.Errorf("%w: host %d", ErrInUse, r.HostID)
	}
	if r.TargetHostID != nil {
		if _, ok := m.hosts[*r.TargetHostID]; !ok {
			return fmt.Errorf("%w: target host %d", ErrInUse, *r.TargetHostID)
		}
	}
	if r.TargetRegionID != nil {
		if _, ok := m.regions[*r.TargetRegionID]; !ok {
			return fmt.Errorf("%w: target region %d", ErrInUse, *r.TargetRegionID)
		}
	}
	for _, existing := range m.rules {
		if r.DstPort != nil && existing.DstPort != nil && *r.DstPort == *existing.DstPort {
			return fmt.Errorf("%w: dst port %d already used by rule %d", ErrConflict, *r.DstPort, existing.ID)
		}
		if r.SrcPort != nil && existing.SrcPort != nil && *r.SrcPort == *existing.SrcPort {
			return fmt.Errorf("%w: src port %d already used by rule %d", ErrConflict, *r.SrcPort, existing.ID)
		}
	}
	if r.Created.IsZero() {
		r.Created = time.Now()
	}
	r.ID = m.id()
	m.rules[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, id int64) (*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStore) ListRules(_ context.Context, filter RuleFilter) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Rule
	for _, id := range sortedKeys(m.rules) {
		r := m.rules[id]
		if filter.HostID != 0 && r.HostID != filter.HostID {
			continue
		}
		if filter.Interface != "" && r.Interface != filter.Interface {
			continue
		}
		if filter.TouchesHostID != 0 && r.HostID != filter.TouchesHostID &&
			(r.TargetHostID == nil || *r.TargetHostID != filter.TouchesHostID) {
			continue
		}
		if filter.TargetRegionID != 0 && (r.TargetRegionID == nil || *r.TargetRegionID != filter.TargetRegionID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) SetRuleDeployed(_ context.Context, id int64, deployed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Deployed = deployed
	m.rules[id] = r
	return nil
}

func (m *MemoryStore) DeleteRule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	for gid, g := range m.groups {
		g.RuleIDs = slices.DeleteFunc(slices.Clone(g.RuleIDs), func(rid int64) bool { return rid == id })
		m.groups[gid] = g
	}
	return nil
}

// --- rule groups ---

func cloneGroup(g models.RuleGroup) models.RuleGroup {
	g.RuleIDs = slices.Clone(g.RuleIDs)
	return g
}

func (m *MemoryStore) CreateRuleGroup(_ context.Context, g *models.RuleGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.groups {
		if existing.Name == g.Name {
			return fmt.Errorf("%w: rule group %q", ErrConflict, g.Name)
		}
	}
	var members []int64
	for _, rid := range g.RuleIDs {
		if _, ok := m.rules[rid]; !ok {
			return fmt.Errorf("%w: rule %d", ErrInUse, rid)
		}
		if !slices.Contains(members, rid) {
			members = append(members, rid)
		}
	}
	slices.Sort(members)
	g.RuleIDs = members
	if g.Created.IsZero() {
		g.Created = time.Now()
	}
	g.ID = m.id()
	m.groups[g.ID] = cloneGroup(*g)
	return nil
}

func (m *MemoryStore) GetRuleGroup(_ context.Context, id int64) (*models.RuleGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, nil
	}
	g = cloneGroup(g)
	return &g, nil
}

func (m *MemoryStore) GetRuleGroupByName(_ context.Context, name string) (*models.RuleGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.Name == name {
			g = cloneGroup(g)
			return &g, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListRuleGroups(context.Context) ([]models.RuleGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RuleGroup
	for _, id := range sortedKeys(m.groups) {
		out = append(out, cloneGroup(m.groups[id]))
	}
	return out, nil
}

func (m *MemoryStore) AddRuleToGroup(_ context.Context, groupID, ruleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %d", ErrNotFound, groupID)
	}
	if _, ok := m.rules[ruleID]; !ok {
		return fmt.Errorf("%w: rule %d", ErrNotFound, ruleID)
	}
	if slices.Contains(g.RuleIDs, ruleID) {
		return nil
	}
	g.RuleIDs = append(slices.Clone(g.RuleIDs), ruleID)
	slices.Sort(g.RuleIDs)
	m.groups[groupID] = g
	return nil
}

func (m *MemoryStore) GroupsForRule(_ context.Context, ruleID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for _, gid := range sortedKeys(m.groups) {
		if slices.Contains(m.groups[gid].RuleIDs, ruleID) {
			ids = append(ids, gid)
		}
	}
	return ids, nil
}

func (m *MemoryStore) SetRuleGroupStatus(_ context.Context, id int64, deployed, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return ErrNotFound
	}
	g.Deployed = deployed
	g.Active = active
	m.groups[id] = g
	return nil
}

func (m *MemoryStore) DeleteRuleGroup(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	return nil
}

// --- audit ---

func (m *MemoryStore) AppendAudit(_ context.Context, message string) (*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := models.AuditRecord{ID: int64(len(m.audit) + 1), Timestamp: auditTimestamp(), Message: message}
	m.audit = append(m.audit, rec)
	return &rec, nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.audit
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return slices.Clone(records), nil
}

// --- notifications ---

func (m *MemoryStore) AddNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.Created.IsZero() {
		n.Created = time.Now()
	}
	n.ID = int64(len(m.notifications) + 1)
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, recipient string, unreadOnly bool) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.Recipient != recipient || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationsRead(_ context.Context, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].Recipient == recipient {
			m.notifications[i].Read = true
		}
	}
	return nil
}

// --- deployments ---

func (m *MemoryStore) RecordDeployment(_ context.Context, d models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deployments {
		if existing.ID == d.ID {
			return fmt.Errorf("%w: deployment %s", ErrConflict, d.ID)
		}
	}
	m.deployments = append(m.deployments, d)
	return nil
}

func (m *MemoryStore) UpdateDeployment(_ context.Context, d models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.deployments {
		if m.deployments[i].ID != d.ID {
			continue
		}
		if d.FinishedAt == nil {
			now := time.Now()
			d.FinishedAt = &now
		}
		d.StartedAt = m.deployments[i].StartedAt
		m.deployments[i] = d
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) ListDeployments(_ context.Context, limit int) ([]models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Deployment
	for i := len(m.deployments) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.deployments[i])
	}
	return out, nil
}
