package store

import (
	"context"
	"errors"
	"time"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

var (
	// ErrNotFound is returned by mutations that target a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("record conflicts with an existing one")

	// ErrInUse is returned when deleting a record still referenced by others.
	ErrInUse = errors.New("record is still referenced")

	// ErrNoAddress is returned when saving a host without an IP address.
	ErrNoAddress = errors.New("host has no ip address")
)

// AuditTimeFormat is the layout of audit timestamps.
const AuditTimeFormat = "2006-01-02 15:04:05.000000"

// Topology is the read side used by rule resolution. Getters return
// (nil, nil) when the record does not exist.
type Topology interface {
	GetRegion(ctx context.Context, id int64) (*models.Region, error)
	GetInstanceType(ctx context.Context, id int64) (*models.InstanceType, error)
	GetWANByName(ctx context.Context, name string) (*models.WAN, error)
	GetHost(ctx context.Context, id int64) (*models.Host, error)
	ListHosts(ctx context.Context, filter HostFilter) ([]models.Host, error)
}

// Repository persists every entity the control plane manages.
type Repository interface {
	Topology

	// Init creates tables and indexes.
	Init(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error

	UpsertRegion(ctx context.Context, r *models.Region) error
	GetRegionByName(ctx context.Context, name string) (*models.Region, error)
	ListRegions(ctx context.Context) ([]models.Region, error)
	DeleteRegion(ctx context.Context, id int64) error

	UpsertInstanceType(ctx context.Context, it *models.InstanceType) error
	GetInstanceTypeByName(ctx context.Context, name string) (*models.InstanceType, error)
	ListInstanceTypes(ctx context.Context) ([]models.InstanceType, error)
	DeleteInstanceType(ctx context.Context, id int64) error

	UpsertWAN(ctx context.Context, w *models.WAN) error
	ListWANs(ctx context.Context) ([]models.WAN, error)
	DeleteWAN(ctx context.Context, id int64) error

	// UpsertHost inserts or updates a host keyed by name and sets h.ID.
	// Hosts without an IP address are rejected with ErrNoAddress.
	UpsertHost(ctx context.Context, h *models.Host) error
	GetHostByName(ctx context.Context, name string) (*models.Host, error)
	// UpdateHostFacts records discovered facts for the named host, creating
	// it if needed, and merges groups into its inventory groups. Region,
	// instance type and interface are left untouched. An empty facts
	// address keeps the stored one; a new host needs one.
	UpdateHostFacts(ctx context.Context, name string, facts models.Facts, groups []string) error
	DeleteHost(ctx context.Context, id int64) error

	CreateRule(ctx context.Context, r *models.Rule) error
	GetRule(ctx context.Context, id int64) (*models.Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]models.Rule, error)
	SetRuleDeployed(ctx context.Context, id int64, deployed bool) error
	DeleteRule(ctx context.Context, id int64) error

	CreateRuleGroup(ctx context.Context, g *models.RuleGroup) error
	GetRuleGroup(ctx context.Context, id int64) (*models.RuleGroup, error)
	GetRuleGroupByName(ctx context.Context, name string) (*models.RuleGroup, error)
	ListRuleGroups(ctx context.Context) ([]models.RuleGroup, error)
	AddRuleToGroup(ctx context.Context, groupID, ruleID int64) error
	// GroupsForRule returns the ids of every group the rule belongs to.
	GroupsForRule(ctx context.Context, ruleID int64) ([]int64, error)
	SetRuleGroupStatus(ctx context.Context, id int64, deployed, active bool) error
	DeleteRuleGroup(ctx context.Context, id int64) error

	// AppendAudit appends an audit record stamped with the current time.
	AppendAudit(ctx context.Context, message string) (*models.AuditRecord, error)
	// ListAudit returns up to limit of the most recent records, oldest first.
	ListAudit(ctx context.Context, limit int) ([]models.AuditRecord, error)

	AddNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, recipient string, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationsRead(ctx context.Context, recipient string) error

	RecordDeployment(ctx context.Context, d models.Deployment) error
	UpdateDeployment(ctx context.Context, d models.Deployment) error
	ListDeployments(ctx context.Context, limit int) ([]models.Deployment, error)
}

// HostFilter specifies criteria for listing hosts.
type HostFilter struct {
	RegionID int64
}

// RuleFilter specifies criteria for listing rules. Zero fields match all.
type RuleFilter struct {
	HostID    int64
	Interface string
	// TouchesHostID matches rules sourced at or targeting the host.
	TouchesHostID int64
	// TargetRegionID matches rules expanding to a region.
	TargetRegionID int64
}

func auditTimestamp() string {
	return time.Now().Format(AuditTimeFormat)
}

func mergeGroups(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	var merged []string
	for _, g := range append(append([]string{}, existing...), add...) {
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		merged = append(merged, g)
	}
	return merged
}
