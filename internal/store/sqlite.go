package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matijazezelj/tcpanel/pkg/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS regions (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    name                  TEXT NOT NULL UNIQUE,
    slug                  TEXT NOT NULL UNIQUE,
    internal_bandwidth    REAL NOT NULL DEFAULT 0,
    internal_rate         INTEGER NOT NULL DEFAULT 0,
    internal_latency      REAL NOT NULL DEFAULT 0,
    internal_latency_unit INTEGER NOT NULL DEFAULT 0,
    external_bandwidth    REAL NOT NULL DEFAULT 0,
    external_rate         INTEGER NOT NULL DEFAULT 0,
    packet_loss           REAL NOT NULL DEFAULT 0,
    corruption            REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS instance_types (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    name         TEXT NOT NULL UNIQUE,
    bandwidth    REAL NOT NULL DEFAULT 0,
    rate         INTEGER NOT NULL DEFAULT 0,
    latency      REAL NOT NULL DEFAULT 0,
    latency_unit INTEGER NOT NULL DEFAULT 0,
    packet_loss  REAL NOT NULL DEFAULT 0,
    corruption   REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS wans (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    name         TEXT NOT NULL UNIQUE,
    bandwidth    REAL NOT NULL DEFAULT 0,
    rate         INTEGER NOT NULL DEFAULT 0,
    latency      REAL NOT NULL DEFAULT 0,
    latency_unit INTEGER NOT NULL DEFAULT 0,
    packet_loss  REAL NOT NULL DEFAULT 0,
    corruption   REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS hosts (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    name             TEXT NOT NULL UNIQUE,
    region_id        INTEGER REFERENCES regions(id) ON DELETE SET NULL,
    instance_type_id INTEGER REFERENCES instance_types(id) ON DELETE SET NULL,
    interface        TEXT NOT NULL DEFAULT '',
    ip_address       TEXT NOT NULL,
    cpu              TEXT NOT NULL DEFAULT '',
    memory           TEXT NOT NULL DEFAULT '',
    distribution     TEXT NOT NULL DEFAULT '',
    kernel           TEXT NOT NULL DEFAULT '',
    active           INTEGER NOT NULL DEFAULT 0,
    groups           TEXT
);

CREATE TABLE IF NOT EXISTS rules (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    host_id          INTEGER NOT NULL REFERENCES hosts(id) ON DELETE RESTRICT,
    interface        TEXT NOT NULL,
    target_host_id   INTEGER REFERENCES hosts(id) ON DELETE RESTRICT,
    target_region_id INTEGER REFERENCES regions(id) ON DELETE RESTRICT,
    target_address   TEXT NOT NULL DEFAULT '',
    dst_port         INTEGER UNIQUE,
    src_port         INTEGER UNIQUE,
    direction        TEXT NOT NULL DEFAULT '',
    bandwidth        REAL NOT NULL DEFAULT 0,
    rate             INTEGER NOT NULL DEFAULT 0,
    latency          REAL NOT NULL DEFAULT 0,
    latency_unit     INTEGER NOT NULL DEFAULT 0,
    packet_loss      REAL NOT NULL DEFAULT 0,
    corruption       REAL NOT NULL DEFAULT 0,
    deployed         INTEGER NOT NULL DEFAULT 0,
    created          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_host ON rules(host_id, interface);
CREATE INDEX IF NOT EXISTS idx_rules_target_host ON rules(target_host_id);

CREATE TABLE IF NOT EXISTS rule_groups (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    deployed    INTEGER NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL DEFAULT 0,
    created     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rule_group_members (
    group_id INTEGER NOT NULL REFERENCES rule_groups(id) ON DELETE CASCADE,
    rule_id  INTEGER NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
    PRIMARY KEY (group_id, rule_id)
);

CREATE TABLE IF NOT EXISTS audit (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    message   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient   TEXT NOT NULL,
    verb        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created     TEXT NOT NULL,
    read        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient);

CREATE TABLE IF NOT EXISTS deployments (
    id          TEXT PRIMARY KEY,
    group_id    INTEGER NOT NULL,
    intent      TEXT NOT NULL,
    initiator   TEXT NOT NULL DEFAULT '',
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    dispatched  INTEGER DEFAULT 0,
    succeeded   INTEGER DEFAULT 0,
    failed      INTEGER DEFAULT 0,
    status      TEXT DEFAULT 'running'
);
`

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) a SQLite database at dbPath.
// The special path ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := ":memory:?_pragma=foreign_keys(1)"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		dsn = dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db}, nil
}

// Init creates the database schema if it doesn't exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrInUse, err)
	}
	return err
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

// --- regions ---

const regionColumns = `id, name, slug, internal_bandwidth, internal_rate, internal_latency, internal_latency_unit,
	external_bandwidth, external_rate, packet_loss, corruption`

// UpsertRegion inserts or updates a region keyed by name. The slug is always
// derived from the name.
func (s *SQLiteStore) UpsertRegion(ctx context.Context, r *models.Region) error {
	r.Slug = models.Slugify(r.Name)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO regions (name, slug, internal_bandwidth, internal_rate, internal_latency, internal_latency_unit,
			external_bandwidth, external_rate, packet_loss, corruption)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			slug = excluded.slug,
			internal_bandwidth = excluded.internal_bandwidth,
			internal_rate = excluded.internal_rate,
			internal_latency = excluded.internal_latency,
			internal_latency_unit = excluded.internal_latency_unit,
			external_bandwidth = excluded.external_bandwidth,
			external_rate = excluded.external_rate,
			packet_loss = excluded.packet_loss,
			corruption = excluded.corruption
		RETURNING id
	`, r.Name, r.Slug, r.InternalBandwidth, int(r.InternalRate), r.InternalLatency, int(r.InternalLatencyUnit),
		r.ExternalBandwidth, int(r.ExternalRate), r.PacketLoss, r.Corruption).Scan(&r.ID)
	return mapConstraint(err)
}

func scanRegion(row rowScanner) (*models.Region, error) {
	var r models.Region
	err := row.Scan(&r.ID, &r.Name, &r.Slug, &r.InternalBandwidth, &r.InternalRate, &r.InternalLatency,
		&r.InternalLatencyUnit, &r.ExternalBandwidth, &r.ExternalRate, &r.PacketLoss, &r.Corruption)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetRegion retrieves a region by ID.
func (s *SQLiteStore) GetRegion(ctx context.Context, id int64) (*models.Region, error) {
	return scanRegion(s.db.QueryRowContext(ctx, `SELECT `+regionColumns+` FROM regions WHERE id = ?`, id))
}

// GetRegionByName retrieves a region by name.
func (s *SQLiteStore) GetRegionByName(ctx context.Context, name string) (*models.Region, error) {
	return scanRegion(s.db.QueryRowContext(ctx, `SELECT `+regionColumns+` FROM regions WHERE name = ?`, name))
}

// ListRegions returns all regions ordered by name.
func (s *SQLiteStore) ListRegions(ctx context.Context) ([]models.Region, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+regionColumns+` FROM regions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var regions []models.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		regions = append(regions, *r)
	}
	return regions, rows.Err()
}

// DeleteRegion removes a region. Hosts in it become unconfigured.
func (s *SQLiteStore) DeleteRegion(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM regions WHERE id = ?`, id)
	if err != nil {
		return mapConstraint(err)
	}
	return checkAffected(res)
}

// --- instance types and WAN links share the profile layout ---

const profileColumns = `id, name, bandwidth, rate, latency, latency_unit, packet_loss, corruption`

func scanProfile(row rowScanner, id *int64, name *string, p *models.Profile) error {
	return row.Scan(id, name, &p.Bandwidth, &p.Rate, &p.Latency, &p.LatencyUnit, &p.PacketLoss, &p.Corruption)
}

func (s *SQLiteStore) upsertProfile(ctx context.Context, table, name string, p models.Profile) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO `+table+` (name, bandwidth, rate, latency, latency_unit, packet_loss, corruption)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			bandwidth = excluded.bandwidth,
			rate = excluded.rate,
			latency = excluded.latency,
			latency_unit = excluded.latency_unit,
			packet_loss = excluded.packet_loss,
			corruption = excluded.corruption
		RETURNING id
	`, name, p.Bandwidth, int(p.Rate), p.Latency, int(p.LatencyUnit), p.PacketLoss, p.Corruption).Scan(&id)
	return id, mapConstraint(err)
}

// UpsertInstanceType inserts or updates an instance type keyed by name.
func (s *SQLiteStore) UpsertInstanceType(ctx context.Context, it *models.InstanceType) error {
	id, err := s.upsertProfile(ctx, "instance_types", it.Name, it.Profile)
	if err != nil {
		return err
	}
	it.ID = id
	return nil
}

func (s *SQLiteStore) getInstanceType(ctx context.Context, where string, arg any) (*models.InstanceType, error) {
	var it models.InstanceType
	err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM instance_types WHERE `+where, arg),
		&it.ID, &it.Name, &it.Profile)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &it, nil
}

// GetInstanceType retrieves an instance type by ID.
func (s *SQLiteStore) GetInstanceType(ctx context.Context, id int64) (*models.InstanceType, error) {
	return s.getInstanceType(ctx, "id = ?", id)
}

// GetInstanceTypeByName retrieves an instance type by name.
func (s *SQLiteStore) GetInstanceTypeByName(ctx context.Context, name string) (*models.InstanceType, error) {
	return s.getInstanceType(ctx, "name = ?", name)
}

// ListInstanceTypes returns all instance types ordered by name.
func (s *SQLiteStore) ListInstanceTypes(ctx context.Context) ([]models.InstanceType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM instance_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var out []models.InstanceType
	for rows.Next() {
		var it models.InstanceType
		if err := scanProfile(rows, &it.ID, &it.Name, &it.Profile); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteInstanceType removes an instance type.
func (s *SQLiteStore) DeleteInstanceType(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instance_types WHERE id = ?`, id)
	if err != nil {
		return mapConstraint(err)
	}
	return checkAffected(res)
}

// UpsertWAN inserts or updates a WAN link keyed by name.
func (s *SQLiteStore) UpsertWAN(ctx context.Context, w *models.WAN) error {
	id, err := s.upsertProfile(ctx, "wans", w.Name, w.Profile)
	if err != nil {
		return err
	}
	w.ID = id
	return nil
}

// GetWANByName retrieves a WAN link by its exact name.
func (s *SQLiteStore) GetWANByName(ctx context.Context, name string) (*models.WAN, error) {
	var w models.WAN
	err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM wans WHERE name = ?`, name),
		&w.ID, &w.Name, &w.Profile)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// ListWANs returns all WAN links ordered by name.
func (s *SQLiteStore) ListWANs(ctx context.Context) ([]models.WAN, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM wans ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var out []models.WAN
	for rows.Next() {
		var w models.WAN
		if err := scanProfile(rows, &w.ID, &w.Name, &w.Profile); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWAN removes a WAN link.
func (s *SQLiteStore) DeleteWAN(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// --- hosts ---

const hostColumns = `id, name, region_id, instance_type_id, interface, ip_address, cpu, memory, distribution, kernel, active, groups`

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func scanHost(row rowScanner) (*models.Host, error) {
	var h models.Host
	var regionID, instanceTypeID sql.NullInt64
	var groups sql.NullString

	err := row.Scan(&h.ID, &h.Name, &regionID, &instanceTypeID, &h.Interface, &h.IPAddress,
		&h.CPU, &h.Memory, &h.Distribution, &h.Kernel, &h.Active, &groups)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	h.RegionID = idPtr(regionID)
	h.InstanceTypeID = idPtr(instanceTypeID)
	if groups.Valid && groups.String != "" {
		_ = json.Unmarshal([]byte(groups.String), &h.Groups)
	}
	return &h, nil
}

// UpsertHost inserts or updates a host keyed by name.
func (s *SQLiteStore) UpsertHost(ctx context.Context, h *models.Host) error {
	if h.IPAddress == "" {
		return fmt.Errorf("host %s: %w", h.Name, ErrNoAddress)
	}
	groups, err := json.Marshal(h.Groups)
	if err != nil {
		return fmt.Errorf("marshaling groups: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO hosts (name, region_id, instance_type_id, interface, ip_address, cpu, memory, distribution, kernel, active, groups)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			region_id = excluded.region_id,
			instance_type_id = excluded.instance_type_id,
			interface = excluded.interface,
			ip_address = excluded.ip_address,
			cpu = excluded.cpu,
			memory = excluded.memory,
			distribution = excluded.distribution,
			kernel = excluded.kernel,
			active = excluded.active,
			groups = excluded.groups
		RETURNING id
	`, h.Name, nullID(h.RegionID), nullID(h.InstanceTypeID), h.Interface, h.IPAddress,
		h.CPU, h.Memory, h.Distribution, h.Kernel, h.Active, string(groups)).Scan(&h.ID)
	return mapConstraint(err)
}

// GetHost retrieves a host by ID.
func (s *SQLiteStore) GetHost(ctx context.Context, id int64) (*models.Host, error) {
	return scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
}

// GetHostByName retrieves a host by name.
func (s *SQLiteStore) GetHostByName(ctx context.Context, name string) (*models.Host, error) {
	return scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE name = ?`, name))
}

// ListHosts returns hosts matching the filter in id order.
func (s *SQLiteStore) ListHosts(ctx context.Context, filter HostFilter) ([]models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE 1=1`
	var args []any
	if filter.RegionID != 0 {
		query += ` AND region_id = ?`
		args = append(args, filter.RegionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var hosts []models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// UpdateHostFacts records discovered facts for a host.
func (s *SQLiteStore) UpdateHostFacts(ctx context.Context, name string, facts models.Facts, groups []string) error {
	existing, err := s.GetHostByName(ctx, name)
	if err != nil {
		return err
	}
	h := &models.Host{Name: name}
	if existing != nil {
		h = existing
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
	return s.UpsertHost(ctx, h)
}

// DeleteHost removes a host. Rules referencing it must be removed first.
func (s *SQLiteStore) DeleteHost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return mapConstraint(err)
	}
	return checkAffected(res)
}

// --- rules ---

const ruleColumns = `id, host_id, interface, target_host_id, target_region_id, target_address, dst_port, src_port,
	direction, bandwidth, rate, latency, latency_unit, packet_loss, corruption, deployed, created`

func nullPort(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func portPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func scanRule(row rowScanner) (*models.Rule, error) {
	var r models.Rule
	var targetHost, targetRegion, dstPort, srcPort sql.NullInt64
	var direction, created string

	err := row.Scan(&r.ID, &r.HostID, &r.Interface, &targetHost, &targetRegion, &r.TargetAddress, &dstPort, &srcPort,
		&direction, &r.Bandwidth, &r.Rate, &r.Latency, &r.LatencyUnit, &r.PacketLoss, &r.Corruption, &r.Deployed, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.TargetHostID = idPtr(targetHost)
	r.TargetRegionID = idPtr(targetRegion)
	r.DstPort = portPtr(dstPort)
	r.SrcPort = portPtr(srcPort)
	r.Direction = models.Direction(direction)
	r.Created, _ = time.Parse(time.RFC3339, created)
	return &r, nil
}

// CreateRule inserts a new rule and sets r.ID.
func (s *SQLiteStore) CreateRule(ctx context.Context, r *models.Rule) error {
	if r.Created.IsZero() {
		r.Created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (host_id, interface, target_host_id, target_region_id, target_address, dst_port, src_port,
			direction, bandwidth, rate, latency, latency_unit, packet_loss, corruption, deployed, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.HostID, r.Interface, nullID(r.TargetHostID), nullID(r.TargetRegionID), r.TargetAddress,
		nullPort(r.DstPort), nullPort(r.SrcPort), string(r.Direction), r.Bandwidth, int(r.Rate), r.Latency,
		int(r.LatencyUnit), r.PacketLoss, r.Corruption, r.Deployed, r.Created.Format(time.RFC3339))
	if err != nil {
		return mapConstraint(err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetRule retrieves a rule by ID.
func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (*models.Rule, error) {
	return scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
}

// ListRules returns rules matching the filter in id order.
func (s *SQLiteStore) ListRules(ctx context.Context, filter RuleFilter) ([]models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE 1=1`
	var args []any
	if filter.HostID != 0 {
		query += ` AND host_id = ?`
		args = append(args, filter.HostID)
	}
	if filter.Interface != "" {
		query += ` AND interface = ?`
		args = append(args, filter.Interface)
	}
	if filter.TouchesHostID != 0 {
		query += ` AND (host_id = ? OR target_host_id = ?)`
		args = append(args, filter.TouchesHostID, filter.TouchesHostID)
	}
	if filter.TargetRegionID != 0 {
		query += ` AND target_region_id = ?`
		args = append(args, filter.TargetRegionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// SetRuleDeployed updates a rule's deployed flag.
func (s *SQLiteStore) SetRuleDeployed(ctx context.Context, id int64, deployed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET deployed = ? WHERE id = ?`, deployed, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// DeleteRule removes a rule and its group memberships.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// --- rule groups ---

func (s *SQLiteStore) scanGroup(ctx context.Context, row rowScanner) (*models.RuleGroup, error) {
	var g models.RuleGroup
	var created string
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.Deployed, &g.Active, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	g.Created, _ = time.Parse(time.RFC3339, created)
	return &g, nil
}

func (s *SQLiteStore) loadMembers(ctx context.Context, g *models.RuleGroup) error {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id FROM rule_group_members WHERE group_id = ? ORDER BY rule_id`, g.ID)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	g.RuleIDs = nil
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		g.RuleIDs = append(g.RuleIDs, id)
	}
	return rows.Err()
}

// CreateRuleGroup inserts a group together with its member rules.
func (s *SQLiteStore) CreateRuleGroup(ctx context.Context, g *models.RuleGroup) error {
	if g.Created.IsZero() {
		g.Created = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO rule_groups (name, description, deployed, active, created) VALUES (?, ?, ?, ?, ?)
	`, g.Name, g.Description, g.Deployed, g.Active, g.Created.Format(time.RFC3339))
	if err != nil {
		return mapConstraint(err)
	}
	if g.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for _, ruleID := range g.RuleIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO rule_group_members (group_id, rule_id) VALUES (?, ?)`, g.ID, ruleID); err != nil {
			return mapConstraint(err)
		}
	}
	return tx.Commit()
}

const groupColumns = `id, name, description, deployed, active, created`

// GetRuleGroup retrieves a group and its member rule ids.
func (s *SQLiteStore) GetRuleGroup(ctx context.Context, id int64) (*models.RuleGroup, error) {
	g, err := s.scanGroup(ctx, s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM rule_groups WHERE id = ?`, id))
	if err != nil || g == nil {
		return g, err
	}
	return g, s.loadMembers(ctx, g)
}

// GetRuleGroupByName retrieves a group by name.
func (s *SQLiteStore) GetRuleGroupByName(ctx context.Context, name string) (*models.RuleGroup, error) {
	g, err := s.scanGroup(ctx, s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM rule_groups WHERE name = ?`, name))
	if err != nil || g == nil {
		return g, err
	}
	return g, s.loadMembers(ctx, g)
}

// ListRuleGroups returns all groups ordered by id.
func (s *SQLiteStore) ListRuleGroups(ctx context.Context) ([]models.RuleGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM rule_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var groups []models.RuleGroup
	for rows.Next() {
		g, err := s.scanGroup(ctx, rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		groups = append(groups, *g)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Members are loaded after the cursor is closed: there is one connection.
	for i := range groups {
		if err := s.loadMembers(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// AddRuleToGroup adds a rule to a group; adding an existing member is a no-op.
func (s *SQLiteStore) AddRuleToGroup(ctx context.Context, groupID, ruleID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO rule_group_members (group_id, rule_id) VALUES (?, ?)`, groupID, ruleID)
	if err != nil {
		return fmt.Errorf("%w: group %d or rule %d", ErrNotFound, groupID, ruleID)
	}
	return nil
}

// GroupsForRule returns the ids of every group containing the rule.
func (s *SQLiteStore) GroupsForRule(ctx context.Context, ruleID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM rule_group_members WHERE rule_id = ? ORDER BY group_id`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetRuleGroupStatus updates a group's deployed and active flags.
func (s *SQLiteStore) SetRuleGroupStatus(ctx context.Context, id int64, deployed, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rule_groups SET deployed = ?, active = ? WHERE id = ?`, deployed, active, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// DeleteRuleGroup removes a group. Member rules are kept.
func (s *SQLiteStore) DeleteRuleGroup(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rule_groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// --- audit ---

// AppendAudit appends an audit record.
func (s *SQLiteStore) AppendAudit(ctx context.Context, message string) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{Timestamp: auditTimestamp(), Message: message}
	res, err := s.db.ExecContext(ctx, `INSERT INTO audit (timestamp, message) VALUES (?, ?)`, rec.Timestamp, rec.Message)
	if err != nil {
		return nil, err
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

// ListAudit returns the most recent records, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, message FROM (
			SELECT id, timestamp, message FROM audit ORDER BY id DESC LIMIT ?
		) ORDER BY id
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Message); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- notifications ---

// AddNotification stores a notification for its recipient.
func (s *SQLiteStore) AddNotification(ctx context.Context, n *models.Notification) error {
	if n.Created.IsZero() {
		n.Created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (recipient, verb, description, created, read) VALUES (?, ?, ?, ?, ?)
	`, n.Recipient, n.Verb, n.Description, n.Created.Format(time.RFC3339), n.Read)
	if err != nil {
		return err
	}
	n.ID, err = res.LastInsertId()
	return err
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, recipient string, unreadOnly bool) ([]models.Notification, error) {
	query := `SELECT id, recipient, verb, description, created, read FROM notifications WHERE recipient = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var created string
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Verb, &n.Description, &created, &n.Read); err != nil {
			return nil, err
		}
		n.Created, _ = time.Parse(time.RFC3339, created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead marks every notification of a recipient as read.
func (s *SQLiteStore) MarkNotificationsRead(ctx context.Context, recipient string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE recipient = ?`, recipient)
	return err
}

// --- deployments ---

// RecordDeployment inserts a deployment batch record.
func (s *SQLiteStore) RecordDeployment(ctx context.Context, d models.Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, group_id, intent, initiator, started_at, status) VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.GroupID, string(d.Intent), d.Initiator, d.StartedAt.Format(time.RFC3339), d.Status)
	return mapConstraint(err)
}

// UpdateDeployment records the final counts and status of a batch.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d models.Deployment) error {
	finished := time.Now()
	if d.FinishedAt != nil {
		finished = *d.FinishedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = ?, dispatched = ?, succeeded = ?, failed = ?, finished_at = ? WHERE id = ?
	`, d.Status, d.Dispatched, d.Succeeded, d.Failed, finished.Format(time.RFC3339), d.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ListDeployments returns the most recent batches, newest first.
func (s *SQLiteStore) ListDeployments(ctx context.Context, limit int) ([]models.Deployment, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, intent, initiator, started_at, finished_at, dispatched, succeeded, failed, status
		FROM deployments ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var out []models.Deployment
	for rows.Next() {
		var d models.Deployment
		var intent, startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.GroupID, &intent, &d.Initiator, &startedAt, &finishedAt,
			&d.Dispatched, &d.Succeeded, &d.Failed, &d.Status); err != nil {
			return nil, err
		}
		d.Intent = models.Intent(intent)
		d.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAt.String)
			d.FinishedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
