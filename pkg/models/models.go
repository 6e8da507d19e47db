package models

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Rate is the unit of a bandwidth value. It is ordinal: a lower value is a
// more restrictive tier.
type Rate int

// Rate tiers. RateNone marks an unset rate.
const (
	RateNone Rate = iota
	RateKbps
	RateMbps
	RateGbps
)

func (r Rate) String() string {
	switch r {
	case RateKbps:
		return "Kbps"
	case RateMbps:
		return "Mbps"
	case RateGbps:
		return "Gbps"
	default:
		return ""
	}
}

// ParseRate converts "Kbps", "Mbps" or "Gbps" (case-insensitive) to a Rate.
// An empty string yields RateNone.
func ParseRate(s string) (Rate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return RateNone, nil
	case "kbps":
		return RateKbps, nil
	case "mbps":
		return RateMbps, nil
	case "gbps":
		return RateGbps, nil
	default:
		return RateNone, fmt.Errorf("invalid rate %q (use: Kbps, Mbps, Gbps)", s)
	}
}

// TimeUnit is the unit of a latency value.
type TimeUnit int

// Time units. TimeUnitNone marks an unset unit.
const (
	TimeUnitNone TimeUnit = iota
	TimeMilliseconds
)

// Suffix returns the unit as understood by tcset. Unset units default to
// milliseconds, the only unit there is.
func (u TimeUnit) Suffix() string {
	return "ms"
}

// Direction is the traffic direction a rule shapes.
type Direction string

// Traffic directions. DirectionUnspecified means both.
const (
	DirectionUnspecified Direction = ""
	DirectionOutgoing    Direction = "outgoing"
	DirectionIncoming    Direction = "incoming"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionUnspecified, "both":
		return DirectionUnspecified, nil
	case DirectionOutgoing:
		return DirectionOutgoing, nil
	case DirectionIncoming:
		return DirectionIncoming, nil
	default:
		return DirectionUnspecified, fmt.Errorf("invalid direction %q (use: outgoing, incoming)", s)
	}
}

// Intent is what a deployment batch does to the rules of a group.
type Intent string

// Deployment intents.
const (
	IntentActivate   Intent = "activate"
	IntentDeactivate Intent = "deactivate"
)

// Profile holds the shaping characteristics shared by instance types, WAN
// links and rule overrides. Zero values mean "not set".
type Profile struct {
	Bandwidth   float64  `json:"bandwidth"`
	Rate        Rate     `json:"rate"`
	Latency     float64  `json:"latency"`
	LatencyUnit TimeUnit `json:"latency_unit"`
	PacketLoss  float64  `json:"packet_loss"`
	Corruption  float64  `json:"corruption"`
}

// Region is a geographic zone with its own internal and external link
// characteristics.
type Region struct {
	ID                  int64    `json:"id"`
	Name                string   `json:"name"`
	Slug                string   `json:"slug"`
	InternalBandwidth   float64  `json:"internal_bandwidth"`
	InternalRate        Rate     `json:"internal_rate"`
	InternalLatency     float64  `json:"internal_latency"`
	InternalLatencyUnit TimeUnit `json:"internal_latency_unit"`
	ExternalBandwidth   float64  `json:"external_bandwidth"`
	ExternalRate        Rate     `json:"external_rate"`
	PacketLoss          float64  `json:"packet_loss"`
	Corruption          float64  `json:"corruption"`
}

// InstanceType is a reusable per-host performance profile.
type InstanceType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Profile
}

// WAN describes the link between two regions. Its name is "<slug>_<slug>"
// or a single region slug.
type WAN struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Profile
}

// Facts is metadata discovered from a host during a managed execution.
type Facts struct {
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
	Distribution string `json:"distribution"`
	Kernel       string `json:"kernel"`
	IPAddress    string `json:"ip_address"`
}

// Host is a managed machine.
type Host struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	RegionID       *int64   `json:"region_id,omitempty"`
	InstanceTypeID *int64   `json:"instance_type_id,omitempty"`
	Interface      string   `json:"interface"`
	IPAddress      string   `json:"ip_address"`
	CPU            string   `json:"cpu"`
	Memory         string   `json:"memory"`
	Distribution   string   `json:"distribution"`
	Kernel         string   `json:"kernel"`
	Active         bool     `json:"active"`
	Groups         []string `json:"groups,omitempty"`
}

// Rule is one shaping directive from a source host towards a target host,
// or towards every other host in a target region.
type Rule struct {
	ID             int64     `json:"id"`
	HostID         int64     `json:"host_id"`
	Interface      string    `json:"interface"`
	TargetHostID   *int64    `json:"target_host_id,omitempty"`
	TargetRegionID *int64    `json:"target_region_id,omitempty"`
	TargetAddress  string    `json:"target_address,omitempty"`
	DstPort        *int      `json:"dst_port,omitempty"`
	SrcPort        *int      `json:"src_port,omitempty"`
	Direction      Direction `json:"direction,omitempty"`
	Profile
	Deployed bool      `json:"deployed"`
	Created  time.Time `json:"created"`
}

// RuleGroup is a deployable bundle of rules.
type RuleGroup struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	RuleIDs     []int64   `json:"rule_ids"`
	Deployed    bool      `json:"deployed"`
	Active      bool      `json:"active"`
	Created     time.Time `json:"created"`
}

// AuditRecord is an immutable history entry.
type AuditRecord struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// Notification is a message delivered to a user's inbox.
type Notification struct {
	ID          int64     `json:"id"`
	Recipient   string    `json:"recipient"`
	Verb        string    `json:"verb"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
	Read        bool      `json:"read"`
}

// Deployment records one deployment batch against a rule group.
type Deployment struct {
	ID         string     `json:"id"`
	GroupID    int64      `json:"group_id"`
	Intent     Intent     `json:"intent"`
	Initiator  string     `json:"initiator"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Dispatched int        `json:"dispatched"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Status     string     `json:"status"`
}

// Slugify derives a URL-safe slug from a name: lowercased, whitespace and
// hyphen runs collapsed to a single hyphen, other punctuation dropped.
func Slugify(name string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsSpace(r) || r == '-':
			pendingHyphen = b.Len() > 0
		case r == '_' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9'):
			if pendingHyphen {
				b.WriteByte('-')
				pendingHyphen = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
