// Package tc builds tcset/tcdel command lines for a network interface.
package tc

import (
	"fmt"
	"math"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

var deviceRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,14}$`)

// ValidationError reports a flag value that cannot be serialised safely.
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
}

func invalid(field, value, msg string) error {
	return &ValidationError{Field: field, Value: value, Msg: msg}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func checkDevice(device string) error {
	if !deviceRe.MatchString(device) {
		return invalid("device", device, "not a valid interface name")
	}
	return nil
}

func checkAmount(field string, v float64, max float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return invalid(field, formatNumber(v), "must be a finite non-negative number")
	}
	if max > 0 && v > max {
		return invalid(field, formatNumber(v), fmt.Sprintf("must not exceed %s", formatNumber(max)))
	}
	return nil
}

func checkPort(field string, p *int) error {
	if p != nil && (*p < 1 || *p > 65535) {
		return invalid(field, strconv.Itoa(*p), "must be between 1 and 65535")
	}
	return nil
}

// Del clears all shaping on a device.
type Del struct {
	Device string
}

// Build renders `tcdel --device <if> --all`.
func (d Del) Build() (string, error) {
	if err := checkDevice(d.Device); err != nil {
		return "", err
	}
	return "tcdel --device " + d.Device + " --all", nil
}

// Set applies shaping to a device. Zero Rate, Delay and Corrupt are omitted
// from the command; Loss is always rendered.
type Set struct {
	Device      string
	Bandwidth   float64
	Rate        models.Rate
	Delay       float64
	DelayUnit   models.TimeUnit
	Loss        float64
	Corrupt     float64
	Port        *int
	SrcPort     *int
	Destination string
	Direction   models.Direction
}

// Build validates every field and renders the tcset command line.
func (s Set) Build() (string, error) {
	if err := checkDevice(s.Device); err != nil {
		return "", err
	}
	if err := checkAmount("rate", s.Bandwidth, 0); err != nil {
		return "", err
	}
	if s.Rate < models.RateNone || s.Rate > models.RateGbps {
		return "", invalid("rate unit", strconv.Itoa(int(s.Rate)), "unknown rate")
	}
	if err := checkAmount("delay", s.Delay, 0); err != nil {
		return "", err
	}
	if err := checkAmount("loss", s.Loss, 100); err != nil {
		return "", err
	}
	if err := checkAmount("corrupt", s.Corrupt, 100); err != nil {
		return "", err
	}
	if err := checkPort("port", s.Port); err != nil {
		return "", err
	}
	if err := checkPort("src-port", s.SrcPort); err != nil {
		return "", err
	}
	if s.Destination != "" {
		if _, err := netip.ParseAddr(s.Destination); err != nil {
			if _, err := netip.ParsePrefix(s.Destination); err != nil {
				return "", invalid("dst-network", s.Destination, "not an IP address or CIDR")
			}
		}
	}
	switch s.Direction {
	case models.DirectionUnspecified, models.DirectionOutgoing, models.DirectionIncoming:
	default:
		return "", invalid("direction", string(s.Direction), "must be outgoing or incoming")
	}

	args := []string{"tcset", "--device", s.Device}
	if s.Bandwidth > 0 && s.Rate != models.RateNone {
		args = append(args, "--rate", formatNumber(s.Bandwidth)+s.Rate.String())
	}
	if s.Delay > 0 {
		args = append(args, "--delay", formatNumber(s.Delay)+s.DelayUnit.Suffix())
	}
	args = append(args, "--loss", formatNumber(s.Loss))
	if s.Corrupt > 0 {
		args = append(args, "--corrupt", formatNumber(s.Corrupt))
	}
	if s.Port != nil {
		args = append(args, "--port", strconv.Itoa(*s.Port))
	}
	if s.SrcPort != nil {
		args = append(args, "--src-port", strconv.Itoa(*s.SrcPort))
	}
	if s.Destination != "" {
		args = append(args, "--dst-network", s.Destination)
	}
	if s.Direction != models.DirectionUnspecified {
		args = append(args, "--direction", string(s.Direction))
	}
	args = append(args, "--change")
	return strings.Join(args, " "), nil
}
