package tc

import (
	"context"
	"fmt"

	"github.com/matijazezelj/tcpanel/internal/resolve"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

// Commands is the ordered command sequence for one rule.
type Commands struct {
	Lines    []string
	Warnings []error
}

// Generator turns rules into command sequences.
type Generator struct {
	resolver *resolve.Resolver
}

// NewGenerator creates a Generator backed by resolver.
func NewGenerator(resolver *resolve.Resolver) *Generator {
	return &Generator{resolver: resolver}
}

// Deactivate returns the command clearing all shaping on an interface. It
// needs no resolution.
func Deactivate(device string) (string, error) {
	return Del{Device: device}.Build()
}

// FromShaping converts a resolved shaping into a Set command.
func FromShaping(s resolve.Shaping) Set {
	return Set{
		Device:      s.Interface,
		Bandwidth:   s.Bandwidth,
		Rate:        s.Rate,
		Delay:       s.Latency,
		DelayUnit:   s.LatencyUnit,
		Loss:        s.PacketLoss,
		Corrupt:     s.Corruption,
		Port:        s.DstPort,
		SrcPort:     s.SrcPort,
		Destination: s.Destination,
		Direction:   s.Direction,
	}
}

// Generate returns the commands that activate, or with deactivate set clear,
// the shaping of a rule. Activation lines follow target discovery order.
func (g *Generator) Generate(ctx context.Context, rule models.Rule, deactivate bool) (*Commands, error) {
	if deactivate {
		line, err := Deactivate(rule.Interface)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		return &Commands{Lines: []string{line}}, nil
	}

	res, err := g.resolver.Resolve(ctx, rule)
	if err != nil {
		return nil, err
	}
	cmds := &Commands{Warnings: res.Warnings}
	for _, s := range res.Shapings {
		line, err := FromShaping(s).Build()
		if err != nil {
			return nil, fmt.Errorf("rule %d towards %s: %w", rule.ID, s.Target.Name, err)
		}
		cmds.Lines = append(cmds.Lines, line)
	}
	return cmds, nil
}
