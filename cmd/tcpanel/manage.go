package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matijazezelj/tcpanel/internal/deploy"
	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

// Lookups accept a name or a numeric id.

func lookupRegion(ctx context.Context, repo store.Repository, ref string) (*models.Region, error) {
	var (
		r   *models.Region
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		r, err = repo.GetRegion(ctx, id)
	} else {
		r, err = repo.GetRegionByName(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("region %q: %w", ref, store.ErrNotFound)
	}
	return r, nil
}

func lookupInstanceType(ctx context.Context, repo store.Repository, ref string) (*models.InstanceType, error) {
	var (
		it  *models.InstanceType
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		it, err = repo.GetInstanceType(ctx, id)
	} else {
		it, err = repo.GetInstanceTypeByName(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("instance type %q: %w", ref, store.ErrNotFound)
	}
	return it, nil
}

func lookupHost(ctx context.Context, repo store.Repository, ref string) (*models.Host, error) {
	h, err := repo.GetHostByName(ctx, ref)
	if err == nil && h == nil {
		if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
			h, err = repo.GetHost(ctx, id)
		}
	}
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("host %q: %w", ref, store.ErrNotFound)
	}
	return h, nil
}

func lookupGroup(ctx context.Context, repo store.Repository, ref string) (*models.RuleGroup, error) {
	g, err := repo.GetRuleGroupByName(ctx, ref)
	if err == nil && g == nil {
		if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
			g, err = repo.GetRuleGroup(ctx, id)
		}
	}
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("rule group %q: %w", ref, store.ErrNotFound)
	}
	return g, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// --- region ---

func regionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "region", Short: "Manage regions"}
	cmd.AddCommand(regionAddCmd(), regionListCmd(), regionDeleteCmd())
	return cmd
}

func regionAddCmd() *cobra.Command {
	var (
		internal, external profileFlags
		packetLoss         float64
		corruption         float64
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or update a region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := internal.profile()
			if err != nil {
				return fmt.Errorf("internal link: %w", err)
			}
			ex, err := external.profile()
			if err != nil {
				return fmt.Errorf("external link: %w", err)
			}
			r := &models.Region{
				Name:                args[0],
				InternalBandwidth:   in.Bandwidth,
				InternalRate:        in.Rate,
				InternalLatency:     in.Latency,
				InternalLatencyUnit: in.LatencyUnit,
				ExternalBandwidth:   ex.Bandwidth,
				ExternalRate:        ex.Rate,
				PacketLoss:          packetLoss,
				Corruption:          corruption,
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.orch.AddRegion(ctx, r); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Region %s (%s) saved with id %d\n", r.Name, r.Slug, r.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.Float64Var(&internal.bandwidth, "internal-bandwidth", 0, "bandwidth between hosts of the region")
	f.StringVar(&internal.rate, "internal-rate", "", "unit of --internal-bandwidth (Kbps, Mbps, Gbps)")
	f.Float64Var(&internal.latency, "internal-latency", 0, "latency between hosts of the region in ms")
	f.Float64Var(&external.bandwidth, "external-bandwidth", 0, "bandwidth towards other regions")
	f.StringVar(&external.rate, "external-rate", "", "unit of --external-bandwidth (Kbps, Mbps, Gbps)")
	f.Float64Var(&packetLoss, "packet-loss", 0, "packet loss percentage")
	f.Float64Var(&corruption, "corruption", 0, "packet corruption percentage")
	return cmd
}

func regionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List regions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				regions, err := a.repo.ListRegions(ctx)
				if err != nil {
					return err
				}
				w := newTabWriter(cmd.OutOrStdout())
				_, _ = fmt.Fprintln(w, "ID\tNAME\tSLUG\tINTERNAL\tLATENCY\tEXTERNAL\tLOSS\tCORRUPTION")
				for _, r := range regions {
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Slug,
						formatBandwidth(r.InternalBandwidth, r.InternalRate), formatFloat(r.InternalLatency),
						formatBandwidth(r.ExternalBandwidth, r.ExternalRate), formatFloat(r.PacketLoss), formatFloat(r.Corruption))
				}
				return w.Flush()
			})
		},
	}
}

func regionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Delete a region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := lookupRegion(ctx, a.repo, args[0])
				if err != nil {
					return err
				}
				return a.orch.DeleteRegion(ctx, r.ID)
			})
		},
	}
}

// --- instance-type ---

func instanceTypeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "instance-type", Short: "Manage instance types"}
	cmd.AddCommand(instanceTypeAddCmd(), instanceTypeListCmd(), instanceTypeDeleteCmd())
	return cmd
}

func instanceTypeAddCmd() *cobra.Command {
	var pf profileFlags
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or update an instance type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := pf.profile()
			if err != nil {
				return err
			}
			it := &models.InstanceType{Name: args[0], Profile: prof}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.orch.AddInstanceType(ctx, it); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Instance type %s saved with id %d\n", it.Name, it.ID)
				return nil
			})
		},
	}
	pf.register(cmd)
	return cmd
}

func printProfiles[T any](cmd *cobra.Command, items []T, row func(T) (int64, string, models.Profile)) error {
	w := newTabWriter(cmd.OutOrStdout())
	_, _ = fmt.Fprintln(w, "ID\tNAME\tBANDWIDTH\tLATENCY\tLOSS\tCORRUPTION")
	for _, item := range items {
		id, name, p := row(item)
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", id, name, formatBandwidth(p.Bandwidth, p.Rate),
			formatFloat(p.Latency), formatFloat(p.PacketLoss), formatFloat(p.Corruption))
	}
	return w.Flush()
}

func instanceTypeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instance types",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				types, err := a.repo.ListInstanceTypes(ctx)
				if err != nil {
					return err
				}
				return printProfiles(cmd, types, func(it models.InstanceType) (int64, string, models.Profile) {
					return it.ID, it.Name, it.Profile
				})
			})
		},
	}
}

func instanceTypeDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Delete an instance type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				it, err := lookupInstanceType(ctx, a.repo, args[0])
				if err != nil {
					return err
				}
				return a.orch.DeleteInstanceType(ctx, it.ID)
			})
		},
	}
}

// --- wan ---

func wanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wan",
		Short: "Manage WAN links between regions",
		Long:  "WAN links are named <slug>_<slug> for a pair of regions, or <slug> for traffic leaving a single region.",
	}
	cmd.AddCommand(wanAddCmd(), wanListCmd(), wanDeleteCmd())
	return cmd
}

func wanAddCmd() *cobra.Command {
	var pf profileFlags
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or update a WAN link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := pf.profile()
			if err != nil {
				return err
			}
			wan := &models.WAN{Name: args[0], Profile: prof}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.orch.AddWAN(ctx, wan); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "WAN %s saved with id %d\n", wan.Name, wan.ID)
				return nil
			})
		},
	}
	pf.register(cmd)
	return cmd
}

func wanListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List WAN links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				wans, err := a.repo.ListWANs(ctx)
				if err != nil {
					return err
				}
				return printProfiles(cmd, wans, func(w models.WAN) (int64, string, models.Profile) {
					return w.ID, w.Name, w.Profile
				})
			})
		},
	}
}

func wanDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a WAN link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				wan, err := a.repo.GetWANByName(ctx, args[0])
				if err != nil {
					return err
				}
				if wan == nil {
					return fmt.Errorf("wan %q: %w", args[0], store.ErrNotFound)
				}
				return a.orch.DeleteWAN(ctx, wan.ID)
			})
		},
	}
}

// --- host ---

func hostCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "host", Short: "Manage hosts"}
	cmd.AddCommand(hostAddCmd(), hostListCmd(), hostDeleteCmd(), hostConfigureCmd())
	return cmd
}

// placement resolves optional region and instance type references.
func placement(ctx context.Context, repo store.Repository, region, instanceType string) (*int64, *int64, error) {
	var regionID, typeID *int64
	if region != "" {
		r, err := lookupRegion(ctx, repo, region)
		if err != nil {
			return nil, nil, err
		}
		regionID = &r.ID
	}
	if instanceType != "" {
		it, err := lookupInstanceType(ctx, repo, instanceType)
		if err != nil {
			return nil, nil, err
		}
		typeID = &it.ID
	}
	return regionID, typeID, nil
}

func hostAddCmd() *cobra.Command {
	var ip, region, instanceType, iface string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or update a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				regionID, typeID, err := placement(ctx, a.repo, region, instanceType)
				if err != nil {
					return err
				}
				h := &models.Host{
					Name:           args[0],
					IPAddress:      ip,
					RegionID:       regionID,
					InstanceTypeID: typeID,
					Interface:      iface,
				}
				if err := a.orch.AddHost(ctx, h); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Host %s saved with id %d\n", h.Name, h.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "", "IP address of the host (required)")
	cmd.Flags().StringVar(&region, "region", "", "region name or id")
	cmd.Flags().StringVar(&instanceType, "instance-type", "", "instance type name or id")
	cmd.Flags().StringVar(&iface, "interface", "", "network interface rules apply to")
	_ = cmd.MarkFlagRequired("ip")
	return cmd
}

func hostListCmd() *cobra.Command {
	var region string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hosts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var filter store.HostFilter
				if region != "" {
					r, err := lookupRegion(ctx, a.repo, region)
					if err != nil {
						return err
					}
					filter.RegionID = r.ID
				}
				hosts, err := a.repo.ListHosts(ctx, filter)
				if err != nil {
					return err
				}
				w := newTabWriter(cmd.OutOrStdout())
				_, _ = fmt.Fprintln(w, "ID\tNAME\tIP\tINTERFACE\tREGION\tTYPE\tCPU\tMEMORY\tACTIVE")
				for _, h := range hosts {
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n", h.ID, h.Name, h.IPAddress,
						orDash(h.Interface), idOrDash(h.RegionID), idOrDash(h.InstanceTypeID),
						orDash(h.CPU), orDash(h.Memory), h.Active)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "only hosts in this region")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func idOrDash(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func hostDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Delete a host and every rule touching it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := lookupHost(ctx, a.repo, args[0])
				if err != nil {
					return err
				}
				outs, err := a.orch.DeleteHost(ctx, h.ID, user)
				for _, out := range outs {
					printCascade(cmd, out)
				}
				return err
			})
		},
	}
}

func hostConfigureCmd() *cobra.Command {
	var region, instanceType, iface, cidr string

	cmd := &cobra.Command{
		Use:   "configure [host...]",
		Short: "Place hosts in a region with an instance type",
		Long:  "Select hosts by name or with --cidr, then push the refreshed topology map when topology.push is enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				regionID, typeID, err := placement(ctx, a.repo, region, instanceType)
				if err != nil {
					return err
				}
				out, err := a.orch.ConfigureHosts(ctx, deploy.Assignment{
					RegionID:       *regionID,
					InstanceTypeID: *typeID,
					Interface:      iface,
					Hosts:          args,
					CIDR:           cidr,
				})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(w, "Configured %d host(s): %s\n", len(out.Configured), strings.Join(out.Configured, ", "))
				if len(out.Missing) > 0 {
					_, _ = fmt.Fprintf(w, "Unknown hosts: %s\n", strings.Join(out.Missing, ", "))
				}
				if a.cfg.Topology.Push {
					_, _ = fmt.Fprintf(w, "Topology map pushed to %d host(s)\n", out.Pushed)
					for host, msg := range out.PushFails {
						_, _ = fmt.Fprintf(w, "  %s: %s\n", host, msg)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "region name or id (required)")
	cmd.Flags().StringVar(&instanceType, "instance-type", "", "instance type name or id (required)")
	cmd.Flags().StringVar(&iface, "interface", "eth0", "network interface rules apply to")
	cmd.Flags().StringVar(&cidr, "cidr", "", "configure every host whose IP lies in this network")
	_ = cmd.MarkFlagRequired("region")
	_ = cmd.MarkFlagRequired("instance-type")
	return cmd
}

// --- rule ---

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage shaping rules"}
	cmd.AddCommand(ruleAddCmd(), ruleListCmd(), ruleDeleteCmd())
	return cmd
}

func ruleAddCmd() *cobra.Command {
	var (
		pf                                      profileFlags
		host, iface, direction                  string
		targetHost, targetRegion, targetAddress string
		dstPort, srcPort                        int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule on a host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			prof, err := pf.profile()
			if err != nil {
				return err
			}
			dir, err := models.ParseDirection(direction)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				h, err := lookupHost(ctx, a.repo, host)
				if err != nil {
					return err
				}
				r := &models.Rule{
					HostID:        h.ID,
					Interface:     iface,
					TargetAddress: targetAddress,
					Direction:     dir,
					Profile:       prof,
				}
				if targetHost != "" {
					th, err := lookupHost(ctx, a.repo, targetHost)
					if err != nil {
						return err
					}
					r.TargetHostID = &th.ID
				}
				if targetRegion != "" {
					tr, err := lookupRegion(ctx, a.repo, targetRegion)
					if err != nil {
						return err
					}
					r.TargetRegionID = &tr.ID
				}
				if cmd.Flags().Changed("dst-port") {
					r.DstPort = &dstPort
				}
				if cmd.Flags().Changed("src-port") {
					r.SrcPort = &srcPort
				}
				if err := a.orch.AddRule(ctx, r); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rule %d created on %s\n", r.ID, h.Name)
				return nil
			})
		},
	}

	pf.register(cmd)
	f := cmd.Flags()
	f.StringVar(&host, "host", "", "host the rule is applied on (required)")
	f.StringVar(&iface, "interface", "", "interface (default: the host's interface)")
	f.StringVar(&targetHost, "target-host", "", "shape traffic to this host")
	f.StringVar(&targetRegion, "target-region", "", "shape traffic to every host of this region")
	f.StringVar(&targetAddress, "target-address", "", "destination network overriding the target's address")
	f.IntVar(&dstPort, "dst-port", 0, "destination port")
	f.IntVar(&srcPort, "src-port", 0, "source port")
	f.StringVar(&direction, "direction", "", "outgoing or incoming (default: both)")
	_ = cmd.MarkFlagRequired("host")
	cmd.MarkFlagsMutuallyExclusive("target-host", "target-region")
	cmd.MarkFlagsOneRequired("target-host", "target-region")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var filter store.RuleFilter
				if host != "" {
					h, err := lookupHost(ctx, a.repo, host)
					if err != nil {
						return err
					}
					filter.HostID = h.ID
				}
				rules, err := a.repo.ListRules(ctx, filter)
				if err != nil {
					return err
				}
				w := newTabWriter(cmd.OutOrStdout())
				_, _ = fmt.Fprintln(w, "ID\tHOST\tINTERFACE\tTARGET\tPORTS\tDIRECTION\tBANDWIDTH\tLATENCY\tDEPLOYED")
				for _, r := range rules {
					_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n", r.ID, r.HostID, r.Interface,
						ruleTarget(r), rulePorts(r), orDash(string(r.Direction)),
						formatBandwidth(r.Bandwidth, r.Rate), formatFloat(r.Latency), r.Deployed)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "only rules applied on this host")
	return cmd
}

func ruleTarget(r models.Rule) string {
	switch {
	case r.TargetHostID != nil:
		return "host:" + strconv.FormatInt(*r.TargetHostID, 10)
	case r.TargetRegionID != nil:
		return "region:" + strconv.FormatInt(*r.TargetRegionID, 10)
	case r.TargetAddress != "":
		return r.TargetAddress
	default:
		return "-"
	}
}

func rulePorts(r models.Rule) string {
	var parts []string
	if r.SrcPort != nil {
		parts = append(parts, "src:"+strconv.Itoa(*r.SrcPort))
	}
	if r.DstPort != nil {
		parts = append(parts, "dst:"+strconv.Itoa(*r.DstPort))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule and restore the remaining shaping on its interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := a.orch.DeleteRule(ctx, id, user)
				if err != nil {
					return err
				}
				printCascade(cmd, out)
				return out.Err
			})
		},
	}
}

func printCascade(cmd *cobra.Command, out *deploy.CascadeOutcome) {
	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "Deleted rule %d on %s\n", out.RuleID, out.Host)
	for _, line := range out.Sequence {
		_, _ = fmt.Fprintf(w, "  %s\n", line)
	}
	for _, warn := range out.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %v\n", warn)
	}
	if out.Err != nil {
		_, _ = fmt.Fprintf(w, "  restoring remaining rules failed: %v\n", out.Err)
	}
}

// --- group ---

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage rule groups"}
	cmd.AddCommand(groupAddCmd(), groupListCmd(), groupDeleteCmd(), groupAddRuleCmd())
	return cmd
}

func parseIDs(list []string) ([]int64, error) {
	ids := make([]int64, 0, len(list))
	for _, s := range list {
		id, err := parseID(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func groupAddCmd() *cobra.Command {
	var description string
	var rules []string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a rule group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(rules)
			if err != nil {
				return err
			}
			g := &models.RuleGroup{Name: args[0], Description: description, RuleIDs: ids}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.orch.AddRuleGroup(ctx, g); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rule group %s created with id %d\n", g.Name, g.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringSliceVar(&rules, "rules", nil, "comma-separated rule ids")
	return cmd
}

func groupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rule groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				groups, err := a.repo.ListRuleGroups(ctx)
				if err != nil {
					return err
				}
				w := newTabWriter(cmd.OutOrStdout())
				_, _ = fmt.Fprintln(w, "ID\tNAME\tRULES\tDEPLOYED\tACTIVE\tDESCRIPTION")
				for _, g := range groups {
					ids := make([]string, 0, len(g.RuleIDs))
					for _, id := range g.RuleIDs {
						ids = append(ids, strconv.FormatInt(id, 10))
					}
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\t%s\n", g.ID, g.Name, orDash(strings.Join(ids, ",")),
						g.Deployed, g.Active, g.Description)
				}
				return w.Flush()
			})
		},
	}
}

func groupDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Deactivate a rule group and delete it with its exclusive rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				g, err := lookupGroup(ctx, a.repo, args[0])
				if err != nil {
					return err
				}
				out, err := a.orch.DeleteRuleGroup(ctx, g.ID, user)
				if out != nil {
					printOutcome(cmd.OutOrStdout(), out)
				}
				return err
			})
		},
	}
}

func groupAddRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-rule <group> <rule-id>",
		Short: "Add a rule to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				g, err := lookupGroup(ctx, a.repo, args[0])
				if err != nil {
					return err
				}
				if err := a.repo.AddRuleToGroup(ctx, g.ID, ruleID); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rule %d added to %s\n", ruleID, g.Name)
				return nil
			})
		},
	}
}
