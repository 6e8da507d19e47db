package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matijazezelj/tcpanel/internal/config"
	"github.com/matijazezelj/tcpanel/internal/deploy"
	"github.com/matijazezelj/tcpanel/internal/executor"
	"github.com/matijazezelj/tcpanel/internal/gather"
	"github.com/matijazezelj/tcpanel/internal/inventory"
	"github.com/matijazezelj/tcpanel/internal/notify"
	"github.com/matijazezelj/tcpanel/internal/server"
	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/internal/topology"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

var (
	version   = "dev"
	cfgFile   string
	dbPath    string
	logFormat string
	logLevel  string
	user      string
	logger    *slog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "tcpanel",
		Short:        "tcpanel: network shaping control plane",
		Long:         "Model regions, hosts and WAN links, and deploy tc shaping rules to hosts.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			opts := &slog.HandlerOptions{Level: level}
			switch logFormat {
			case "json":
				logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
			case "text":
				logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
			default:
				return fmt.Errorf("invalid --log-format %q (use: text, json)", logFormat)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./tcpanel.yaml)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&user, "user", defaultUser(), "user recorded as the initiator of deployments")

	root.AddCommand(
		regionCmd(),
		instanceTypeCmd(),
		wanCmd(),
		hostCmd(),
		ruleCmd(),
		groupCmd(),
		deployCmd(false),
		deployCmd(true),
		gatherCmd(),
		historyCmd(),
		notificationsCmd(),
		importCmd(),
		topologyCmd(),
		serveCmd(),
		versionCmd(),
		completionCmd(),
	)
	return root
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "tcpanel"
}

// app bundles everything a command needs.
type app struct {
	cfg  *config.Config
	repo *store.SQLiteStore
	inv  *inventory.FileProvider
	orch *deploy.Orchestrator
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	path := cfg.Storage.Path
	if dbPath != "" {
		path = dbPath
	}
	repo, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := repo.Init(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	inv := inventory.NewFileProvider(cfg.Inventory.Path, cfg.Inventory.CacheTTL, logger)
	exec := &executor.Router{
		SSH:   executor.NewSSHExecutor(logger),
		Local: executor.NewLocalExecutor(logger),
	}
	orch := deploy.New(repo, inv, exec, newNotifier(cfg, repo), cfg.DeployOptions(), logger)

	return &app{cfg: cfg, repo: repo, inv: inv, orch: orch}, nil
}

func (a *app) Close() error {
	return a.repo.Close()
}

// newNotifier always delivers to user inboxes, plus stdout and webhook
// when configured.
func newNotifier(cfg *config.Config, repo store.Repository) *notify.Multi {
	notifiers := []notify.Notifier{notify.NewInboxNotifier(repo)}
	if cfg.Alerts.Stdout.Enabled {
		notifiers = append(notifiers, notify.NewStdoutNotifier())
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Headers))
	}
	return notify.NewMulti(notifiers...)
}

// withApp opens the application for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck // best-effort cleanup
	return fn(ctx, a)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// profileFlags are the shaping characteristics shared by instance types,
// WAN links and rules.
type profileFlags struct {
	bandwidth  float64
	rate       string
	latency    float64
	packetLoss float64
	corruption float64
}

func (p *profileFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&p.bandwidth, "bandwidth", 0, "bandwidth limit")
	cmd.Flags().StringVar(&p.rate, "rate", "", "bandwidth unit (Kbps, Mbps, Gbps)")
	cmd.Flags().Float64Var(&p.latency, "latency", 0, "added latency in ms")
	cmd.Flags().Float64Var(&p.packetLoss, "packet-loss", 0, "packet loss percentage")
	cmd.Flags().Float64Var(&p.corruption, "corruption", 0, "packet corruption percentage")
}

func (p *profileFlags) profile() (models.Profile, error) {
	rate, err := models.ParseRate(p.rate)
	if err != nil {
		return models.Profile{}, err
	}
	if p.bandwidth > 0 && rate == models.RateNone {
		return models.Profile{}, errors.New("bandwidth requires a rate unit")
	}
	prof := models.Profile{
		Bandwidth:  p.bandwidth,
		Rate:       rate,
		Latency:    p.latency,
		PacketLoss: p.packetLoss,
		Corruption: p.corruption,
	}
	if p.latency > 0 {
		prof.LatencyUnit = models.TimeMilliseconds
	}
	return prof, nil
}

func formatBandwidth(bw float64, rate models.Rate) string {
	if bw == 0 || rate == models.RateNone {
		return "-"
	}
	return strconv.FormatFloat(bw, 'f', -1, 64) + rate.String()
}

func formatFloat(v float64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// --- deploy / undeploy ---

func deployCmd(deactivate bool) *cobra.Command {
	use, short, intent := "deploy <group>", "Activate every rule of a rule group", models.IntentActivate
	if deactivate {
		use, short, intent = "undeploy <group>", "Deactivate every rule of a rule group", models.IntentDeactivate
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				g, err := lookupGroup(ctx, a.repo, args[0])
				if err != nil {
					return err
				}
				out, err := a.orch.Deploy(ctx, g.ID, intent, user)
				if err != nil {
					return err
				}
				printOutcome(cmd.OutOrStdout(), out)
				if !out.Succeeded() {
					return fmt.Errorf("deployment %s: %d of %d rules failed", out.Deployment.ID, out.Deployment.Failed, out.Deployment.Dispatched)
				}
				return nil
			})
		},
	}
}

func printOutcome(w io.Writer, out *deploy.Outcome) {
	_, _ = fmt.Fprintf(w, "Deployment %s (%s %s): %s\n", out.Deployment.ID, out.Deployment.Intent, out.Group.Name, out.Deployment.Status)
	for _, id := range out.Skipped {
		_, _ = fmt.Fprintf(w, "  rule %d: already %sd, skipped\n", id, out.Deployment.Intent)
	}
	for _, r := range out.Rules {
		status := "ok"
		if r.Err != nil {
			status = "FAILED: " + r.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "  rule %d on %s: %s\n", r.RuleID, r.Host, status)
		for _, warn := range r.Warnings {
			_, _ = fmt.Fprintf(w, "    warning: %v\n", warn)
		}
	}
	_, _ = fmt.Fprintf(w, "Group %s: deployed=%t active=%t\n", out.Group.Name, out.Group.Deployed, out.Group.Active)
}

// --- gather ---

func gatherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gather",
		Short: "Collect facts from every inventory host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := a.orch.Gather(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(w, "Reached %d host(s)\n", len(out.Reached))
				for host, msg := range out.Failed {
					_, _ = fmt.Fprintf(w, "  %s: %s\n", host, msg)
				}
				if len(out.Failed) > 0 {
					return fmt.Errorf("%d host(s) unreachable", len(out.Failed))
				}
				return nil
			})
		},
	}
}

// --- history ---

func historyCmd() *cobra.Command {
	var limit int
	var deployments bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the audit log or deployment history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w := newTabWriter(cmd.OutOrStdout())
				if deployments {
					list, err := a.repo.ListDeployments(ctx, limit)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(w, "ID\tGROUP\tINTENT\tINITIATOR\tSTARTED\tOK\tFAILED\tSTATUS")
					for _, d := range list {
						_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%d\t%s\n", d.ID, d.GroupID, d.Intent, d.Initiator,
							d.StartedAt.Format(time.RFC3339), d.Succeeded, d.Failed, d.Status)
					}
					return w.Flush()
				}

				records, err := a.repo.ListAudit(ctx, limit)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w, "TIMESTAMP\tMESSAGE")
				for _, r := range records {
					_, _ = fmt.Fprintf(w, "%s\t%s\n", r.Timestamp, r.Message)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	cmd.Flags().BoolVar(&deployments, "deployments", false, "list deployment batches instead of the audit log")
	return cmd
}

// --- notifications ---

func notificationsCmd() *cobra.Command {
	var unread, markRead bool

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show the inbox of the current user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				notes, err := a.repo.ListNotifications(ctx, user, unread)
				if err != nil {
					return err
				}
				w := newTabWriter(cmd.OutOrStdout())
				_, _ = fmt.Fprintln(w, "CREATED\tVERB\tDESCRIPTION\tREAD")
				for _, n := range notes {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", n.Created.Format(time.RFC3339), n.Verb, n.Description, n.Read)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if markRead {
					return a.repo.MarkNotificationsRead(ctx, user)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark the listed notifications as read")
	return cmd
}

// --- import ---

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Load regions, hosts, rules and groups from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := store.LoadSeed(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := store.ApplySeed(ctx, a.repo, seed)
				if err != nil {
					return err
				}
				if _, err := a.repo.AppendAudit(ctx, "Imported "+args[0]); err != nil {
					logger.Warn("appending audit record", "error", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(),
					"Imported %d region(s), %d instance type(s), %d WAN link(s), %d host(s), %d rule(s), %d group(s)\n",
					stats.Regions, stats.InstanceTypes, stats.WANs, stats.Hosts, stats.Rules, stats.Groups)
				return nil
			})
		},
	}
}

// --- topology ---

func topologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Rack-awareness map and graph export",
	}
	cmd.AddCommand(topologyMapCmd(), topologySyncCmd(), topologyExportCmd())
	return cmd
}

func topologyMapCmd() *cobra.Command {
	var output string
	var push bool

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Render the Hadoop topology map",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if push {
					out := &deploy.ConfigureOutcome{}
					if err := a.orch.PushTopology(ctx, out); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pushed topology map to %d host(s)\n", out.Pushed)
					for host, msg := range out.PushFails {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", host, msg)
					}
					return nil
				}

				doc, err := a.orch.TopologyMap(ctx)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = io.WriteString(cmd.OutOrStdout(), doc)
					return err
				}
				return os.WriteFile(output, []byte(doc), 0o644) // #nosec G306 -- map is not secret
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the map to a file instead of stdout")
	cmd.Flags().BoolVar(&push, "push", false, "push the map to every inventory host")
	return cmd
}

func topologySyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror regions, hosts and WAN links into Memgraph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				mg := a.cfg.Storage.Memgraph
				if !mg.Enabled {
					return fmt.Errorf("memgraph is not enabled in configuration (set storage.memgraph.enabled: true)")
				}
				syncer, err := topology.NewMemgraphSyncer(mg.URI, mg.Username, mg.Password, logger)
				if err != nil {
					return fmt.Errorf("connecting to memgraph: %w", err)
				}
				defer syncer.Close() //nolint:errcheck // best-effort cleanup

				stats, err := syncer.Sync(ctx, a.repo)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Synced %d region(s), %d host(s), %d WAN link(s)\n", stats.Regions, stats.Hosts, stats.WANs)
				if len(stats.Unmatched) > 0 {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "WAN links naming no known region: %s\n", strings.Join(stats.Unmatched, ", "))
				}
				return nil
			})
		},
	}
}

func topologyExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export regions, hosts and WAN links as DOT, Mermaid or JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := topology.Export(ctx, a.repo, format)
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), out)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", topology.FormatDOT, "output format (dot, mermaid, json)")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var listen string
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and scheduled fact gathering",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			scfg := a.cfg.Server
			if listen != "" {
				scfg.Listen = listen
			}
			scfg.ReadOnly = scfg.ReadOnly || readOnly
			srv := server.New(a.repo, a.orch, scfg, logger)

			if a.cfg.Gather.Enabled {
				sched, err := gather.NewScheduler(a.orch, a.cfg.Gather.Schedule, logger)
				if err != nil {
					return err
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config or :8080)")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "disable deployments and deletes via API")
	return cmd
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tcpanel %s\n", version)
		},
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (use: debug, info, warn, error)", s)
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for tcpanel.

Bash:
  $ source <(tcpanel completion bash)

Zsh:
  $ tcpanel completion zsh > "${fpath[1]}/_tcpanel"

Fish:
  $ tcpanel completion fish | source

PowerShell:
  PS> tcpanel completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
