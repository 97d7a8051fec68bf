package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"regcycle/internal/app"
	"regcycle/internal/assign"
	"regcycle/internal/config"
	"regcycle/internal/db"
	"regcycle/internal/domain"
	"regcycle/internal/repo"
	"regcycle/internal/server"
	"regcycle/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "regcycle",
	Short: "Regulatory test cycle tracker",
	Long: `Regcycle tracks regulatory test cycles: each report in a cycle moves
through nine fixed phases, every phase is a small dependency graph of
activities, and cross-team hand-offs run through assignments with SLA
escalation. Phase status is always derived from the activities, so the
dashboard can never disagree with the work.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REGCYCLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("roles", "", "comma-separated roles of the actor")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("roles", rootCmd.PersistentFlags().Lookup("roles"))
}

func registerCommands() {
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(datasourceCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string { return viper.GetString("actor-id") }
func actorRoles() []string {
	raw := strings.TrimSpace(viper.GetString("roles"))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Manage report phases"}
	cmd.AddCommand(phaseInitCmd())
	cmd.AddCommand(phaseStatusCmd())
	cmd.AddCommand(phaseResetCmd())
	cmd.AddCommand(phaseListCmd())
	return cmd
}

func addPhaseFlags(cmd *cobra.Command, cycle, report *string) {
	cmd.Flags().StringVar(cycle, "cycle", "", "cycle id")
	cmd.Flags().StringVar(report, "report", "", "report id")
	_ = cmd.MarkFlagRequired("cycle")
	_ = cmd.MarkFlagRequired("report")
}

func phaseInitCmd() *cobra.Command {
	var cycle, report string
	cmd := &cobra.Command{
		Use:   "init <phase>",
		Short: "Instantiate phase activities from the template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				states, err := a.Tracker.InitializePhase(ctx, cycle, report, args[0], actorID())
				if err != nil {
					return err
				}
				return printActivities(states)
			})
		},
	}
	addPhaseFlags(cmd, &cycle, &report)
	return cmd
}

func phaseStatusCmd() *cobra.Command {
	var cycle, report string
	cmd := &cobra.Command{
		Use:   "status <phase>",
		Short: "Phase progress, SLA, and activity breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Tracker.ComputeSnapshot(ctx, cycle, report, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("%s %s/%s: %s (%d%%) risk=%s\n",
					snap.Phase, snap.CycleID, snap.ReportID, snap.Status, snap.Progress, snap.RiskLevel)
				if snap.SLADeadline != nil {
					fmt.Printf("SLA deadline: %s\n", *snap.SLADeadline)
				}
				return printActivities(snap.Activities)
			})
		},
	}
	addPhaseFlags(cmd, &cycle, &report)
	return cmd
}

func phaseResetCmd() *cobra.Command {
	var cycle, report string
	cmd := &cobra.Command{
		Use:   "reset <phase>",
		Short: "Reset a phase to the current template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				states, err := a.Tracker.ResetPhase(ctx, cycle, report, args[0], actorID())
				if err != nil {
					return err
				}
				return printActivities(states)
			})
		},
	}
	addPhaseFlags(cmd, &cycle, &report)
	return cmd
}

func phaseListCmd() *cobra.Command {
	var cycle, report string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "All phases of a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snaps, err := a.Tracker.CycleOverview(ctx, cycle, report)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Status", "Progress", "Risk", "SLA deadline"})
				for _, s := range snaps {
					deadline := ""
					if s.SLADeadline != nil {
						deadline = *s.SLADeadline
					}
					tw.AppendRow(table.Row{s.Phase, s.Status, fmt.Sprintf("%d%%", s.Progress), s.RiskLevel, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	addPhaseFlags(cmd, &cycle, &report)
	return cmd
}

func activityCmd() *cobra.Command {
	var cycle, report, phase, reason string
	cmd := &cobra.Command{
		Use:   "activity <code> <start|complete|skip|resubmit>",
		Short: "Apply an activity transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				state, err := a.Tracker.Transition(ctx, tracker.TransitionRequest{
					CycleID:      cycle,
					ReportID:     report,
					Phase:        phase,
					ActivityCode: args[0],
					Action:       args[1],
					Actor:        actorID(),
					Reason:       reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	addPhaseFlags(cmd, &cycle, &report)
	cmd.Flags().StringVar(&phase, "phase", "", "phase name")
	cmd.Flags().StringVar(&reason, "reason", "", "skip or revision reason")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func assignmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assignment", Short: "Manage assignments"}
	cmd.AddCommand(assignmentCreateCmd())
	cmd.AddCommand(assignmentListCmd())
	cmd.AddCommand(assignmentShowCmd())
	cmd.AddCommand(assignmentActionCmd("acknowledge", "Acknowledge an assignment"))
	cmd.AddCommand(assignmentActionCmd("start", "Start working on an assignment"))
	cmd.AddCommand(assignmentCompleteCmd())
	cmd.AddCommand(assignmentApproveCmd())
	cmd.AddCommand(assignmentRejectCmd())
	cmd.AddCommand(assignmentCancelCmd())
	cmd.AddCommand(assignmentDelegateCmd())
	cmd.AddCommand(assignmentHistoryCmd())
	return cmd
}

func assignmentCreateCmd() *cobra.Command {
	var opts struct {
		entityType, entityID, assignee, kind     string
		fromRole, toRole, priority, approvalRole string
		due                                      string
		requiresApproval                         bool
	}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an assignment (idempotent per active slot)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				co := assign.CreateOptions{
					EntityType:     opts.entityType,
					EntityID:       opts.entityID,
					Assignee:       opts.assignee,
					AssignmentType: opts.kind,
				}
				co.FromRole = opts.fromRole
				co.ToRole = opts.toRole
				co.Priority = opts.priority
				co.ApprovalRole = opts.approvalRole
				co.RequiresApproval = opts.requiresApproval
				co.Actor = actorID()
				if opts.due != "" {
					co.DueDate = &opts.due
				}
				res, err := a.Assign.Create(ctx, co)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.entityType, "entity-type", "", "entity type")
	cmd.Flags().StringVar(&opts.entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&opts.assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&opts.kind, "type", "review", "assignment type")
	cmd.Flags().StringVar(&opts.fromRole, "from-role", "", "originating role")
	cmd.Flags().StringVar(&opts.toRole, "to-role", "", "target role")
	cmd.Flags().StringVar(&opts.priority, "priority", "", "priority")
	cmd.Flags().StringVar(&opts.approvalRole, "approval-role", "", "role required to approve")
	cmd.Flags().StringVar(&opts.due, "due", "", "due date (RFC3339)")
	cmd.Flags().BoolVar(&opts.requiresApproval, "requires-approval", false, "resolution needs approval")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func assignmentListCmd() *cobra.Command {
	var assignee, status, entityType string
	var activeOnly bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments (includes delegated visibility)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC()
				items, err := a.Repo.ListAssignments(ctx, repo.AssignmentFilters{
					Assignee:           assignee,
					Status:             status,
					EntityType:         entityType,
					ActiveOnly:         activeOnly,
					IncludeDelegations: assignee != "",
					Now:                now.Format(time.RFC3339),
					Limit:              limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Entity", "Assignee", "Status", "Due", "Priority"})
				for _, it := range items {
					due := ""
					if it.DueDate != nil {
						due = *it.DueDate
					}
					tw.AppendRow(table.Row{it.ID, it.AssignmentType, it.EntityID, it.Assignee, it.Status, due, it.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active assignments")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func assignmentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Repo.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func assignmentActionCmd(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var res domain.Assignment
				var err error
				switch action {
				case "acknowledge":
					res, err = a.Assign.Acknowledge(ctx, args[0], actorID())
				case "start":
					res, err = a.Assign.Start(ctx, args[0], actorID())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func assignmentCompleteCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Assign.Complete(ctx, args[0], actorID(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	return cmd
}

func assignmentApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a completed assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Assign.Approve(ctx, args[0], actorID(), actorRoles(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "approval notes")
	return cmd
}

func assignmentRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a completed assignment and request revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Assign.Reject(ctx, args[0], actorID(), actorRoles(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func assignmentCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Assign.Cancel(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func assignmentDelegateCmd() *cobra.Command {
	var delegate, reason, startsAt, endsAt string
	cmd := &cobra.Command{
		Use:   "delegate <id>",
		Short: "Grant time-bounded visibility to another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse(time.RFC3339, startsAt)
			if err != nil {
				return fmt.Errorf("invalid --starts-at: %w", err)
			}
			end, err := time.Parse(time.RFC3339, endsAt)
			if err != nil {
				return fmt.Errorf("invalid --ends-at: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Assign.Delegate(ctx, args[0], delegate, reason, start, end, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&delegate, "to", "", "delegate user")
	cmd.Flags().StringVar(&reason, "reason", "", "delegation reason")
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "window end (RFC3339)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("starts-at")
	_ = cmd.MarkFlagRequired("ends-at")
	return cmd
}

func assignmentHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Assignment transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAssignmentHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "Actor", "From", "To", "Notes"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.TS, h.Action, h.Actor, h.FromStatus, h.ToStatus, h.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func datasourceCmd() *cobra.Command {
	ds := &cobra.Command{Use: "datasource", Short: "Manage report data sources"}
	var cycle, report string
	var active bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Mark whether a report has a configured data source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.SetDataSource(ctx, cycle, report, active); err != nil {
					return err
				}
				fmt.Printf("data source for %s/%s: active=%v\n", cycle, report, active)
				return nil
			})
		},
	}
	addPhaseFlags(set, &cycle, &report)
	set.Flags().BoolVar(&active, "active", true, "data source configured")
	ds.AddCommand(set)
	return ds
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the SLA sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Monitor.Sweep(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Phase template config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default template to regcycle.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event ledger"}
	var n int
	var cycle, report, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, cycle, report, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&cycle, "cycle", "", "cycle filter")
	tail.Flags().StringVar(&report, "report", "", "report filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath, sweepSpec string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with scheduled SLA sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("REGCYCLE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("REGCYCLE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Tracker:  a.Tracker,
				Assign:   a.Assign,
				Monitor:  a.Monitor,
				Metrics:  a.Metrics,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}

			scheduler := cron.New()
			if sweepSpec != "" {
				if _, err := a.Monitor.Schedule(scheduler, sweepSpec, "sla-monitor"); err != nil {
					return fmt.Errorf("invalid sweep schedule %q: %w", sweepSpec, err)
				}
				scheduler.Start()
				defer scheduler.Stop()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving regcycle API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&sweepSpec, "sweep-schedule", "0 * * * *", "cron spec for the SLA sweep (empty disables)")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without a token")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printActivities(states []domain.ActivityState) error {
	if viper.GetBool("json") {
		return printJSON(states)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Code", "Status", "Blocked", "Reason"})
	for _, s := range states {
		tw.AppendRow(table.Row{s.ActivityCode, s.Status, s.IsBlocked, s.BlockingReason})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
