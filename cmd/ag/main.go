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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actiongate/internal/config"
	"actiongate/internal/db"
	"actiongate/internal/domain"
	"actiongate/internal/engine"
	"actiongate/internal/hookqueue"
	"actiongate/internal/migrate"
	"actiongate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ag",
	Short: "Actiongate CLI",
	Long: `Actiongate coordinates machine-proposed business actions through human approval.
Core concepts:
- Actions: machine-drafted proposals (posts, purchase orders, ad changes) that flow
  draft -> pending_review -> approved/rejected -> applied -> audited -> learned.
- Evidence and rollback: no approval without both; the reviewer must see what
  changes, why now, and how to undo it.
- Apply: dispatch through per-API rate limits with the action id as idempotency key,
  so a retried apply never double-executes.
- Audit trail: append-only history of every transition, view with 'ag log tail'.
- Learning signals: when a reviewer edits a draft before approving, the edit
  distance and grades are captured so drafts improve over time.`,
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
	viper.SetEnvPrefix("ACTIONGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{
		Use:   "action",
		Short: "Manage proposed actions",
		Long:  "Proposed actions are machine drafts waiting for a human verdict. Approve needs evidence and rollback; apply dispatches through the rate limiter; rejected drafts need a reason the machine can learn from.",
	}
	action.AddCommand(actionSubmitCmd())
	action.AddCommand(actionListCmd())
	action.AddCommand(actionShowCmd())
	action.AddCommand(actionApproveCmd())
	action.AddCommand(actionRejectCmd())
	action.AddCommand(actionRequestChangesCmd())
	action.AddCommand(actionApplyCmd())
	action.AddCommand(actionPollCmd())
	action.AddCommand(actionAuditCmd())
	action.AddCommand(actionLearnCmd())
	action.AddCommand(actionTrailCmd())
	return action
}

func actionSubmitCmd() *cobra.Command {
	var kind, summary, fileName string
	var evidenceWhat, evidenceWhy, evidenceImpact string
	var rollbackSteps, rollbackArtifact string
	var endpoint, payloadJSON string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposed action",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SubmitOptions{
				Kind:    kind,
				Summary: summary,
				ActorID: viper.GetString("actor-id"),
			}
			if fileName != "" {
				data, err := os.ReadFile(fileName)
				if err != nil {
					return err
				}
				var req struct {
					Kind     string              `json:"kind"`
					Summary  string              `json:"summary"`
					Actions  []domain.ActionStep `json:"actions"`
					Evidence *domain.Evidence    `json:"evidence"`
					Risk     *domain.Risk        `json:"risk"`
					Rollback *domain.Rollback    `json:"rollback"`
				}
				if err := json.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("invalid action file: %w", err)
				}
				opts.Kind = req.Kind
				opts.Summary = req.Summary
				opts.Actions = req.Actions
				opts.Evidence = req.Evidence
				opts.Risk = req.Risk
				opts.Rollback = req.Rollback
			} else {
				step := domain.ActionStep{Endpoint: endpoint}
				if payloadJSON != "" {
					if err := json.Unmarshal([]byte(payloadJSON), &step.Payload); err != nil {
						return fmt.Errorf("invalid --payload-json: %w", err)
					}
				}
				opts.Actions = []domain.ActionStep{step}
				if evidenceWhat != "" {
					opts.Evidence = &domain.Evidence{
						WhatChanges:    evidenceWhat,
						WhyNow:         evidenceWhy,
						ImpactForecast: evidenceImpact,
					}
				}
				if rollbackSteps != "" {
					opts.Rollback = &domain.Rollback{
						Steps:            rollbackSteps,
						ArtifactLocation: rollbackArtifact,
					}
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "action kind (content_post, purchase_order, ad_change, cx_reply, inventory_action)")
	cmd.Flags().StringVar(&summary, "summary", "", "one-line summary for the reviewer")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "executor endpoint for the single step")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "step payload JSON")
	cmd.Flags().StringVar(&evidenceWhat, "evidence-what", "", "what changes")
	cmd.Flags().StringVar(&evidenceWhy, "evidence-why", "", "why now")
	cmd.Flags().StringVar(&evidenceImpact, "evidence-impact", "", "impact forecast")
	cmd.Flags().StringVar(&rollbackSteps, "rollback-steps", "", "rollback steps")
	cmd.Flags().StringVar(&rollbackArtifact, "rollback-artifact", "", "rollback artifact location")
	cmd.Flags().StringVar(&fileName, "file", "", "read the full action from a JSON file instead of flags")
	return cmd
}

func actionListCmd() *cobra.Command {
	var state string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActions(ctx, state, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Summary", "Updated"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Kind, a.State, truncate(a.Summary, 48), a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionApproveCmd() *cobra.Command {
	var overridesJSON string
	var tone, accuracy, policy int
	var version int64
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ApproveOptions{
				ActorID: viper.GetString("actor-id"),
				Version: version,
			}
			if overridesJSON != "" {
				if err := json.Unmarshal([]byte(overridesJSON), &opts.Overrides); err != nil {
					return fmt.Errorf("invalid --overrides-json: %w", err)
				}
			}
			grades := &domain.Grades{}
			graded := false
			for _, g := range []struct {
				name string
				val  int
				dst  **int
			}{
				{"grade-tone", tone, &grades.Tone},
				{"grade-accuracy", accuracy, &grades.Accuracy},
				{"grade-policy", policy, &grades.Policy},
			} {
				if cmd.Flags().Changed(g.name) {
					v := g.val
					*g.dst = &v
					graded = true
				}
			}
			if graded {
				opts.Grades = grades
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Approve(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&overridesJSON, "overrides-json", "", "payload overrides merged before dispatch")
	cmd.Flags().IntVar(&tone, "grade-tone", 0, "tone grade 1-5")
	cmd.Flags().IntVar(&accuracy, "grade-accuracy", 0, "accuracy grade 1-5")
	cmd.Flags().IntVar(&policy, "grade-policy", 0, "policy grade 1-5")
	cmd.Flags().Int64Var(&version, "version", 0, "expected version (optimistic check)")
	return cmd
}

func actionRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Reject(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func actionRequestChangesCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "request-changes <id>",
		Short: "Ask the proposer for changes without deciding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RequestChanges(ctx, args[0], note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "change request note")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func actionApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Dispatch an approved action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Apply(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionPollCmd() *cobra.Command {
	var timeoutMs, intervalMs int
	cmd := &cobra.Command{
		Use:   "poll <id>",
		Short: "Poll the platform job behind an applied action until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				timeout := time.Duration(timeoutMs) * time.Millisecond
				interval := time.Duration(intervalMs) * time.Millisecond
				if timeoutMs <= 0 {
					timeout = time.Duration(e.Config.Poller.TimeoutMs) * time.Millisecond
				}
				if intervalMs <= 0 {
					interval = time.Duration(e.Config.Poller.IntervalMs) * time.Millisecond
				}
				res, err := e.PollJob(ctx, args[0], timeout, interval)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"status":     res.Status,
						"elapsed_ms": res.Elapsed.Milliseconds(),
					})
				}
				fmt.Printf("job %s after %s\n", res.Status, res.Elapsed.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "overall polling budget (default from config)")
	cmd.Flags().IntVar(&intervalMs, "interval-ms", 0, "delay between status checks (default from config)")
	return cmd
}

func actionAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <id>",
		Short: "Seal the transition history of an applied action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RunAudit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionLearnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learn <id>",
		Short: "Capture the learning signal of an audited action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, captured, err := e.Learn(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !captured && !viper.GetBool("json") {
					fmt.Println("no edits to learn from; action stays audited")
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionTrailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trail <id>",
		Short: "Show an action's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Repo.ListAuditByAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printAudit(records)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "The append-only diary of every transition, dispatch failure, and webhook rejection.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream audit records after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Repo.AuditAfter(ctx, n, after)
				if err != nil {
					return err
				}
				return printAudit(records)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	cmd.Flags().Int64Var(&after, "after", 0, "only records with id greater than this")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Approval throughput stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Repo.ApprovalStats(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Pending review:       %d\n", stats.PendingReview)
				fmt.Printf("Approved today:       %d\n", stats.ApprovedToday)
				fmt.Printf("Rejected today:       %d\n", stats.RejectedToday)
				fmt.Printf("Avg review time:      %.1f min\n", stats.AverageReviewTimeMinutes)
				return nil
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyRevokeCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext, record, err := server.MintAPIKey(ctx, e, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": record.ID, "actor_id": record.ActorID, "name": record.Name, "key": plaintext})
				}
				fmt.Printf("key id: %s\n", record.ID)
				fmt.Printf("actor:  %s\n", record.ActorID)
				fmt.Printf("key:    %s\n", plaintext)
				fmt.Println("store it now; only the hash is kept")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook: per-API rate limits with retry backoff, executor bindings per action kind, webhook secret and retry policy, and the job poller budget.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default actiongate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "default", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			defer e.Limiter.Close()

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ACTIONGATE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ACTIONGATE_JWT_SECRET is required for bearer auth")
			}

			queue := hookqueue.New(hookqueue.Options{MaxAttempts: cfg.Webhook.MaxAttempts})
			interval := time.Duration(cfg.Webhook.IntervalMs) * time.Millisecond
			server.StartCompletionConsumer(cmd.Context(), e, queue, interval)

			handler, err := server.New(server.Config{
				Engine:        e,
				Queue:         queue,
				BasePath:      basePath,
				Auth:          authCfg,
				WebhookSecret: cfg.Webhook.Secret,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Actiongate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	defer e.Limiter.Close()
	return fn(ctx, e)
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

func printAudit(records []domain.AuditRecord) error {
	if viper.GetBool("json") {
		return printJSON(records)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Action", "From", "To", "Actor", "Reason", "TS"})
	for _, r := range records {
		tw.AppendRow(table.Row{r.ID, r.ActionID, r.FromState, r.ToState, r.Actor, truncate(r.Reason, 40), r.TS})
	}
	tw.Render()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
