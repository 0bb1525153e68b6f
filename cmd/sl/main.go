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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteline/internal/app"
	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/repo"
	"siteline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Siteline CLI",
	Long: `Siteline tracks residential construction projects through a fixed stage
catalog and keeps every change on the record.

- Workspace: your .siteline directory with the project database; siteline.yml
  next to it tunes the SLA window, stage catalogs, and webhooks.
- Project: one build, identified by id or code, moving through catalog stages
  (Deposit ... Finalisation). The stage drives percent complete.
- Delay tracking: projects unattended past the SLA window get flagged; delay
  days only ever grow and push the working target finish out, never the
  original target.
- Accountability: completing a delayed project requires a delay reason.
- History: every field change is one immutable record with who and when;
  view with 'sl history'.`,
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
	viper.SetEnvPrefix("SITELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-name", "", "actor display name")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project id or code")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var code, name, houseType, stage, start, target, assignee, notes string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			targetTS, err := parseTimeFlag(target)
			if err != nil {
				return fmt.Errorf("--target: %w", err)
			}
			var startTS time.Time
			if start != "" {
				if startTS, err = parseTimeFlag(start); err != nil {
					return fmt.Errorf("--start: %w", err)
				}
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.CreateProject(ctx, engine.CreateOptions{
					Code:         code,
					Name:         name,
					HouseType:    domain.HouseType(houseType),
					Stage:        stage,
					StartDate:    startTS,
					TargetFinish: targetTS,
					AssignedToID: assignee,
					Notes:        notes,
					Actor:        actorFlag(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "project code")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&houseType, "house-type", "single", "house type (single|double)")
	cmd.Flags().StringVar(&stage, "stage", "", "initial stage (defaults to first catalog stage)")
	cmd.Flags().StringVar(&start, "start", "", "start date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&target, "target", "", "target finish (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assigned supervisor id")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Repo.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Type", "Stage", "%", "Status", "Target", "Delay"})
				for _, p := range items {
					delay := ""
					if p.IsDelayed {
						delay = fmt.Sprintf("%dd", p.DelayDays)
					}
					tw.AppendRow(table.Row{
						p.Code, p.Name, p.HouseType, p.Stage, p.PercentComplete,
						p.Status, p.TargetFinish.Format("2006-01-02"), delay,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.HouseType, "house-type", "", "house type filter")
	cmd.Flags().StringVar(&f.AssignedToID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project (runs the SLA scan first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.ResolveProject(ctx, projectRef(args))
				if err != nil {
					return err
				}
				scanned, err := env.Engine.CheckCompliance(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(scanned)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var code, name, houseType, stage, status, start, target, actual, assignee, delayReason, notes string
	var delayed bool
	var clearActual, clearAssignee bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		Long:  "Only flags you pass change the project. Each changed field lands in the history trail attributed to --actor-id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.ResolveProject(ctx, projectRef(args))
				if err != nil {
					return err
				}
				opts := engine.UpdateOptions{ProjectID: p.ID, Actor: actorFlag()}
				if cmd.Flags().Changed("code") {
					opts.Code = &code
				}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("house-type") {
					ht := domain.HouseType(houseType)
					opts.HouseType = &ht
				}
				if cmd.Flags().Changed("stage") {
					opts.Stage = &stage
				}
				if cmd.Flags().Changed("status") {
					st := domain.Status(status)
					opts.Status = &st
				}
				if cmd.Flags().Changed("start") {
					ts, err := parseTimeFlag(start)
					if err != nil {
						return fmt.Errorf("--start: %w", err)
					}
					opts.StartDate = &ts
				}
				if cmd.Flags().Changed("target") {
					ts, err := parseTimeFlag(target)
					if err != nil {
						return fmt.Errorf("--target: %w", err)
					}
					opts.TargetFinish = &ts
				}
				if cmd.Flags().Changed("actual") {
					ts, err := parseTimeFlag(actual)
					if err != nil {
						return fmt.Errorf("--actual: %w", err)
					}
					opts.ActualFinish = &ts
					opts.ActualFinishSet = true
				}
				if clearActual {
					opts.ActualFinish = nil
					opts.ActualFinishSet = true
				}
				if cmd.Flags().Changed("assignee") {
					opts.AssignedToID = &assignee
					opts.AssignedToSet = true
				}
				if clearAssignee {
					opts.AssignedToID = nil
					opts.AssignedToSet = true
				}
				if cmd.Flags().Changed("delayed") {
					opts.IsDelayed = &delayed
				}
				if cmd.Flags().Changed("delay-reason") {
					opts.DelayReason = &delayReason
				}
				if cmd.Flags().Changed("notes") {
					opts.Notes = &notes
				}
				updated, err := env.Engine.ApplyUpdate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "project code")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&houseType, "house-type", "", "house type (single|double)")
	cmd.Flags().StringVar(&stage, "stage", "", "stage name")
	cmd.Flags().StringVar(&status, "status", "", "status override (on_track|client_delay|past_target|completed)")
	cmd.Flags().StringVar(&start, "start", "", "start date")
	cmd.Flags().StringVar(&target, "target", "", "target finish")
	cmd.Flags().StringVar(&actual, "actual", "", "actual finish")
	cmd.Flags().BoolVar(&clearActual, "clear-actual", false, "clear actual finish")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assigned supervisor id")
	cmd.Flags().BoolVar(&clearAssignee, "clear-assignee", false, "clear assignee")
	cmd.Flags().BoolVar(&delayed, "delayed", false, "mark project delayed")
	cmd.Flags().StringVar(&delayReason, "delay-reason", "", "delay reason")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func complianceCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "compliance",
		Short: "SLA delay scanning",
		Long:  "The scan flags projects unattended past the configured window and grows their rolling delay counter. Safe to run repeatedly.",
	}
	c.AddCommand(complianceCheckCmd())
	c.AddCommand(complianceSweepCmd())
	return c
}

func complianceCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Scan one project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.ResolveProject(ctx, projectRef(args))
				if err != nil {
					return err
				}
				scanned, err := env.Engine.CheckCompliance(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(scanned)
			})
		},
	}
	return cmd
}

func complianceSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Scan every open project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				changed, err := env.Engine.SweepCompliance(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"changed": changed})
				}
				fmt.Printf("%d project(s) updated\n", changed)
				return nil
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var field, changedBy string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a project's audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.ResolveProject(ctx, projectRef(args))
				if err != nil {
					return err
				}
				entries, err := env.Repo.ListHistory(ctx, repo.HistoryFilters{
					ProjectID: p.ID,
					Field:     field,
					ChangedBy: changedBy,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Field", "Old", "New", "By"})
				for _, h := range entries {
					by := h.ChangedBy
					if h.ChangedByName != "" {
						by = fmt.Sprintf("%s (%s)", h.ChangedByName, h.ChangedBy)
					}
					tw.AppendRow(table.Row{
						h.CreatedAt.Format(time.RFC3339), h.Field,
						strOrDash(h.OldValue), strOrDash(h.NewValue), by,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "field filter")
	cmd.Flags().StringVar(&changedBy, "changed-by", "", "actor filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func stagesCmd() *cobra.Command {
	s := &cobra.Command{Use: "stages", Short: "Stage catalog"}
	s.AddCommand(stagesShowCmd())
	s.AddCommand(stagesImportCmd())
	return s
}

func stagesShowCmd() *cobra.Command {
	var houseType string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the catalog for a house type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				stages, err := env.Repo.ListStages(ctx, domain.HouseType(houseType))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "%"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.Stage, s.Percent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&houseType, "house-type", "single", "house type (single|double)")
	return cmd
}

func stagesImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored catalog with the lists in siteline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.SyncCatalog(ctx); err != nil {
					return err
				}
				fmt.Println("catalog imported")
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, actorName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once, stored hashed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				key := uuid.NewString()
				err := env.Repo.InsertAPIKey(ctx, domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					ActorName: actorName,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"actor_id": actorID, "key": key})
				}
				fmt.Printf("api key for %s: %s\n", actorID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&actorName, "name", "", "actor display name")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is siteline.yml in the workspace: SLA window, stage catalogs per house type, and webhook targets. Missing file means built-in defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate siteline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default siteline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer env.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("SITELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("SITELINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Siteline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (local use only)")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func actorFlag() domain.Actor {
	return domain.Actor{
		ID:          viper.GetString("actor-id"),
		DisplayName: viper.GetString("actor-name"),
	}
}

func projectRef(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return viper.GetString("project")
}

func parseTimeFlag(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t.UTC(), nil
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

func strOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
