package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"reviewline/internal/app"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/metrics"
	"reviewline/internal/migrate"
	"reviewline/internal/notify"
	"reviewline/internal/repo"
	"reviewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reviewline CLI",
	Long: `Reviewline routes submitted CVs to qualified reviewers.
- Submission: one CV with a profile (backend, frontend, ...). It moves unassigned -> assigned -> completed.
- Reviewer: a person qualified for a set of profiles with a fixed quota. Load counts every submission ever handed to them and never goes down.
- Pull: a reviewer asks for the oldest unassigned submission it is qualified for ('rl next').
- Push: 'rl allocate' gives every pending submission to the least loaded qualified reviewer.
- Feedback: 'rl complete' stores the reviewer's comments and mails the applicant.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/reviewline.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(allocateCmd())
	rootCmd.AddCommand(assignmentsCmd())
	rootCmd.AddCommand(coverageCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage reviewline.yml",
		Long:  "reviewline.yml seeds the reviewer roster and configures background allocation and applicant notifications (SMTP, webhooks).",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reviewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
}

func rosterCmd() *cobra.Command {
	r := &cobra.Command{Use: "roster", Short: "Manage reviewers"}
	r.AddCommand(rosterImportCmd())
	r.AddCommand(rosterListCmd())
	r.AddCommand(rosterSetCmd())
	return r
}

func rosterImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Upsert the reviewers listed in the config; loads are kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				saved, err := app.SeedRoster(ctx, r, cfg)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("imported %d reviewers\n", len(saved))
				return nil
			})
		},
	}
}

func rosterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reviewers with load and quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Reviewers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Profiles", "Load", "Quota"})
				for _, rv := range items {
					tw.AppendRow(table.Row{rv.ID, rv.Name, joinProfiles(rv.Profiles), rv.Load, rv.Quota})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rosterSetCmd() *cobra.Command {
	var name, email string
	var profiles []string
	var quota int
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or update one reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rv := domain.Reviewer{ID: args[0], Name: name, Email: email, Quota: quota, Profiles: []domain.Profile{}}
			for _, raw := range profiles {
				p, err := domain.ParseProfile(raw)
				if err != nil {
					return err
				}
				rv.Profiles = append(rv.Profiles, p)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.SetReviewer(ctx, rv)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringSliceVar(&profiles, "profile", nil, "qualified profile (repeatable)")
	cmd.Flags().IntVar(&quota, "quota", 0, "lifetime quota")
	return cmd
}

func submissionCmd() *cobra.Command {
	s := &cobra.Command{Use: "submission", Short: "Manage submissions"}
	s.AddCommand(submissionSubmitCmd())
	s.AddCommand(submissionListCmd())
	s.AddCommand(submissionShowCmd())
	return s
}

func submissionSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "File a new submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Name == "" {
				return fmt.Errorf("--name required")
			}
			if opts.Profile == "" {
				return fmt.Errorf("--profile required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sub, err := e.SubmitNew(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "submission id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "applicant name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "applicant email for the feedback notification")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "profile")
	cmd.Flags().StringToStringVar(&opts.Metadata, "meta", nil, "metadata key=value pairs")
	return cmd
}

func submissionListCmd() *cobra.Command {
	var state, profile, assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.SubmissionFilters{State: domain.SubmissionState(state), AssigneeID: assignee, Limit: limit}
			if profile != "" {
				p, err := domain.ParseProfile(profile)
				if err != nil {
					return err
				}
				f.Profile = p
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Submissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Profile", "State", "Assignee", "Submitted"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Profile, s.State, stringOrEmpty(s.AssigneeID), s.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (unassigned, assigned, completed)")
	cmd.Flags().StringVar(&profile, "profile", "", "profile filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func submissionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sub, err := e.Submission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
}

func nextCmd() *cobra.Command {
	var reviewerID string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Pull the oldest submission a reviewer is qualified for",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewerID == "" {
				return fmt.Errorf("--reviewer required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sub, ok, err := e.NextFor(ctx, reviewerID)
				if err != nil {
					return err
				}
				if !ok {
					if viper.GetBool("json") {
						return printJSON(nil)
					}
					fmt.Println("nothing to review")
					return nil
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&reviewerID, "reviewer", "", "reviewer id")
	return cmd
}

func completeCmd() *cobra.Command {
	var reviewerID string
	var comments []string
	cmd := &cobra.Command{
		Use:   "complete <submission-id>",
		Short: "Record feedback for an assigned submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sub, err := e.Complete(ctx, engine.CompleteOptions{
					SubmissionID: args[0],
					ReviewerID:   reviewerID,
					Feedback:     comments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&reviewerID, "reviewer", "", "reviewer id; must be the assignee when set")
	cmd.Flags().StringArrayVar(&comments, "comment", nil, "feedback line (repeatable, kept in order)")
	return cmd
}

func allocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate",
		Short: "Assign every pending submission to the least loaded qualified reviewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AllocateAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("assigned %d, skipped %d\n", res.Assigned, res.Skipped)
				return nil
			})
		},
	}
}

func assignmentsCmd() *cobra.Command {
	var reviewerID string
	cmd := &cobra.Command{
		Use:   "assignments",
		Short: "List assignments with their reviewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Assignments(ctx, reviewerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Submission", "Profile", "State", "Reviewer", "Assigned", "Completed"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.SubmissionID, a.Profile, a.State, a.ReviewerName, a.AssignedAt, stringOrEmpty(a.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reviewerID, "reviewer", "", "only this reviewer")
	return cmd
}

func coverageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coverage",
		Short: "Show profiles nobody can review and submission counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				uncovered, err := e.Coverage(ctx)
				if err != nil {
					return err
				}
				counts, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"uncovered": uncovered, "counts": counts})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Count"})
				for _, s := range []domain.SubmissionState{domain.StateUnassigned, domain.StateAssigned, domain.StateCompleted} {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				if len(uncovered) > 0 {
					fmt.Println("no qualified reviewer for:", joinProfiles(uncovered))
				}
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			interval, err := cfg.AllocationInterval()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			logger := slog.Default()
			e := engine.New(conn)
			e.Logger = logger
			e.Metrics = metrics.New()
			notifier, async := app.BuildNotifier(cfg, logger)
			e.Notifier = notifier
			defer closeAsync(async)
			if _, err := app.SeedRoster(cmd.Context(), e.Repo, cfg); err != nil {
				return err
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if interval > 0 {
				g.Go(func() error {
					logger.Info("background allocation enabled", slog.Duration("interval", interval))
					return e.RunAllocator(ctx, interval)
				})
			}
			fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		e := engine.New(r.DB)
		e.Logger = slog.Default()
		notifier, async := app.BuildNotifier(cfg, e.Logger)
		e.Notifier = notifier
		defer closeAsync(async)
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// closeAsync drains queued notifications before the process exits.
func closeAsync(async *notify.Async) {
	if async == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := async.Close(ctx); err != nil {
		slog.Default().Warn("notification queue not drained", slog.Any("error", err))
	}
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

func joinProfiles(ps []domain.Profile) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
