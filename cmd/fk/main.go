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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"flowkernel/internal/app"
	"flowkernel/internal/config"
	"flowkernel/internal/db"
	"flowkernel/internal/migrate"
	"flowkernel/internal/record"
	"flowkernel/internal/repo"
	"flowkernel/internal/server"
	"flowkernel/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "fk",
	Short: "flowkernel CLI",
	Long: `flowkernel runs an event-sourced command processor for user tasks, jobs,
identities and authorizations.
- Workspace: a directory holding flowkernel.yml and .flowkernel/records.db.
- Record log: every command, event and rejection, in order. State is rebuilt from it on start.
- Serve: exposes the gateway API; commands answer with the event they produced.
- Log: read the record log with 'fk log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
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
	viper.SetEnvPrefix("FLOWKERNEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("principal", "", "principal issuing commands from the CLI (defaults to the configured admin)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("principal", rootCmd.PersistentFlags().Lookup("principal"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage the workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default flowkernel.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config, env overrides applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Replay the log and show partition status",
		Long:  "Opens the partition, which replays the record log and finishes unprocessed commands, then reports positions and state sizes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				last, err := a.Repo.LastPosition(ctx)
				if err != nil {
					return err
				}
				processed, err := a.Repo.LastProcessedPosition(ctx)
				if err != nil {
					return err
				}
				counts, err := a.Repo.CountByType(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"partition_id":    a.Partition.ID(),
					"last_position":   last,
					"processed_until": processed,
					"record_counts":   counts,
				}
				a.Partition.View(func(st *state.State) {
					out["user_tasks"] = len(st.UserTasks.All())
					out["jobs"] = len(st.Jobs.All())
					out["incidents"] = len(st.Incidents.All())
					out["users"] = len(st.Identities.Users())
				})
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Partition: %d\n", a.Partition.ID())
				fmt.Printf("Last position: %d (processed until %d)\n", last, processed)
				fmt.Printf("Users: %d  User tasks: %d  Jobs: %d  Incidents: %d\n", out["users"], out["user_tasks"], out["jobs"], out["incidents"])
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Records", "Count"})
				for kind, c := range counts {
					tw.AppendRow(table.Row{kind, c})
				}
				tw.SortBy([]table.SortBy{{Name: "Records", Mode: table.Asc}})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Record log",
		Long:  "Every command, event and rejection the partition wrote, in log order.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var recordType, requestID string
	var valueTypes []string
	var key int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.RecordFilter{
					Limit:      n,
					RecordType: record.RecordType(strings.ToUpper(recordType)),
					Key:        key,
					RequestID:  requestID,
				}
				for _, vt := range valueTypes {
					f.ValueTypes = append(f.ValueTypes, record.ValueType(strings.ToUpper(vt)))
				}
				recs, err := r.LatestRecords(ctx, f, 0)
				if err != nil {
					return err
				}
				// oldest first, like a tail
				for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
					recs[i], recs[j] = recs[j], recs[i]
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Position", "Source", "Record", "Key", "Principal", "Time", "Rejection"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{
						rec.Position,
						rec.SourcePosition,
						fmt.Sprintf("%s %s %s", rec.RecordType, rec.ValueType, rec.Intent),
						rec.Key,
						rec.Principal,
						time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339),
						rejectionText(rec),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	cmd.Flags().StringVar(&recordType, "record-type", "", "COMMAND, EVENT or COMMAND_REJECTION")
	cmd.Flags().StringSliceVar(&valueTypes, "value-type", nil, "value type filter (repeatable)")
	cmd.Flags().Int64Var(&key, "key", 0, "record key")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id")
	return cmd
}

func rejectionText(rec record.Record) string {
	if rec.RejectionType == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", rec.RejectionType, rec.RejectionReason)
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobTimeoutCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var jobType, jobState string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var jobs []state.Job
				a.Partition.View(func(st *state.State) {
					for _, j := range st.Jobs.All() {
						if jobType != "" && j.Type != jobType {
							continue
						}
						if jobState != "" && !strings.EqualFold(string(j.State), jobState) {
							continue
						}
						jobs = append(jobs, j)
					}
				})
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Type", "Kind", "State", "Retries", "Worker", "Deadline"})
				for _, j := range jobs {
					deadline := ""
					if j.Deadline > 0 {
						deadline = time.UnixMilli(j.Deadline).UTC().Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{j.Key, j.Type, j.Kind, j.State, j.Retries, j.Worker, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	cmd.Flags().StringVar(&jobState, "state", "", "job state")
	return cmd
}

func jobTimeoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeout",
		Short: "Time out activated jobs whose deadline passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Partition.TimeOutJobs(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Timed out %d job(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func incidentCmd() *cobra.Command {
	inc := &cobra.Command{
		Use:   "incident",
		Short: "Inspect and resolve incidents",
		Long:  "An incident is raised when a job fails with no retries left. Give the job retries, then resolve the incident to reactivate it.",
	}
	inc.AddCommand(incidentListCmd())
	inc.AddCommand(incidentResolveCmd())
	return inc
}

func incidentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var incidents []state.Incident
				a.Partition.View(func(st *state.State) { incidents = st.Incidents.All() })
				if viper.GetBool("json") {
					return printJSON(incidents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Job", "User task", "Type", "Message"})
				for _, inc := range incidents {
					tw.AppendRow(table.Row{inc.Key, inc.JobKey, inc.UserTaskKey, inc.ErrorType, inc.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func incidentResolveCmd() *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "resolve <incident-key>",
		Short: "Resolve an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid incident key %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				principal := cliPrincipal(a.Config)
				if retries > 0 {
					var jobKey int64
					a.Partition.View(func(st *state.State) {
						if inc, ok := st.Incidents.Get(key); ok {
							jobKey = inc.JobKey
						}
					})
					if jobKey == 0 {
						return fmt.Errorf("incident %d not found", key)
					}
					update := record.NewCommand(record.IntentUpdateRetries, jobKey, record.JobRecord{Retries: retries})
					update.Principal = principal
					if err := expectEvent(a.Partition.Execute(ctx, update)); err != nil {
						return err
					}
				}
				resolve := record.NewCommand(record.IntentResolve, key, record.IncidentRecord{})
				resolve.Principal = principal
				resp, err := a.Partition.Execute(ctx, resolve)
				if err := expectEvent(resp, err); err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "give the failed job this many retries before resolving")
	return cmd
}

func expectEvent(resp record.Record, err error) error {
	if err != nil {
		return err
	}
	if resp.RecordType == record.TypeCommandRejection {
		return errors.New(record.CommandRejectedMessage(resp.Intent, &record.Rejection{Type: resp.RejectionType, Reason: resp.RejectionReason}))
	}
	return nil
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage gateway API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var principal, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				created, err := server.CreateAPIKey(ctx, r, principal, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("API key for %s: %s\n", created.Principal, created.Key)
				fmt.Println("Store it now; it cannot be shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "for", "", "principal the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("for")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var principal string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, principal)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Principal", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Principal, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "for", "", "only keys of this principal")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway API",
		Long:  "Serves the API, times out expired jobs and pushes committed records to the configured webhooks until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowLegacyActorHeader {
				return fmt.Errorf("server.jwt_secret (or FLOWKERNEL_JWT_SECRET) is required for bearer auth")
			}
			logger := newLogger()
			ctx := cmd.Context()
			a, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Partition:      a.Partition,
				Repo:           a.Repo,
				Notifier:       a.Notifier,
				BasePath:       cfg.Server.BasePath,
				RequestTimeout: cfg.Server.RequestTimeout,
				Logger:         logger,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Server.JWTSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}
			go a.Partition.Run(ctx)
			exporter := &server.WebhookExporter{Repo: a.Repo, Webhooks: cfg.Webhooks, Logger: logger}
			go exporter.Run(ctx)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving flowkernel API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath,
				"partition", a.Partition.ID(), "webhooks", len(cfg.Webhooks))
			fmt.Printf("Serving flowkernel API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (overrides server.jwt_secret)")
	cmd.Flags().String("redis-addr", "", "redis address for job notifications (overrides redis.addr)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("redis-addr", cmd.Flags().Lookup("redis-addr"))
	return cmd
}

// --- helpers ---

// loadConfig reads the workspace config and applies flag and FLOWKERNEL_*
// environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis-password"); v != "" {
		cfg.Redis.Password = v
	}
	return cfg, cfg.Validate()
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if viper.GetString("log-format") == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func cliPrincipal(cfg *config.Config) string {
	if p := viper.GetString("principal"); p != "" {
		return p
	}
	return cfg.Authorizations.Admin
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(cfg.DB(viper.GetString("workspace")))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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
