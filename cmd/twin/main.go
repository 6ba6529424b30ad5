package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"factorytwin/internal/app"
	"factorytwin/internal/config"
	"factorytwin/internal/domain"
	"factorytwin/internal/logging"
	"factorytwin/internal/repo"
	"factorytwin/internal/server"
	"factorytwin/internal/store"
	twinsdk "factorytwin/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "twin",
	Short: "Factory twin CLI",
	Long: `twin keeps a live, locally editable view of a factory backend.
- Machines, orders, energy prices and agent decisions are loaded once and then kept current from the event stream (SSE or MQTT).
- Machine edits apply locally at once and are persisted in the background; a failed save keeps the local value.
- Agents can be run, asked for suggestions, and their proposals applied.
- Every session is journaled in .factorytwin/journal.db; read it with 'twin log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	// .env in the workspace feeds the TWIN_* variables below.
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("TWIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("base-url", "", "backend API root (overrides api.base_url)")
	rootCmd.PersistentFlags().String("transport", "", "event stream transport: sse or mqtt (overrides stream.transport)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides log.level)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("base-url", rootCmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("transport", rootCmd.PersistentFlags().Lookup("transport"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(machinesCmd())
	rootCmd.AddCommand(machineCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(energyCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func machinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Client.Machines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				app.RenderMachines(os.Stdout, items, true)
				return nil
			})
		},
	}
}

func machineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "machine", Short: "Edit machines"}
	cmd.AddCommand(machineSetCmd())
	return cmd
}

func machineSetCmd() *cobra.Command {
	var status string
	var utilization, energy float64
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Edit a machine and persist it",
		Long:  "Applies the edit to the working copy, then waits for the backend save. A failed save is reported and journaled; nothing is rolled back.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid machine id %q", args[0])
			}
			patch := twinsdk.MachineUpdate{MachineID: id}
			if cmd.Flags().Changed("status") {
				s := twinsdk.MachineStatus(status)
				if !s.Valid() {
					return fmt.Errorf("invalid machine status %q", status)
				}
				patch.Status = &s
			}
			if cmd.Flags().Changed("utilization") {
				patch.Utilization = &utilization
			}
			if cmd.Flags().Changed("energy-usage") {
				patch.EnergyUsage = &energy
			}
			if patch.Fields().Empty() {
				return errors.New("nothing to set; use --status, --utilization or --energy-usage")
			}
			return withSession(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime, sess *store.Session) error {
				if _, ok := sess.Overlay.Machine(id); !ok {
					return fmt.Errorf("machine %d not found", id)
				}
				if err := sess.Overlay.ApplyLocalUpdate(ctx, patch); err != nil {
					return err
				}
				sess.Overlay.Wait()
				working, _ := sess.Overlay.Machine(id)
				persisted := false
				for _, m := range sess.Store.Snapshot().Machines {
					if m.ID == id {
						persisted = m == working
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"machine": working, "persisted": persisted})
				}
				app.RenderMachines(os.Stdout, []twinsdk.Machine{working}, true)
				if !persisted {
					fmt.Println("warning: the backend did not accept the edit; the local value is kept for this session only")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "running, idle or maintenance")
	cmd.Flags().Float64Var(&utilization, "utilization", 0, "utilization percent")
	cmd.Flags().Float64Var(&energy, "energy-usage", 0, "energy usage in kW")
	return cmd
}

func ordersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Client.Orders(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				app.RenderOrders(os.Stdout, items)
				return nil
			})
		},
	}
}

func energyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "energy",
		Short: "Show the energy price series",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Client.Energy(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					latest, _ := app.LatestPrice(items)
					return printJSON(map[string]any{"series": items, "latest": latest})
				}
				app.RenderEnergy(os.Stdout, items)
				return nil
			})
		},
	}
}

func decisionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show recent agent decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Client.Decisions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if limit > 0 && len(items) > limit {
						items = items[:limit]
					}
					return printJSON(items)
				}
				app.RenderDecisions(os.Stdout, items, limit)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of decisions")
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run agents and apply their suggestions",
		Long:  "Agents: " + agentList() + ".",
	}
	cmd.AddCommand(agentRunCmd())
	cmd.AddCommand(agentRunAllCmd())
	cmd.AddCommand(agentSuggestCmd())
	return cmd
}

func agentList() string {
	var parts []string
	for _, k := range twinsdk.AgentKeys {
		parts = append(parts, fmt.Sprintf("%s (%s)", k, k.AgentName()))
	}
	return strings.Join(parts, ", ")
}

func agentRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <agent>",
		Short: "Run one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := twinsdk.ParseAgentKey(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime, sess *store.Session) error {
				ack, err := sess.RunAgent(ctx, key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ack)
				}
				fmt.Printf("%s triggered: %s\n", key.AgentName(), string(ack))
				return nil
			})
		},
	}
}

func agentRunAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run every agent and show the resulting machine state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime, sess *store.Session) error {
				res, err := sess.RunAllAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"result": res, "machines": sess.Overlay.Working()})
				}
				fmt.Printf("%d agents ran, %d machine updates\n", len(res.Agents), len(res.Updates))
				app.RenderMachines(os.Stdout, sess.Overlay.Working(), true)
				return nil
			})
		},
	}
}

func agentSuggestCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "suggest <agent>",
		Short: "Ask an agent for a suggestion; --apply submits it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := twinsdk.ParseAgentKey(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime, sess *store.Session) error {
				actions, err := sess.Overlay.Suggest(ctx, key.AgentName())
				if err != nil {
					return err
				}
				if !apply {
					if viper.GetBool("json") {
						return printJSON(actions)
					}
					app.RenderActions(os.Stdout, "Suggested by "+key.AgentName(), actions)
					return nil
				}
				if len(actions) == 0 {
					fmt.Println("nothing to apply")
					return nil
				}
				updates, err := sess.Overlay.ApplyProposed(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"actions": actions, "updates": updates})
				}
				app.RenderActions(os.Stdout, "Applied from "+key.AgentName(), actions)
				app.RenderMachines(os.Stdout, sess.Overlay.Working(), true)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the suggested actions")
	return cmd
}

func watchCmd() *cobra.Command {
	var decisions int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard fed by the event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime, sess *store.Session) error {
				changes, unsubscribe := sess.Store.Subscribe()
				defer unsubscribe()
				// Redraw at most this often however busy the stream is.
				tick := time.NewTicker(250 * time.Millisecond)
				defer tick.Stop()
				dirty := true
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-changes:
						dirty = true
					case <-tick.C:
						if !dirty {
							continue
						}
						dirty = false
						fmt.Print("\033[H\033[2J")
						app.RenderView(os.Stdout, sess.View(), decisions)
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&decisions, "decisions", 10, "number of decisions shown")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live view over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime, sess *store.Session) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				var journal *repo.Repo
				if rt.HasJournal() {
					journal = &rt.Repo
				}
				handler, err := server.New(server.Config{Session: sess, Journal: journal, BasePath: basePath, Logger: rt.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving factory twin on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Session journal",
		Long:  "Everything a session saw and did: stream events, local edits, failed and successful saves, agent runs.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logSessionsCmd())
	log.AddCommand(logShowCmd())
	log.AddCommand(logStatsCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	var interval time.Duration
	var sessionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				filter := repo.EventFilter{SessionID: sessionID, Type: evtType, EntityKind: entityKind, EntityID: entityID}
				entries, err := r.LatestEvents(ctx, n, filter)
				if err != nil {
					return err
				}
				if err := printEntries(entries); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				cursor, err := r.LatestEventID(ctx, sessionID)
				if err != nil {
					return err
				}
				return followJournal(ctx, r, cursor, filter, interval, printEntries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&evtType, "type", "", "entry type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// followJournal hands entries written after cursor to emit, oldest first,
// until ctx is cancelled.
func followJournal(ctx context.Context, r repo.Repo, cursor int64, filter repo.EventFilter, interval time.Duration, emit func([]domain.JournalEntry) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			entries, err := r.EventsAfter(ctx, 100, cursor, filter)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if len(entries) == 0 {
				break
			}
			cursor = entries[len(entries)-1].ID
			if err := emit(entries); err != nil {
				return err
			}
		}
	}
}

func printEntries(entries []domain.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	app.RenderJournal(os.Stdout, entries)
	return nil
}

func logShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one journal entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			return withJournal(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e, err := r.GetEvent(ctx, id)
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("journal entry %d not found", id)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(e)
				}
				app.RenderJournal(os.Stdout, []domain.JournalEntry{e})
				fmt.Println(e.Payload)
				return nil
			})
		},
	}
}

func logStatsCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count journal entries per type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountByType(ctx, sessionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	return cmd
}

func logSessionsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sessions, err := r.ListSessions(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(sessions)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of sessions")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage twin.yml",
		Long:  "twin.yml in the workspace sets the backend URL, the event stream transport, store limits, the journal and logging. TWIN_* variables and flags override it.",
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
		Short: "Write a default twin.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("base-url"))), 0o644); err != nil {
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
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			resolved, err := cfg.Resolved()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resolved)
			}
			out, err := yaml.Marshal(resolved)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate twin.yml",
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

// --- helpers ---

// loadConfig reads twin.yml (defaults if absent) and applies flag and
// environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("base-url"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := viper.GetString("transport"); v != "" {
		cfg.Stream.Transport = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withSession starts a session, waits for the initial load and disposes it
// when fn returns. Without live, the stream is not opened.
func withSession(ctx context.Context, live bool, fn func(context.Context, *app.Runtime, *store.Session) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		sess, err := rt.NewSession(ctx, live)
		if err != nil {
			return err
		}
		defer sess.Dispose()
		if err := sess.Start(ctx); err != nil {
			return err
		}
		report, err := sess.WaitReady(ctx)
		if err != nil {
			return err
		}
		if loadErr := report.Err(); loadErr != nil {
			rt.Logger.Warn("initial load incomplete", zap.Error(loadErr))
		}
		return fn(ctx, rt, sess)
	})
}

func withJournal(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		if !rt.HasJournal() {
			return errors.New("journal is disabled (journal.enabled: false)")
		}
		return fn(ctx, rt.Repo)
	})
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
