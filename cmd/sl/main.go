package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"suiteline/internal/app"
	"suiteline/internal/config"
	"suiteline/internal/db"
	"suiteline/internal/domain"
	"suiteline/internal/engine"
	"suiteline/internal/server"
	suitelinesdk "suiteline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "suiteline CLI",
	Long: `suiteline runs test suites on ephemeral agent containers.
Core concepts:
- Suite: a named set of test paths under a root directory.
- Execution: one run of one or more suites, split into batches claimed by agents.
- Agent: one container; it heartbeats, receives batches and reports results.
- Status: executions move PENDING -> RUNNING -> FINISHED/ERROR, or OBSOLETE when a suite is deleted.
- Event log: every lifecycle change, view with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "heartbeat" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("SUITELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/suiteline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(suiteCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, crash detection and sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := a.Close(shutdown); err != nil {
					fmt.Fprintln(os.Stderr, "shutdown:", err)
				}
			}()

			addr := viper.GetString("addr")
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			basePath := viper.GetString("base-path")
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Log: a.Log})
			if err != nil {
				return err
			}
			if err := a.Engine.Start(); err != nil {
				return err
			}
			if d := server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Log); d != nil {
				go d.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdown)
			}()
			a.Log.Info("serving suiteline API",
				zap.String("url", "http://"+addr+basePath),
				zap.String("openapi", basePath+"/openapi.json"),
				zap.String("docs", "/docs"),
				zap.String("runtime", a.Config.Runtime.Driver))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("base-path", "", "API base path (default from config)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func suiteCmd() *cobra.Command {
	s := &cobra.Command{Use: "suite", Short: "Manage test suites"}
	s.AddCommand(suiteAddCmd())
	s.AddCommand(suiteListCmd())
	s.AddCommand(suiteDeleteCmd())
	return s
}

func suiteAddCmd() *cobra.Command {
	var opts engine.SuiteCreateOptions
	var testsFile string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a suite from test paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			if testsFile != "" {
				paths, err := readLines(testsFile)
				if err != nil {
					return err
				}
				opts.Tests = append(opts.Tests, paths...)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				suite, tests, err := e.CreateSuite(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"suite": suite, "tests": len(tests)})
				}
				fmt.Printf("suite %s created with %d tests\n", suite.ID, len(tests))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "suite id (default generated)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "suite name")
	cmd.Flags().StringVar(&opts.RootPath, "root", "", "suite root path inside agent containers")
	cmd.Flags().StringArrayVar(&opts.Tests, "test", nil, "test path (repeatable)")
	cmd.Flags().StringVar(&testsFile, "tests-file", "", "file with one test path per line")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func suiteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List suites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				suites, err := e.Repo.ListSuites(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(suites)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Root", "Created"})
				for _, s := range suites {
					tw.AppendRow(table.Row{s.ID, s.Name, s.RootPath, s.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func suiteDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <suite-id>",
		Short: "Delete a suite; its live executions become OBSOLETE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeleteSuite(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("suite %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func executionCmd() *cobra.Command {
	ex := &cobra.Command{Use: "execution", Aliases: []string{"exec"}, Short: "Manage executions"}
	ex.AddCommand(executionStartCmd())
	ex.AddCommand(executionListCmd())
	ex.AddCommand(executionShowCmd())
	ex.AddCommand(executionStatusCmd())
	ex.AddCommand(executionObsoleteCmd())
	return ex
}

func executionStartCmd() *cobra.Command {
	var opts engine.StartOptions
	var env []string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create an execution and start its agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseEnv(env)
			if err != nil {
				return err
			}
			opts.Env = parsed
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ex, agents, err := e.StartExecution(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"execution": ex, "agents": agents})
				}
				fmt.Printf("execution %s started: %d tests, %d agents\n", ex.ID, ex.AllTests, len(agents))
				for _, id := range agents {
					fmt.Println("  agent", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&opts.SuiteIDs, "suite", nil, "suite id (repeatable)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "tests per batch (default from config)")
	cmd.Flags().IntVar(&opts.Agents, "agents", 1, "number of agent containers")
	cmd.Flags().StringVar(&opts.Image, "image", "", "agent image (default from config)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "KEY=VALUE passed to agents (repeatable)")
	_ = cmd.MarkFlagRequired("suite")
	return cmd
}

func executionListCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]domain.ExecutionStatus, 0, len(statuses))
			for _, s := range statuses {
				st := domain.ExecutionStatus(strings.ToUpper(s))
				if !st.Valid() {
					return fmt.Errorf("invalid status %q", s)
				}
				filter = append(filter, st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListExecutions(ctx, filter...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Passed", "Failed", "Skipped", "Running", "All", "Created"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.Status, x.PassedTests, x.FailedTests, x.SkippedTests, x.RunningTests, x.AllTests, x.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "status filter (repeatable)")
	return cmd
}

func executionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution and its agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ex, err := e.Repo.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				agents, err := e.Repo.ListAgents(ctx, ex.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"execution": ex, "agents": agents})
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", ex.ID},
					{"Status", ex.Status},
					{"Batch size", ex.BatchSize},
					{"Tests", fmt.Sprintf("%d passed, %d failed, %d skipped, %d running of %d",
						ex.PassedTests, ex.FailedTests, ex.SkippedTests, ex.RunningTests, ex.AllTests)},
					{"Created", ex.CreatedAt.Format(time.RFC3339)},
					{"Started", formatOptTime(ex.StartTime)},
					{"Ended", formatOptTime(ex.EndTime)},
				})
				if ex.FailReason != "" {
					tw.AppendRow(table.Row{"Fail reason", ex.FailReason})
				}
				tw.Render()
				if len(agents) > 0 {
					renderAgents(agents)
				}
				return nil
			})
		},
	}
}

func executionStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "status <execution-id> <status>",
		Short: "Move an execution to FINISHED, ERROR or OBSOLETE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ex, err := e.UpdateExecutionStatus(ctx, args[0], domain.ExecutionStatus(strings.ToUpper(args[1])), reason)
				if err != nil {
					return err
				}
				fmt.Printf("execution %s is %s\n", ex.ID, ex.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the execution")
	return cmd
}

func executionObsoleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "obsolete <execution-id>",
		Short: "Mark an execution OBSOLETE and delete its agents and test executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.UpdateExecutionStatus(ctx, args[0], domain.ExecutionObsolete, "obsoleted from cli"); err != nil {
					return err
				}
				fmt.Printf("execution %s is OBSOLETE\n", args[0])
				return nil
			})
		},
	}
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Inspect agents"}
	a.AddCommand(agentListCmd())
	a.AddCommand(agentHistoryCmd())
	a.AddCommand(agentHeartbeatCmd())
	return a
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <execution-id>",
		Short: "List the agents of an execution with their current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				renderAgents(agents)
				return nil
			})
		},
	}
}

func agentHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Show every recorded state of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				history, err := e.Repo.AgentStatusHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "State", "Time"})
				for _, s := range history {
					tw.AppendRow(table.Row{s.ID, s.State, s.Timestamp.Format(time.RFC3339Nano)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// agentHeartbeatCmd sends one heartbeat through the API, as an agent would.
func agentHeartbeatCmd() *cobra.Command {
	var serverURL, agentID, state, progress string
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Send one heartbeat to a running server and print the directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				serverURL = os.Getenv("SUITELINE_SERVER_URL")
			}
			if serverURL == "" {
				return errors.New("--server or SUITELINE_SERVER_URL is required")
			}
			if agentID == "" {
				agentID = suitelinesdk.AgentIDFromEnv()
			}
			c := suitelinesdk.New(serverURL)
			resp, err := c.Heartbeat(cmd.Context(), agentID, strings.ToUpper(state), time.Time{}, progress)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Println(resp.Directive)
			for _, t := range resp.Tests {
				fmt.Printf("  %d %s/%s\n", t.TestExecutionID, resp.TestSuiteRootPaths[t.SuiteID], t.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "API base URL, e.g. http://127.0.0.1:8420/v1")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent id (default SUITELINE_AGENT_ID or HOSTNAME)")
	cmd.Flags().StringVar(&state, "state", "IDLE", "agent state")
	cmd.Flags().StringVar(&progress, "progress", "", "free-form progress note")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
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
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.DefaultYAML)
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	var executionID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var items []domain.Event
				var err error
				if executionID != "" {
					items, err = e.Repo.ExecutionEvents(ctx, executionID)
				} else {
					var latest int64
					latest, err = e.Repo.LatestEventID(ctx)
					if err == nil {
						items, err = e.Repo.EventsAfter(ctx, n, max(latest-int64(n), 0))
					}
				}
				if err != nil {
					return err
				}
				if len(items) > n {
					items = items[len(items)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Time", "Type", "Execution", "Entity", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS.Format(time.RFC3339), evt.Type, evt.ExecutionID, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&executionID, "execution", "", "only events of this execution")
	l.AddCommand(tail)
	return l
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(app.Options{Workspace: viper.GetString("workspace"), ConfigPath: viper.GetString("config")})
}

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), ConfigPath: viper.GetString("config")})
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a.Engine)
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); runErr == nil {
		runErr = err
	}
	return runErr
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func renderAgents(agents []domain.AgentView) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Agent", "State", "Since", "Created"})
	for _, a := range agents {
		tw.AppendRow(table.Row{a.ID, a.State, formatOptTime(a.StateTime), a.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
