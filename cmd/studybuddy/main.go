// Study Buddy is a chat-driven study assistant. It keeps a learner
// profile and task list per conversation, and can schedule reminders
// that come back into the conversation later.
//
// Usage:
//
//	studybuddy serve                       Start the API server
//	studybuddy init [dir]                  Write an example config.yaml
//	studybuddy ask [-agent id] <question>  Run one chat turn from the shell
//	studybuddy version                     Print version and build information
//	studybuddy -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/studybuddy/internal/agent"
	"github.com/nugget/studybuddy/internal/api"
	"github.com/nugget/studybuddy/internal/buildinfo"
	"github.com/nugget/studybuddy/internal/config"
	"github.com/nugget/studybuddy/internal/connwatch"
	"github.com/nugget/studybuddy/internal/defaults"
	"github.com/nugget/studybuddy/internal/events"
	"github.com/nugget/studybuddy/internal/llm"
	"github.com/nugget/studybuddy/internal/memory"
	"github.com/nugget/studybuddy/internal/mqtt"
	"github.com/nugget/studybuddy/internal/opstate"
	"github.com/nugget/studybuddy/internal/paths"
	"github.com/nugget/studybuddy/internal/scheduler"
	"github.com/nugget/studybuddy/internal/usage"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; fatal
// error messages are returned for the caller to print. Arguments are
// parsed by hand because the flag package's globals get in the way of
// parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command == "" && args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case command == "" && (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case command == "" && strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s\n", "platform:", info.Platform)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Study Buddy - chat-driven study assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: studybuddy [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the API server")
	fmt.Fprintln(w, "  init [dir]            Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-agent id] text  Run one chat turn and print the reply")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runInit writes the example config into dir unless one already exists.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", path)
		return nil
	}
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "Wrote %s\n", path)
	return nil
}

// stores holds the SQLite-backed persistence shared by serve and ask.
type stores struct {
	layout    paths.Layout
	history   *memory.SQLiteStore
	state     *opstate.Store
	schedules *scheduler.Store
	usage     *usage.Store
}

func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	layout, err := paths.NewLayout(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	s := &stores{layout: layout}

	historyPath := layout.Path(paths.ConversationsDB)
	if s.history, err = memory.NewSQLiteStore(historyPath, cfg.Agent.HistoryLimit); err != nil {
		return nil, fmt.Errorf("open conversation database %s: %w", historyPath, err)
	}

	statePath := layout.Path(paths.StateDB)
	if s.state, err = opstate.NewStore(statePath); err != nil {
		s.Close()
		return nil, fmt.Errorf("open state database %s: %w", statePath, err)
	}

	schedPath := layout.Path(paths.SchedulerDB)
	if s.schedules, err = scheduler.NewStore(schedPath); err != nil {
		s.Close()
		return nil, fmt.Errorf("open scheduler database %s: %w", schedPath, err)
	}

	usagePath := layout.Path(paths.UsageDB)
	if s.usage, err = usage.NewStore(usagePath); err != nil {
		s.Close()
		return nil, fmt.Errorf("open usage database %s: %w", usagePath, err)
	}

	logger.Info("databases opened", "data_dir", layout.Root)
	return s, nil
}

func (s *stores) Close() {
	if s.history != nil {
		s.history.Close()
	}
	if s.state != nil {
		s.state.Close()
	}
	if s.schedules != nil {
		s.schedules.Close()
	}
	if s.usage != nil {
		s.usage.Close()
	}
}

func agentOptions(cfg *config.Config) agent.Options {
	return agent.Options{
		Model:           cfg.Models.Default,
		MaxSteps:        cfg.Agent.MaxSteps,
		ReplyOnSchedule: cfg.Agent.ReplyOnSchedule,
	}
}

// runAsk runs one chat turn against the configured model and stores,
// printing the reply. Reminders it schedules fire the next time serve
// runs.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	agentID := "cli"
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-agent" && i+1 < len(args):
			agentID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-agent="):
			agentID = strings.TrimPrefix(args[i], "-agent=")
		default:
			words = append(words, args[i])
		}
	}
	if len(words) == 0 {
		return fmt.Errorf("usage: studybuddy ask [-agent id] <question>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sched := scheduler.New(logger, st.schedules)
	mgr := agent.NewManager(agent.Deps{
		Logger:    logger,
		LLM:       llm.NewOllamaClient(cfg.Models.OllamaURL, logger),
		History:   st.history,
		State:     st.state,
		Scheduler: sched,
		Options:   agentOptions(cfg),
	})

	inst, err := mgr.Instance(agentID)
	if err != nil {
		return err
	}

	res, err := inst.Handle(ctx, agent.Event{
		Kind:     agent.EventUserMessage,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: strings.Join(words, " ")}},
	}, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(stdout, res.Content)
	for _, p := range res.Pending {
		fmt.Fprintf(stdout, "(awaiting confirmation: %s %s)\n", p.ToolName, p.ToolCallID)
	}
	return nil
}

// runServe loads config, opens the databases, starts the scheduler,
// the optional MQTT notifier and the API server, and blocks until ctx
// is cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger, _ := config.NewLogger(stdout, "info", "text")
	logger.Info("starting Study Buddy", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the level and format are known. Load has
	// already validated both.
	logger, err = config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.New()

	go st.usage.Run(ctx, bus, func(err error) {
		logger.Warn("usage record failed", "error", err)
	})

	watch := connwatch.NewManager(logger)
	defer watch.Stop()

	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	watch.Watch(ctx, connwatch.WatcherConfig{
		Name:     "ollama",
		Probe:    ollama.Ping,
		OnChange: serviceChange(bus, "ollama"),
	})

	sched := scheduler.New(logger, st.schedules)
	sched.SetEventBus(bus)

	mgr := agent.NewManager(agent.Deps{
		Logger:    logger,
		LLM:       ollama,
		History:   st.history,
		State:     st.state,
		Scheduler: sched,
		Bus:       bus,
		Options:   agentOptions(cfg),
	})
	sched.Register(agent.CallbackExecuteTask, mgr.ExecuteTask)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, mgr, sched, logger)
	server.SetMaxConnections(cfg.Listen.MaxConnections)
	server.SetToolCallLog(st.history)
	server.SetEventBus(bus)
	server.AddStats("scheduler", sched)
	server.SetUsageLog(st.usage)
	server.AddStats("memory", st.history)
	server.AddStats("state", st.state)
	server.AddStats("usage", st.usage)
	server.AddStats("services", watch)
	server.AddStats("events", bus)

	var notifier *mqtt.Notifier
	if cfg.MQTT.Configured() {
		nodeID, err := mqtt.LoadOrCreateNodeID(st.layout.Root)
		if err != nil {
			return fmt.Errorf("load mqtt node id: %w", err)
		}
		notifier = mqtt.New(cfg.MQTT, nodeID, bus, logger)
		server.AddStats("mqtt", notifier)
		go func() {
			if err := notifier.Start(ctx); err != nil {
				logger.Error("mqtt notifier failed", "error", err)
			}
		}()
		watch.Watch(ctx, connwatch.WatcherConfig{
			Name:     "mqtt",
			Probe:    notifier.AwaitConnection,
			OnChange: serviceChange(bus, "mqtt"),
		})
		logger.Info("mqtt notifications enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt notifications disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if notifier != nil {
			if err := notifier.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Study Buddy stopped")
	return nil
}

// serviceChange publishes a watched service's transitions on bus.
func serviceChange(bus *events.Bus, name string) func(bool, error) {
	return func(ready bool, err error) {
		data := map[string]any{"service": name, "ready": ready}
		if err != nil {
			data["error"] = err.Error()
		}
		bus.Emit(events.SourceConnwatch, events.KindServiceState, data)
	}
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
