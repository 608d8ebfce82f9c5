// Command loom validates and runs workflow definitions, and serves the
// engine over MCP stdio.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loomworks/loom/internal/actions"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/providers/httpexec"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/mcp"
	"github.com/loomworks/loom/pkg/schema"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(cfg, os.Args[2:])
	case "run":
		err = cmdRun(cfg, os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "version":
		fmt.Println("loom " + version)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: loom <command> [arguments]

commands:
  serve                      serve registered workflows over MCP stdio
  run <file> [-input k=v]    run a workflow file to completion
  validate <file...>         validate workflow files without running them
  version                    print the version`)
}

// app bundles the wired engine components.
type app struct {
	cfg    Config
	logger *slog.Logger
	store  store.RunStore
	hub    streaming.EventHub
	reg    *registry.Registry
	interp *engine.Interpreter
}

func buildApp(cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	var st store.RunStore
	if cfg.DBPath == "" {
		st = store.NewMemoryStore()
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		libsql, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = libsql
	}
	if err := st.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	reg := registry.New()
	if err := registerBuiltins(reg, cfg, logger); err != nil {
		return nil, err
	}

	overrides, err := config.LoadOverrides(cfg.OverridesPath)
	if err != nil {
		return nil, err
	}

	hub := streaming.NewMemoryHub()

	executor := httpexec.New(httpexec.Options{
		BaseURL: cfg.ExecutorURL,
		APIKey:  cfg.ExecutorAPIKey,
		Timeout: cfg.executorTimeout(),
	})

	interp, err := engine.NewInterpreter(engine.Deps{
		Registry: reg,
		Executor: executor,
		Resolver: config.NewResolver(overrides),
		Store:    st,
		Hub:      hub,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: st, hub: hub, reg: reg, interp: interp}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close failed", slog.String("error", err.Error()))
	}
}

func registerBuiltins(reg *registry.Registry, cfg Config, logger *slog.Logger) error {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}

	sandbox := actions.Sandbox{ReadRoots: cfg.ReadRoots, WriteRoots: cfg.WriteRoots}
	return actions.RegisterBuiltins(reg, validator, actions.BuiltinConfig{
		FS:     actions.FSConfig{Sandbox: sandbox},
		Shell:  actions.ShellConfig{Sandbox: sandbox},
		Logger: logger,
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Stderr only: stdout belongs to the MCP stdio transport.
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

// --- serve ---

func cmdServe(cfg Config, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	workflowDir := flags.String("workflows", cfg.WorkflowDir, "directory of workflow definition files")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := loadWorkflows(a, *workflowDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler {
		sched := scheduler.New(a.store, &workflowRunner{interp: a.interp, reg: a.reg}, a.logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.Error("missed job recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				a.logger.Error("scheduler stop failed", slog.String("error", err.Error()))
			}
		}()
	}

	srv := mcp.NewLoomServer(mcp.LoomServerDeps{
		Interpreter: a.interp,
		Registry:    a.reg,
		Store:       a.store,
		Hub:         a.hub,
		Logger:      a.logger,
	})

	a.logger.Info("serving MCP over stdio",
		slog.Int("workflows", len(a.reg.ListWorkflows())),
		slog.Bool("scheduler", cfg.Scheduler))
	return srv.Serve(ctx)
}

// loadWorkflows parses and registers every definition file under dir.
// Definitions that fail validation are skipped with a logged error.
func loadWorkflows(a *app, dir string) error {
	entries := []string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml", ".json":
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			a.logger.Warn("workflow directory does not exist", slog.String("dir", dir))
			return nil
		}
		return fmt.Errorf("scan workflow directory: %w", err)
	}

	for _, path := range entries {
		def, err := parseWorkflowFile(path)
		if err != nil {
			a.logger.Error("workflow file rejected",
				slog.String("file", path), slog.String("error", err.Error()))
			continue
		}
		if result := a.interp.Validator().Validate(def); !result.Valid() {
			a.logger.Error("workflow file invalid",
				slog.String("file", path), slog.String("error", result.ToError().Error()))
			continue
		}
		if err := a.reg.RegisterWorkflow(def); err != nil {
			a.logger.Error("workflow registration failed",
				slog.String("file", path), slog.String("error", err.Error()))
			continue
		}
		a.logger.Info("workflow registered",
			slog.String("name", def.Name), slog.String("file", path))
	}
	return nil
}

func parseWorkflowFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return schema.ParseDefinition(data)
}

// workflowRunner adapts the interpreter and registry to the scheduler.
type workflowRunner struct {
	interp *engine.Interpreter
	reg    *registry.Registry
}

func (r *workflowRunner) RunWorkflow(ctx context.Context, workflow string, inputs map[string]any) error {
	def, err := r.reg.Workflow(workflow)
	if err != nil {
		return err
	}
	result, err := r.interp.Run(ctx, def, inputs)
	if err != nil {
		return err
	}
	if result.Error != nil {
		return result.Error
	}
	return nil
}

// --- run ---

// inputFlags collects repeated -input k=v flags. Values parse as JSON where
// possible and fall back to plain strings.
type inputFlags map[string]any

func (f inputFlags) String() string { return "" }

func (f inputFlags) Set(v string) error {
	key, val, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	var decoded any
	if err := json.Unmarshal([]byte(val), &decoded); err != nil {
		decoded = val
	}
	f[key] = decoded
	return nil
}

func cmdRun(cfg Config, args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	inputs := inputFlags{}
	flags.Var(inputs, "input", "workflow input as key=value (repeatable; value parsed as JSON)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("run expects exactly one workflow file")
	}

	def, err := parseWorkflowFile(flags.Arg(0))
	if err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := a.interp.Run(ctx, def, inputs)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if result.Status != schema.RunStatusCompleted {
		return fmt.Errorf("run %s %s", result.RunID, result.Status)
	}
	return nil
}

// --- validate ---

func cmdValidate(args []string) error {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return fmt.Errorf("validate expects at least one workflow file")
	}

	// Validation runs against the builtin action set; agents, generators
	// and stages referenced by a file must exist at serve time instead.
	reg := registry.New()
	if err := registerBuiltins(reg, Config{}, newLogger("error")); err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(reg)
	if err != nil {
		return err
	}

	failed := 0
	for _, path := range flags.Args() {
		def, err := parseWorkflowFile(path)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failed++
			continue
		}
		result := validator.Validate(def)
		if !result.Valid() {
			fmt.Printf("%s: invalid\n", path)
			for _, issue := range result.Errors {
				fmt.Printf("  %s: %s\n", issue.Path, issue.Message)
			}
			failed++
			continue
		}
		for _, warning := range result.Warnings {
			fmt.Printf("%s: warning at %s: %s\n", path, warning.Path, warning.Message)
		}
		fmt.Printf("%s: ok\n", path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, flags.NArg())
	}
	return nil
}
