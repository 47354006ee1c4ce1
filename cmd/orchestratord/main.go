// Command orchestratord hosts both halves of this system: `serve`
// runs the supervisor/graph/streamserver process that speaks the
// client WebSocket protocol of spec §6, and `worker <name>` re-invokes
// this same binary as one agent's subprocess (spec §4.1), so the
// orchestrator's WorkerSpec.Command in config is simply this binary's
// own path with `worker <name>` args (spec §9 "process spawning with
// inherited environment" — the orchestrator passes an explicit,
// minimal environment to each spawn rather than the parent's full
// environment).
//
// Grounded on kadirpekel-hector/cmd/hector/main.go's kong.CLI
// sub-command layout (Serve/Info/Validate commands sharing top-level
// flags) and _examples/original_source/backend/agents/*.py's one
// process per agent shape, collapsed here to one binary with a
// `worker` dispatch subcommand rather than five separate binaries.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/devflow/orchestrator/internal/agents"
	"github.com/devflow/orchestrator/internal/checkpoint"
	"github.com/devflow/orchestrator/internal/config"
	"github.com/devflow/orchestrator/internal/graph"
	"github.com/devflow/orchestrator/internal/llmclient"
	"github.com/devflow/orchestrator/internal/logging"
	"github.com/devflow/orchestrator/internal/observability"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/ratelimit"
	"github.com/devflow/orchestrator/internal/streamserver"
	"github.com/devflow/orchestrator/internal/supervisor"
	"github.com/devflow/orchestrator/internal/workerproto"
)

// CLI mirrors hector's top-level-flags-plus-subcommands shape.
type CLI struct {
	Serve  ServeCmd  `cmd:"" help:"Run the supervisor/graph/streamserver process."`
	Worker WorkerCmd `cmd:"" help:"Run one agent worker subprocess, speaking JSON-RPC over stdio."`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// ServeCmd starts the client-facing WebSocket server and spawns every
// configured worker.
type ServeCmd struct {
	Config string `short:"c" help:"Path to the YAML config file." default:"orchestrator.yaml" type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return fmt.Errorf("serve: creating logs dir: %w", err)
	}
	logFile, err := os.OpenFile(
		fmt.Sprintf("%s/orchestratord-%d.log", cfg.LogsDir, time.Now().UnixNano()),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("serve: opening log file: %w", err)
	}
	defer logFile.Close()
	logging.Setup(logging.ParseLevel(cli.LogLevel), logFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		Enabled:     true,
		ServiceName: "orchestratord",
	})
	if err != nil {
		return fmt.Errorf("serve: initializing tracer: %w", err)
	}
	defer shutdownTracer(context.Background())
	metrics := observability.NewMetrics()

	if err := os.MkdirAll(filepath.Dir(cfg.CheckpointDB), 0o755); err != nil {
		return fmt.Errorf("serve: creating checkpoint dir: %w", err)
	}
	checks, err := checkpoint.Open(cfg.CheckpointDB)
	if err != nil {
		return fmt.Errorf("serve: opening checkpoint store: %w", err)
	}
	defer checks.Close()

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("serve: resolving own binary path: %w", err)
	}

	workers := cfg.Workers
	if len(workers) == 0 {
		// Zero-config default: host all five agents as subprocesses of
		// this same binary (spec §4.5 node inventory).
		for _, name := range []string{"research", "architect", "codesmith", "reviewfix", "responder"} {
			workers = append(workers, config.WorkerSpec{Name: name, Command: selfPath, Args: []string{"worker", name}})
		}
	}

	orchCfg := orchestrator.Config{
		WorkspacePath:    cfg.WorkspacePath,
		HandshakeTimeout: cfg.HandshakeTimeout,
		DefaultTimeout:   cfg.DefaultCallTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		AutoReconnect:    true,
	}
	for _, ws := range workers {
		orchCfg.Workers = append(orchCfg.Workers, orchestrator.WorkerSpec{
			Name:    ws.Name,
			Command: ws.Command,
			Args:    ws.Args,
			// Explicit, minimal environment (spec §9): the API keys a
			// worker might legitimately need, not the full parent
			// environment.
			Env: minimalWorkerEnv(),
		})
	}

	llm, err := llmclient.New(llmclient.Config{BaseURL: cfg.LLMBaseURL, Model: cfg.LLMModel})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	gate := ratelimit.NewGate(cfg.RateLimitRPS, cfg.RateLimitBurst)
	sup, err := supervisor.New(supervisor.Config{
		ConfidenceThreshold: cfg.SupervisorConfidenceThreshold,
		MaxErrors:           cfg.MaxErrors,
		MaxRetries:          cfg.SupervisorMaxRetries,
		Provider:            cfg.SupervisorProvider,
	}, llm, gate)
	if err != nil {
		return fmt.Errorf("serve: building supervisor: %w", err)
	}

	// orch and g each need a reference to the other (orch fans progress
	// notifications out to g; g dispatches tool calls through orch), so
	// the callback indirects through a graph pointer set right after
	// construction rather than requiring a two-pass build.
	var g *graph.Graph
	orchCfg.OnProgress = func(server, message string, progress float64) {
		if g != nil {
			g.OnProgress(server, message, progress)
		}
	}
	orch := orchestrator.New(orchCfg)

	g = graph.New(graph.Config{
		Orchestrator:   orch,
		Supervisor:     sup,
		Checkpoints:    checks,
		MaxIterations:  cfg.MaxIterations,
		MaxErrors:      cfg.MaxErrors,
		DefaultTimeout: cfg.DefaultCallTimeout,
		Metrics:        metrics,
	})

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("serve: initializing workers: %w", err)
	}
	defer orch.Close()

	srv := streamserver.New(g, orch, checks)
	mux := http.NewServeMux()
	mux.Handle("/", metrics.Instrument("streamserver", srv.Routes()))
	mux.Handle("/metrics", metrics.Handler())
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func minimalWorkerEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "OPENAI_API_KEY", "PERPLEXITY_API_KEY", "HOME"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// WorkerCmd runs one agent's tool server over stdin/stdout, per spec
// §4.1's worker lifecycle.
type WorkerCmd struct {
	Name string `arg:"" help:"Agent name: research, architect, codesmith, reviewfix, or responder."`
}

func (c *WorkerCmd) Run(cli *CLI) error {
	logging.Setup(logging.ParseLevel(cli.LogLevel), os.Stderr)

	var server *workerproto.Server
	switch c.Name {
	case "research":
		server = agents.NewResearchServer()
	case "architect":
		server = agents.NewArchitectServer()
	case "codesmith":
		server = agents.NewCodesmithServer()
	case "reviewfix":
		server = agents.NewReviewFixServer()
	case "responder":
		server = agents.NewResponderServer()
	default:
		return fmt.Errorf("worker: unknown agent %q", c.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("worker %s: %w", c.Name, err)
	}
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("orchestratord"),
		kong.Description("Multi-agent LLM orchestrator: supervisor, worker protocol, and streaming server."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
