package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"replyassist/internal/agent"
	"replyassist/internal/browser"
	"replyassist/internal/completion"
	"replyassist/internal/config"
	"replyassist/internal/dom"
	"replyassist/internal/mangle"
	"replyassist/internal/mcp"
	"replyassist/internal/metrics"
	"replyassist/internal/recorder"
	"replyassist/internal/route"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		stdio   bool
		ssePort int
		headful bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach to the webmail tab and run the reply lifecycle",
		Long: `Connects to (or launches) Chrome, opens or adopts the webmail tab and follows
its route changes. On every thread the control surface is mounted beside the
compose field.

MCP:
  --stdio        serve MCP tools over stdin/stdout (logs go to server.log_file)
  --sse-port N   serve MCP over SSE on port N (overrides mcp.sse_port)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, wsDir, err := g.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if ssePort != 0 {
				cfg.MCP.SSEPort = ssePort
			}
			if headful {
				off := false
				cfg.Browser.Headless = &off
			}

			log, err := newLogger(cfg.Server, g.verbose, stdio && cfg.MCP.SSEPort == 0)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if wsDir != "" {
				log.Info("using workspace", zap.String("dir", wsDir))
			}
			return runAgent(cmd.Context(), cfg, stdio, log)
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve MCP over stdio")
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve MCP over SSE on this port")
	cmd.Flags().BoolVar(&headful, "headful", false, "Show the launched browser window")
	return cmd
}

// runAgent wires the browser session, the lifecycle and its optional
// surfaces, and blocks until ctx ends or one of them fails.
func runAgent(ctx context.Context, cfg config.Config, stdio bool, log *zap.Logger) error {
	if err := cfg.ValidateBrowser(); err != nil {
		return err
	}
	tmpl, err := cfg.Templates()
	if err != nil {
		return err
	}
	client, err := newClient(ctx, cfg.Completion)
	if err != nil {
		return err
	}
	engine, err := mangle.NewEngine(cfg.Mangle, log.Named("mangle"))
	if err != nil {
		return fmt.Errorf("init fact engine: %w", err)
	}
	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		if rec, err = recorder.NewRecorder(cfg.Recorder.Dir); err != nil {
			return fmt.Errorf("init trace recorder: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	sess := browser.NewSession(cfg.Browser, log.Named("browser"))
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sess.Shutdown(shutdownCtx); err != nil {
			log.Warn("browser shutdown", zap.Error(err))
		}
	}()

	page, err := sess.OpenWebmail(ctx)
	if err != nil {
		return err
	}
	log.Info("webmail tab ready",
		zap.String("control_url", sess.ControlURL()),
		zap.Bool("adopted", sess.Adopted()),
		zap.String("backend", client.Backend()),
		zap.String("locale", tmpl.Locale))

	watcher := route.NewWatcher()
	app, err := agent.New(agent.Options{
		Host:           cfg.Host,
		Policy:         agent.PolicyFrom(cfg.Schedule),
		Templates:      tmpl,
		Client:         client,
		RequestTimeout: cfg.Completion.RequestTimeout(),
		Doc:            dom.NewRodDocument(page, cfg.Host.BindingName),
		Watcher:        watcher,
		Engine:         engine,
		Recorder:       rec,
		Metrics:        met,
		Logger:         log.Named("agent"),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopBinding, err := sess.ExposeActions(runCtx, page, cfg.Host.BindingName, app.HandleActionJSON)
	if err != nil {
		return err
	}
	defer func() { _ = stopBinding() }()
	if err := sess.FollowRoutes(runCtx, page, watcher); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return app.Run(gctx) })

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, reg, log.Named("metrics"))
		group.Go(func() error { return srv.Run(gctx) })
	}

	if stdio || cfg.MCP.SSEPort > 0 {
		srv, err := mcp.NewServer(cfg, app, engine, rec, log.Named("mcp"))
		if err != nil {
			return err
		}
		if cfg.MCP.SSEPort > 0 {
			group.Go(func() error { return srv.StartSSE(gctx, cfg.MCP.SSEPort) })
		} else {
			group.Go(func() error {
				// The MCP client closing stdin ends the run.
				err := srv.Start(gctx)
				cancel()
				return err
			})
		}
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("replyassist stopped")
	return nil
}

// newClient selects the completion backend.
func newClient(ctx context.Context, c config.CompletionConfig) (completion.Client, error) {
	key := c.ResolveAPIKey()
	backend := strings.ToLower(c.Backend)
	if (backend == "gemini" || backend == "openai") && key == "" {
		return nil, fmt.Errorf("completion: no API key (set completion.api_key or $%s)", c.KeyEnv())
	}
	switch backend {
	case "gemini":
		return completion.NewGeminiClient(ctx, key, c.Model, c.Params)
	case "openai":
		return completion.NewOpenAIClient(c.Endpoint, key, c.Params, c.RequestTimeout(), completion.WithModel(c.Model)), nil
	default:
		return nil, fmt.Errorf("completion: unknown backend %q", c.Backend)
	}
}
