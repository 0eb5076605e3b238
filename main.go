// parley server entry point
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/eventstore"
	"github.com/parleylabs/parley/internal/history"
	"github.com/parleylabs/parley/internal/hub"
	"github.com/parleylabs/parley/internal/mcp"
	"github.com/parleylabs/parley/internal/provider"
	"github.com/parleylabs/parley/internal/registry"
	"github.com/parleylabs/parley/internal/scheduler"
	"github.com/parleylabs/parley/internal/server"
	"github.com/parleylabs/parley/internal/sessionindex"
	"github.com/parleylabs/parley/internal/tools"
)

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

func main() {
	configFlag := flag.String("config", "", "Path to the agents config file (default <dataDir>/config.json)")
	dataDirFlag := flag.String("data-dir", "", "Data directory (default $DATA_DIR or ~/.local/share/parley)")
	portFlag := flag.Int("port", 0, "Listen port (default $PORT or 4270)")
	bindFlag := flag.String("bind", "", "Network interface to bind (localhost, 0.0.0.0, or specific IP)")
	quietFlag := flag.Bool("quiet", false, "Suppress startup output")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("parley %s\n", version)
		return
	}

	env := config.LoadEnv()
	if *dataDirFlag != "" {
		env.DataDir = *dataDirFlag
	}
	if *portFlag > 0 {
		env.Port = *portFlag
	}

	dataDir, err := env.EnsureDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// All stderr output is also written to <dataDir>/parley.log.
	logger := config.NewLogger(dataDir)
	defer logger.Close()
	if *quietFlag {
		logger.SetQuiet(true)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config %s: %v\n", configPath, err)
		os.Exit(1)
	}
	if len(cfg.Agents) == 0 {
		fmt.Fprintf(os.Stderr, "warning: no agents configured (looked in %s)\n", configPath)
	}

	idx, err := sessionindex.Load(dataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading session index: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	events := eventstore.New(dataDir, logger)

	reg, err := registry.New(cfg.Agents)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	providers := provider.NewRegistry(env, logger)

	codex, err := history.LoadSessionMap(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading codex session map: %v\n", err)
		os.Exit(1)
	}
	histories := history.NewRegistry(
		history.NewClaudeProvider(logger),
		history.NewCodexProvider(logger, codex),
		history.NewPiProvider(logger, cfg.Sessions.MirrorPi()),
	)

	// MCP servers connect in the background so startup never blocks on a
	// slow or broken server.
	var host tools.Host = tools.NewBuiltins()
	var mcpManager *mcp.Manager
	if len(cfg.MCPServers) > 0 {
		mcpManager = mcp.NewManager(logger)
		go mcpManager.StartAll(context.Background(), cfg.MCPServers)
		host = tools.NewCompositeHost(tools.NewBuiltins(), mcpManager)
	}

	h := hub.New(hub.Options{
		Env:       env,
		Sessions:  cfg.Sessions,
		Log:       logger,
		Registry:  reg,
		Index:     idx,
		Events:    events,
		Providers: providers,
		Histories: histories,
		BaseHost:  host,
		Codex:     codex,
	})

	runs, err := scheduler.OpenRunLog(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening schedule run log: %v\n", err)
		os.Exit(1)
	}
	defer runs.Close()

	sched := scheduler.New(scheduler.Options{
		Log:      logger,
		Registry: reg,
		Index:    idx,
		Hub:      h,
		Runs:     runs,
	})
	sched.Start()

	srv := server.New(server.Options{
		Log:       logger,
		DataDir:   dataDir,
		Hub:       h,
		Index:     idx,
		Events:    events,
		Registry:  reg,
		Scheduler: sched,
		Runs:      runs,
		Quiet:     *quietFlag,
	})

	bindAddr := *bindFlag
	if bindAddr == "" {
		bindAddr = "localhost" // secure default
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		sched.Stop()
		if mcpManager != nil {
			mcpManager.StopAll()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "server: shutdown: %v\n", err)
		}
	}()

	if err := srv.Start(bindAddr, env.Port); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
