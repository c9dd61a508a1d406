package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hostpanel/config"
	"hostpanel/dashboard"
	"hostpanel/logging"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

type flags struct {
	configPath string
	listen     string
	dataDir    string
	logLevel   string
	dev        bool
	noHTTP     bool
}

var opts flags

var rootCmd = &cobra.Command{
	Use:     "hostpanel",
	Short:   "Host administration dashboard with live command output and web terminals",
	Version: Version,
	Long: `hostpanel runs administration commands on this host and streams their
output live to the browser, and serves interactive shell sessions over
WebSocket. The same runner is available to MCP clients.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the web dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return serveHTTP(ctx, a, a.dashboard())
		})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio, with the dashboard alongside",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			// The client closing stdin ends the whole command.
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				err := a.mcpServer().Run(ctx, &mcp.StdioTransport{})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			if !opts.noHTTP {
				g.Go(func() error { return serveHTTP(ctx, a, a.dashboard()) })
			}
			return g.Wait()
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "hostpanel", Version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to the TOML config file")
	pf.StringVar(&opts.listen, "listen", "", "dashboard listen address (overrides config)")
	pf.StringVar(&opts.dataDir, "data-dir", "", "directory for run history (overrides config)")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	pf.BoolVar(&opts.dev, "dev", false, "human-readable development logging")
	mcpCmd.Flags().BoolVar(&opts.noHTTP, "no-dashboard", false, "serve only MCP, without the HTTP dashboard")

	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		// Errors already printed by cobra
		return 1
	}
	return 0
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.dev {
		cfg.LogDevelopment = true
	}
	return cfg, cfg.Validate()
}

// withApp builds the application, runs fn until SIGINT or SIGTERM, then
// terminates every process the application started.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, a)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	return runErr
}

// serveHTTP runs srv until ctx ends, then shuts it down gracefully.
func serveHTTP(ctx context.Context, a *app, srv *dashboard.Server) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("dashboard listening", zap.String("addr", a.cfg.Listen))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving dashboard: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
