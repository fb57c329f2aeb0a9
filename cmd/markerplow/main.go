package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/saltyorg/markerplow/internal/auth"
	"github.com/saltyorg/markerplow/internal/config"
	"github.com/saltyorg/markerplow/internal/database"
	"github.com/saltyorg/markerplow/internal/logging"
	"github.com/saltyorg/markerplow/internal/web/middleware"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultDBPath = "./markerplow.db"

// CLI flags
var (
	port        int
	bind        string
	allowSubnet string
	dbPath      string
	verbosity   int

	// Timeout flags (advanced)
	httpTimeout   time.Duration
	probeTimeout  time.Duration
	updateTimeout time.Duration
	websocketPing time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "markerplow",
		Short: "Markerplow - Intro and credits marker detection from playback",
		Long: `Markerplow watches playback sessions reported by a media server, infers intro and
credits markers from how viewers skip, and propagates them across each season.`,
		RunE: run,
	}

	// Flags
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (required, or set PORT env var)")
	rootCmd.Flags().StringVarP(&bind, "bind", "b", "", "IP address to bind to (e.g., 127.0.0.1, 0.0.0.0)")
	rootCmd.Flags().StringVarP(&allowSubnet, "allow-subnet", "a", "", "Comma separated CIDR subnets allowed to connect (e.g., 192.168.1.0/24,10.0.0.0/8)")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", defaultDBPath, "SQLite database path (or set DB_PATH env var)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	// Advanced timeout flags
	defaults := config.DefaultTimeoutConfig()
	rootCmd.Flags().DurationVar(&httpTimeout, "http-timeout", defaults.HTTPRequest, "Timeout for regular API requests")
	rootCmd.Flags().DurationVar(&probeTimeout, "probe-timeout", defaults.ProbeOperation, "Timeout for a single ffprobe run")
	rootCmd.Flags().DurationVar(&updateTimeout, "update-timeout", defaults.MarkerUpdate, "Timeout for a playback marker update and its propagation")
	rootCmd.Flags().DurationVar(&websocketPing, "websocket-ping", 30*time.Second, "Interval between WebSocket keepalive pings")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("markerplow %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	// API key command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "apikey",
		Short: "Generate a new API key",
		Long:  `Generates a new API key for the host-facing API. The previous key stops working.`,
		RunE:  runAPIKey,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveDBPath() {
	// Check for DB_PATH env var if using default
	if dbPath == defaultDBPath {
		if envDB := os.Getenv("DB_PATH"); envDB != "" {
			dbPath = envDB
		}
	}
}

func runAPIKey(cmd *cobra.Command, args []string) error {
	resolveDBPath()
	logging.Apply(logging.LevelForVerbosity(verbosity), nil, logging.FilePathForDB(dbPath))

	db, err := database.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	key, err := auth.NewAPIKeyService(db).Regenerate()
	if err != nil {
		return err
	}
	fmt.Println(key)
	fmt.Fprintln(os.Stderr, "Store this key now, it cannot be shown again.")
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	// Check for PORT env var if flag not set
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			if _, err := fmt.Sscanf(envPort, "%d", &port); err != nil {
				return fmt.Errorf("invalid PORT environment variable %q: %w", envPort, err)
			}
		}
	}
	resolveDBPath()

	// Validate port
	if port == 0 {
		return fmt.Errorf("--port flag or PORT environment variable is required")
	}

	// Validate bind address if provided
	if bind != "" {
		if ip := net.ParseIP(bind); ip == nil {
			return fmt.Errorf("invalid bind address: %s", bind)
		}
	}

	allowedNets, err := middleware.ParseSubnets(allowSubnet)
	if err != nil {
		return fmt.Errorf("invalid --allow-subnet: %w", err)
	}

	// Console logging until settings are readable
	logFile := logging.FilePathForDB(dbPath)
	logging.Apply(logging.LevelForVerbosity(verbosity), nil, logFile)

	// Warn if binding to all interfaces without an allow list
	if (bind == "" || bind == "0.0.0.0" || bind == "::") && len(allowedNets) == 0 {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider using --bind or --allow-subnet for security.")
	}

	log.Info().
		Str("version", version).
		Int("port", port).
		Str("bind", bind).
		Str("allow_subnet", allowSubnet).
		Str("database", dbPath).
		Msg("Starting Markerplow")

	// Initialize database and run migrations
	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.InitializeDefaults(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize default settings")
	}

	a := newApp(db, appOptions{
		port:        port,
		bind:        bind,
		allowedNets: allowedNets,
		logFile:     logFile,
		timeouts: config.TimeoutConfig{
			HTTPRequest:    httpTimeout,
			ProbeOperation: probeTimeout,
			MarkerUpdate:   updateTimeout,
		},
		websocketPing: websocketPing,
	})

	if configured, err := a.apiKeys.Configured(); err == nil && !configured {
		log.Warn().Msg("No API key configured, the API rejects every request until `markerplow apikey` is run")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if err := a.start(); err != nil {
		return err
	}
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	optimizeCtx, optimizeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer optimizeCancel()
	if err := db.Optimize(optimizeCtx); err != nil {
		log.Debug().Err(err).Msg("Database optimize failed")
	}

	log.Info().Msg("Markerplow stopped")
	return nil
}
