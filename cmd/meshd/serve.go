package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcastellin/meshd/pkg/config"
	"github.com/mcastellin/meshd/pkg/instance"
	"github.com/mcastellin/meshd/pkg/logging"
	"github.com/mcastellin/meshd/pkg/membership"
)

var (
	serveConfigPath string
	serveNodeID     string
	servePort       int
	serveSeed       string
	serveIsMain     bool
	serveLogLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a single mesh node until interrupted",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to a TOML config file (optional)")
	serveCmd.Flags().StringVar(&serveNodeID, "id", "", "stable node id (required)")
	serveCmd.Flags().IntVar(&servePort, "port", 7946, "UDP membership port")
	serveCmd.Flags().StringVar(&serveSeed, "seed", "", "address:port of a seed node to join at startup")
	serveCmd.Flags().BoolVar(&serveIsMain, "main", false, "start this node as the initial main node")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "debug|info|warn|error")
}

func runServe(cmd *cobra.Command, args []string) {
	core := config.Default()
	if serveConfigPath != "" {
		opts, err := config.Load(serveConfigPath)
		if err != nil {
			fatalf("meshd: %v", err)
			os.Exit(1)
		}
		core = opts.Core
	}
	if servePort != 7946 {
		core.MembershipPort = servePort
	}
	if serveIsMain {
		core.IsMain = true
	}

	if serveNodeID == "" {
		fatalf("meshd: --id is required")
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: serveLogLevel})
	if err != nil {
		fatalf("meshd: logger init: %v", err)
		os.Exit(1)
	}
	defer logger.Sync()

	mgr := instance.NewManager(serveNodeID, 0, 0, logger)

	opts := instance.CreateOptions{
		NodeID:         serveNodeID,
		MembershipPort: core.MembershipPort,
		StartAsMain:    core.IsMain,
		AutoStart:      true,
		GossipInterval: time.Duration(core.GossipIntervalMs) * time.Millisecond,
		ProbeTimeout:   time.Duration(core.ProbeTimeoutMs) * time.Millisecond,
		SuspectTimeout: time.Duration(core.SuspectTimeoutMs) * time.Millisecond,
		OnBecomeLeader: func() {
			logger.Info("became main node", zap.String("id", serveNodeID))
		},
	}

	if serveSeed != "" {
		host, port, perr := membership.ParseHostPort(serveSeed)
		if perr != nil {
			fatalf("meshd: invalid --seed: %v", perr)
			os.Exit(1)
		}
		opts.SeedAddress = host
		opts.SeedPort = port
	}

	if _, err := mgr.Create(opts); err != nil {
		fatalf("meshd: create instance: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = mgr.StopAll()
			return
		case <-ticker.C:
			mgr.Tick()
		case <-statsTicker.C:
			s := mgr.Stats()
			logger.Info("instance manager stats",
				zap.Int("total", s.Total),
				zap.Int("running", s.Running),
				zap.Uint64("total_messages", s.TotalMessages))
		}
	}
}
