package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/socmind/socmind/internal/config"
	"github.com/socmind/socmind/internal/consensus"
	"github.com/socmind/socmind/internal/gateway"
	"github.com/socmind/socmind/internal/program"
	"github.com/socmind/socmind/internal/provider"
	"github.com/socmind/socmind/internal/timeline"
)

var (
	serveConfigPath string
	serveLogLevel   string
	serveBroker     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat society: programs, consensus and the gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "config file (default ~/.socmind/config.json)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveBroker, "broker", "", "override broker driver: kafka or memory")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging(serveLogLevel)
	printHeader("socmind serve")

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if serveBroker != "" {
		cfg.Broker.Driver = serveBroker
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, svc, err := assemble(ctx, cfg, rt, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	fmt.Printf("Gateway: %s\n", color.GreenString("http://%s", addr))
	fmt.Printf("Broker:  %s (%s)\n", cfg.Broker.Driver, cfg.Broker.TopicPrefix)
	fmt.Printf("Store:   %s\n", cfg.Store.Path)

	errCh := make(chan error, 2)
	go func() { errCh <- svc.Run(ctx) }()
	go func() { errCh <- srv.Run(ctx, addr) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}
	slog.Info("socmind stopped")
	return firstErr
}

// assemble wires the reply pipeline, consensus engine and gateway on top of
// an open runtime.
func assemble(ctx context.Context, cfg *config.Config, rt *runtime, reg *prometheus.Registry) (*gateway.Server, *program.Service, error) {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	humanID := cfg.Control.HumanID
	if err := ensureMember(ctx, rt.store, humanID, timeline.KindHuman); err != nil {
		return nil, nil, fmt.Errorf("human member: %w", err)
	}

	gen := provider.NewReplyGenerator(rt.store)
	for _, pc := range cfg.Programs {
		if err := ensureMember(ctx, rt.store, pc.ID, timeline.KindAutomated); err != nil {
			return nil, nil, fmt.Errorf("program %s: %w", pc.ID, err)
		}
		if pc.APIKey == "" {
			slog.Warn("Program has no API key", "member_id", pc.ID)
		}
		llm, err := provider.Build(pc.Provider, pc.APIKey, pc.APIBase, pc.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("program %s: %w", pc.ID, err)
		}
		gen.Register(pc.ID, provider.Profile{
			Provider:       llm,
			Model:          pc.Model,
			MaxTokens:      pc.MaxTokens,
			Temperature:    pc.Temperature,
			AlternateRoles: pc.AlternateRoles || provider.NeedsAlternation(pc.Provider),
		})
		slog.Debug("Program registered", "member_id", pc.ID, "provider", provider.NormalizeBackend(pc.Provider))
	}

	engine := consensus.NewEngine(rt.coord)
	hub := gateway.NewHub()
	reg.MustRegister(hub.Collector())
	ctrl := program.NewController(gen, engine, program.Options{
		HumanID:            humanID,
		Delay:              time.Duration(cfg.Control.DelayMs) * time.Millisecond,
		AutoPauseEnabled:   cfg.Control.AutoPauseEnabled,
		AutoPauseThreshold: cfg.Control.AutoPauseThreshold,
		Observer:           hub,
		Metrics:            program.NewMetrics(reg),
	})
	svc := program.NewService(rt.topo, ctrl, rt.coord, gen.Members())
	srv := gateway.NewServer(gateway.Options{
		Coordinator:    rt.coord,
		Engine:         engine,
		Controller:     ctrl,
		Topology:       rt.topo,
		Hub:            hub,
		Gatherer:       reg,
		HumanID:        humanID,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	})
	return srv, svc, nil
}
