package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"netwarden/internal/analysis"
	"netwarden/internal/api"
	"netwarden/internal/applog"
	"netwarden/internal/capture"
	"netwarden/internal/config"
	"netwarden/internal/discovery"
	"netwarden/internal/leases"
	"netwarden/internal/mitm"
	"netwarden/internal/neighbor"
	"netwarden/internal/probe"
	"netwarden/internal/reporting"
	"netwarden/internal/tshark"
	"netwarden/internal/tui"
)

func main() {
	cmd := &cli.Command{
		Name:        "netwarden",
		Usage:       "passive LAN visibility: live capture, device inventory and ARP spoofing indicators",
		Description: "Runs a local HTTP control surface and, optionally, a terminal dashboard.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "TOML config file; flags override its values",
				OnlyOnce: true,
				Sources:  cli.EnvVars("NETWARDEN_CONFIG"),
			},
			&cli.StringFlag{
				Name:     "listen",
				Usage:    "HTTP listen address (default: 127.0.0.1:8765)",
				OnlyOnce: true,
			},
			&cli.StringFlag{
				Name:     "iface",
				Aliases:  []string{"i"},
				Usage:    "capture interface (default: first interface with an IPv4 address)",
				OnlyOnce: true,
			},
			&cli.StringFlag{
				Name:     "filter",
				Usage:    "only keep frames to or from this IP",
				OnlyOnce: true,
			},
			&cli.StringFlag{
				Name:     "capture-dir",
				Usage:    "directory for tshark capture files (default: captures)",
				OnlyOnce: true,
			},
			&cli.StringFlag{
				Name:     "backend",
				Usage:    "live capture backend: pcap or tshark (default: pcap)",
				OnlyOnce: true,
			},
			&cli.StringFlag{
				Name:     "decode",
				Usage:    "payload decode policy: strict or lossy (default: strict)",
				OnlyOnce: true,
			},
			&cli.BoolFlag{
				Name:     "tui",
				Usage:    "run the terminal dashboard; logs go to log-file",
				OnlyOnce: true,
			},
			&cli.StringFlag{
				Name:     "report",
				Usage:    "write an HTML session report into this directory on shutdown",
				OnlyOnce: true,
			},
			&cli.BoolFlag{
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "enable debug logging",
				OnlyOnce: true,
			},
			&cli.BoolFlag{
				Name:     "arp-monitor",
				Usage:    "start the passive ARP monitor at launch",
				OnlyOnce: true,
			},
			&cli.BoolFlag{
				Name:     "autostart",
				Usage:    "start the live capture at launch",
				OnlyOnce: true,
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgHiRed, color.Bold).Sprint("error: ")+err.Error())
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, err
	}

	flags := config.Config{
		ListenAddr:     cmd.String("listen"),
		Interface:      cmd.String("iface"),
		FilterIP:       cmd.String("filter"),
		CaptureDir:     cmd.String("capture-dir"),
		CaptureBackend: cmd.String("backend"),
		DecodePolicy:   cmd.String("decode"),
		AutoStart:      cmd.Bool("autostart"),
		ARPMonitor:     cmd.Bool("arp-monitor"),
	}
	if cmd.Bool("debug") {
		flags.LogLevel = "debug"
	}
	cfg = cfg.Merge(flags)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	useTUI := cmd.Bool("tui")
	reportDir := cmd.String("report")

	var out io.Writer = os.Stdout
	if useTUI {
		f, err := applog.OpenFile(cfg.LogFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	} else {
		printBanner(cfg)
	}

	baseLogger := applog.NewLogger(out, cfg.Level())
	logger := applog.WithScope(baseLogger, "MAIN")
	configLogger := applog.WithScope(baseLogger, "CONFIG")
	configLogger.Debug().Interface("config", cfg).Msg("configuration loaded")

	policy, err := capture.ParseDecodePolicy(cfg.DecodePolicy)
	if err != nil {
		return err
	}

	// Components
	var opener capture.Opener
	if cfg.CaptureBackend == "tshark" {
		opener = tshark.EKOpener(applog.WithScope(baseLogger, "TSHARK"), cfg.TsharkPath, cfg.SnapLen, exec.LookPath)
	} else {
		opener = capture.PcapOpener(applog.WithScope(baseLogger, "CAPTURE"), cfg.SnapLen)
	}
	state := capture.NewCaptureState(applog.WithScope(baseLogger, "CAPTURE"), capture.Options{
		Capacity: cfg.BufferSize,
		Policy:   policy,
		Open:     opener,
	})

	arpLogger := applog.WithScope(baseLogger, "ARP")
	neighbors := neighbor.NewReader(arpLogger, cfg.CommandTimeout())
	engine := mitm.NewEngine(
		arpLogger,
		mitm.Config{EventLogSize: cfg.EventLogSize, EmbeddedEvents: mitm.DefaultConfig().EmbeddedEvents},
		neighbors,
		neighbor.SystemGateway{},
		mitm.PcapARPOpener(arpLogger, capture.DefaultDevice),
	)

	disc := discovery.New(
		applog.WithScope(baseLogger, "DISCOVERY"),
		&discovery.ScanConfig{
			RateLimit:     cfg.DiscoveryRate(),
			PingTimeout:   cfg.DiscoveryPingTimeout(),
			LocalNetworks: neighbor.LocalPrivateNetworks,
		},
		discovery.ExecPinger{},
		neighbors,
	)

	orch := tshark.NewOrchestrator(applog.WithScope(baseLogger, "TSHARK"), tshark.OrchestratorConfig{
		Dir:        cfg.CaptureDir,
		TsharkPath: cfg.TsharkPath,
		Interfaces: neighbor.InterfaceNames,
	})

	srv := api.NewAPI(applog.WithScope(baseLogger, "API"), api.Deps{
		Capture:    state,
		Mitm:       engine,
		Discovery:  disc,
		Tshark:     orch,
		Leases:     leases.NewStore(),
		Prober:     probe.NewProber(applog.WithScope(baseLogger, "PROBE")),
		Neighbors:  neighbors,
		Interfaces: neighbor.Interfaces,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	// Control surface
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", cfg.ListenAddr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("control surface listening")

	if cfg.AutoStart {
		if err := state.Start(cfg.FilterIP, cfg.Interface); err != nil {
			logger.Error().Err(err).Msg("autostart failed")
		}
	}
	if cfg.ARPMonitor {
		if err := engine.StartMonitor(cfg.Interface); err != nil {
			logger.Error().Err(err).Msg("arp monitor failed to start")
		}
	}

	if useTUI {
		client := api.NewClient(clientAddr(ln.Addr()), cfg.TUIRefresh()*4)
		model := tui.NewModel(client, analysis.NewTrafficStats(), cfg.Interface, cfg.TUIRefresh())
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			logger.Error().Err(err).Msg("terminal UI exited")
		}
	} else {
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				logger.Error().Err(err).Msg("control surface failed")
			}
		}
	}

	logger.Info().Msg("shutting down")
	return shutdown(logger, httpServer, srv, state, engine, orch, reportDir)
}

func shutdown(
	logger zerolog.Logger,
	httpServer *http.Server,
	srv *api.API,
	state *capture.CaptureState,
	engine *mitm.Engine,
	orch *tshark.Orchestrator,
	reportDir string,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state.Stop()
	engine.StopMonitor()
	orch.StopAll()

	if reportDir != "" {
		path, err := reporting.WriteFile(reportDir, srv.BuildReport(ctx))
		if err != nil {
			logger.Error().Err(err).Msg("failed to write session report")
		} else {
			logger.Info().Str("path", path).Msg("session report written")
		}
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("control surface shutdown: %w", err)
	}
	return nil
}

// clientAddr turns the bound listener address into one the local client can dial.
func clientAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.IP == nil || tcp.IP.IsUnspecified() {
		port := 0
		if ok {
			port = tcp.Port
		}
		return fmt.Sprintf("127.0.0.1:%d", port)
	}
	return tcp.String()
}

func printBanner(cfg config.Config) {
	const banner = `
 ┌┐┌┌─┐┌┬┐┬ ┬┌─┐┬─┐┌┬┐┌─┐┌┐┌
 │││├┤  │ │││├─┤├┬┘ ││├┤ │││
 ┘└┘└─┘ ┴ └┴┘┴ ┴┴└──┴┘└─┘┘└┘
`
	title := color.New(color.FgHiCyan, color.Bold).SprintFunc()
	key := color.New(color.FgHiBlack).SprintFunc()
	val := color.New(color.FgHiGreen).SprintFunc()

	iface := cfg.Interface
	if iface == "" {
		iface = "auto"
	}
	filter := cfg.FilterIP
	if filter == "" {
		filter = "none"
	}

	fmt.Print(title(banner))
	fmt.Printf("\n")
	fmt.Printf(" • %s : %s\n", key("LISTEN_ADDR"), val(cfg.ListenAddr))
	fmt.Printf(" • %s : %s\n", key("INTERFACE  "), val(iface))
	fmt.Printf(" • %s : %s\n", key("FILTER     "), val(filter))
	fmt.Printf(" • %s : %s\n", key("BACKEND    "), val(cfg.CaptureBackend))
	fmt.Printf(" • %s : %s\n", key("DECODE     "), val(cfg.DecodePolicy))
	fmt.Printf(" • %s : %s\n", key("CAPTURE_DIR"), val(cfg.CaptureDir))
	fmt.Printf(" • %s : %s\n", key("LOG_LEVEL  "), val(cfg.LogLevel))
	fmt.Printf("\n")
	fmt.Printf("Press 'CTRL + c' to quit\n")
	fmt.Printf("\n")
}
