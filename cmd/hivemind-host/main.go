// ABOUTME: Entry point for the HiveMind host
// ABOUTME: Loads config, starts the coordinator and dashboard, and waits for shutdown
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hivemind-audio/hivemind-go/internal/config"
	"github.com/hivemind-audio/hivemind-go/internal/dashboard"
	"github.com/hivemind-audio/hivemind-go/internal/host"
	"github.com/hivemind-audio/hivemind-go/internal/version"
)

var (
	cfgFile     string
	debug       bool
	port        int
	hostName    string
	audioPath   string
	noDashboard bool
	noMDNS      bool
)

var rootCmd = &cobra.Command{
	Use:   "hivemind-host",
	Short: "Coordinate synchronized audio playback across networked devices",
	Long: `hivemind-host runs a HiveMind session: it admits nodes, keeps their
clocks aligned with the host, and broadcasts audio chunks scheduled
to play simultaneously on every device.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ~/.hivemindrc)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	rootCmd.Flags().StringVarP(&hostName, "name", "n", "", "host name advertised to nodes")
	rootCmd.Flags().StringVarP(&audioPath, "audio", "a", "", "audio source: .mp3 file or http(s) stream (default: test tone)")
	rootCmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "disable the HTTP control plane")
	rootCmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "disable mDNS advertisement")
}

func run(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	name := cfg.Host.Name
	if name == "" {
		if hn, hnErr := os.Hostname(); hnErr == nil {
			name = hn + "-hivemind"
		} else {
			name = "hivemind-host"
		}
	}

	h, err := host.New(host.Config{
		ListenAddr:        fmt.Sprintf(":%d", cfg.Host.Port),
		Name:              name,
		AudioPath:         audioPath,
		LookAhead:         time.Duration(cfg.Host.LookAheadMs) * time.Millisecond,
		ChunkDuration:     time.Duration(cfg.Host.ChunkMs) * time.Millisecond,
		SampleRate:        cfg.Host.SampleRate,
		Channels:          cfg.Host.Channels,
		HeartbeatTimeout:  time.Duration(cfg.Host.HeartbeatTimeoutS) * time.Second,
		MonitorInterval:   time.Duration(cfg.Host.MonitorIntervalS) * time.Second,
		Compression:       cfg.Host.Compression,
		MDNS:              !cfg.Host.DisableMDNS && !noMDNS,
		MDNSPort:          cfg.Host.Port,
		MasterVolume:      cfg.Host.MasterVolume,
		CalibrationSettle: time.Duration(cfg.Host.CalibrationSettleS) * time.Second,
	})
	if err != nil {
		return err
	}

	if cfg.Dashboard.Enabled && !noDashboard {
		dash := dashboard.NewServer(fmt.Sprintf(":%d", cfg.Dashboard.Port), h)
		if err := dash.Start(); err != nil {
			return err
		}
		defer dash.Stop()
	}

	log.Info().Msg(version.String())
	log.Info().
		Str("name", name).
		Int("port", cfg.Host.Port).
		Str("session_code", h.Session().Code()).
		Msg("share the session code with your nodes")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		h.Stop()
	}()

	return h.Run()
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if port != 0 {
		cfg.Host.Port = port
	}
	if hostName != "" {
		cfg.Host.Name = hostName
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
