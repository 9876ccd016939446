// ABOUTME: Entry point for a HiveMind node
// ABOUTME: Discovers or dials a host, joins a session, and reports sync and audio stats
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

	"github.com/hivemind-audio/hivemind-go/internal/discovery"
	"github.com/hivemind-audio/hivemind-go/internal/node"
	"github.com/hivemind-audio/hivemind-go/internal/version"
)

var (
	debug       bool
	hostAddr    string
	sessionCode string
	deviceName  string
)

var rootCmd = &cobra.Command{
	Use:          "hivemind-node",
	Short:        "Join a HiveMind session as a playback node",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().StringVar(&hostAddr, "host", "", "host address (host:port); discovered via mDNS when empty")
	rootCmd.Flags().StringVar(&sessionCode, "code", "", "session code (required)")
	rootCmd.Flags().StringVarP(&deviceName, "name", "n", "", "device name shown to the host")
	rootCmd.MarkFlagRequired("code")
}

func run(cmd *cobra.Command, args []string) error {
	setupLogging()
	log.Info().Msg(version.String())

	addr := hostAddr
	if addr == "" {
		found, err := discoverHost()
		if err != nil {
			return err
		}
		addr = found
	}

	c := node.NewClient(node.Config{
		HostAddr:    addr,
		SessionCode: sessionCode,
		DeviceName:  deviceName,
	})
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	log.Info().
		Str("host", addr).
		Str("device_id", c.DeviceID()).
		Str("session", c.Session().Code).
		Msg("connected, receiving audio")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()

	var chunks int
	for {
		select {
		case <-sigChan:
			log.Info().Msg("leaving session")
			return nil

		case chunk := <-c.Chunks():
			chunks++
			if debug {
				localAt := c.Estimator().HostToLocal(chunk.PlayAt)
				log.Debug().
					Time("play_at", localAt).
					Int("bytes", len(chunk.Data)).
					Msg("audio chunk")
			}

		case <-stats.C:
			est := c.Estimator()
			log.Info().
				Int("chunks", chunks).
				Float64("offset_ms", est.Offset()*1000).
				Float64("rtt_ms", est.RTT()*1000).
				Int("sync_samples", est.SampleCount()).
				Msg("session stats")
		}
	}
}

// discoverHost browses mDNS for the first advertised session.
func discoverHost() (string, error) {
	log.Info().Msg("no --host given, browsing mDNS for a session")

	d := discovery.NewManager(discovery.Config{})
	d.Browse()
	defer d.Stop()

	select {
	case info := <-d.Hosts():
		return fmt.Sprintf("%s:%d", info.Host, info.Port), nil
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("no host found via mDNS; pass --host")
	}
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
