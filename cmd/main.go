package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"motioncam/pkg/camera"
	"motioncam/pkg/capture"
	"motioncam/pkg/config"
	"motioncam/pkg/encryption"
	"motioncam/pkg/globals"
	"motioncam/pkg/logger"
	"motioncam/pkg/motion"
	"motioncam/pkg/preroll"
	"motioncam/pkg/record"
	"motioncam/pkg/relaycomm"
	"motioncam/pkg/stitch"
	"motioncam/pkg/storage"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// camera exposure settles before vectors are trusted
const warmup = 2 * time.Second

// CLI flags
var (
	prefixFlag    string
	logLevelFlag  int
	concatFlag    bool
	configFlag    string
	thresholdFlag float64
	maskFlag      string
	dataDirFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "motioncam",
	Short: "Motion-triggered camera recorder with pre-roll",
	Long: `motioncam watches the encoder's motion vectors and, when motion starts,
saves the buffered seconds before it, records while it lasts and keeps a
post-roll after it ends. The three segments of each event are listed in a
<base>_cat.txt manifest and, with --concat, joined into <base>.mp4.

Examples:
  motioncam -f /data/segments/cam_ -c
  motioncam --threshold 30 --mask /data/mask.png -v 0`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&prefixFlag, "prefix", "f", "", "Output prefix for event files (default from config)")
	rootCmd.Flags().IntVarP(&logLevelFlag, "loglevel", "v", 1, "Log level: 0 debug, 1 info, 2 warnings only")
	rootCmd.Flags().BoolVarP(&concatFlag, "concat", "c", false, "Stitch each event into one clip when it completes")
	rootCmd.Flags().StringVar(&configFlag, "config", "", "Config file path (default <data-dir>/.motioncam/config.json)")
	rootCmd.Flags().Float64Var(&thresholdFlag, "threshold", 0, "Vector magnitude a block must exceed to count as moving")
	rootCmd.Flags().StringVar(&maskFlag, "mask", "", "Mask image or JSON weight grid")
	rootCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "Writable data directory (default /data)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if dataDirFlag != "" {
		globals.SetDataDir(dataDirFlag)
	}
	if configFlag != "" {
		globals.ConfigPath = configFlag
	}
	if err := os.MkdirAll(globals.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Initialize logger first to capture all logs
	logger.Init(logLevelFlag)
	log.Info().Str("version", globals.Version).Msg("Starting")

	if err := config.LoadEnv(filepath.Join(globals.StateDir, "motioncam.env")); err != nil {
		return err
	}
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	if !cmd.Flags().Changed("loglevel") {
		logger.SetLevel(config.Get().LogLevel(logLevelFlag))
	}
	settings := config.Get().Capture()
	applyFlags(cmd, &settings)

	if err := storage.Init(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(settings.OutputPrefix+"x"), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Detection
	cols, rows := motion.GridSize(settings.Width, settings.Height)
	mask, err := motion.LoadMask(settings.Mask, cols, rows)
	if err != nil {
		return fmt.Errorf("failed to load mask: %w", err)
	}
	cell := &motion.Cell{}
	analyzer, err := motion.NewAnalyzer(motion.Config{
		Threshold:          settings.Threshold,
		MinActiveCells:     settings.MinActiveCells,
		QuietFramesToClear: settings.QuietFramesToClear,
	}, mask, cell)
	if err != nil {
		return fmt.Errorf("invalid motion settings: %w", err)
	}

	// Capture
	buffer, err := preroll.New(preroll.Options{Window: settings.Buffer})
	if err != nil {
		return fmt.Errorf("invalid buffer settings: %w", err)
	}
	recorder := record.New(buffer)

	stitcher, err := stitch.New(stitch.Options{
		Muxer:      &stitch.FFmpegMuxer{Framerate: settings.Framerate},
		AutoStitch: settings.AutoStitch,
		Saver:      storage.Get(),
	})
	if err != nil {
		return err
	}

	var notifier capture.Notifier
	var relay *relaycomm.RelayComm
	if settings.RelayURL != "" {
		id, _ := config.Get().GetKey("id")
		relaycomm.Init(settings.RelayURL, fmt.Sprint(id))
		relay = relaycomm.Get()
		if err := useRelaySession(relay); err != nil {
			return err
		}
		notifier = relay
	}

	orch := capture.New(capture.Options{
		OutputPrefix: settings.OutputPrefix,
		PostRoll:     settings.PostRoll,
		Grace:        settings.Grace,
		PollInterval: settings.PollInterval,
		MaxEvent:     settings.MaxEvent,
	}, cell, recorder, buffer, stitcher, notifier)

	// Start relay communication if configured
	if relay != nil {
		relay.RegisterHandlers(relaycomm.Services{
			Events: storage.Get(),
			Status: func() any { return orch.Status() },
			Logs:   logger.GetLogs,
		})
		if err := relay.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start relay comm")
		}
		defer relay.Stop()
	}

	cam := camera.New(camera.Options{
		Width:       settings.Width,
		Height:      settings.Height,
		Framerate:   settings.Framerate,
		IntraPeriod: settings.Framerate,
		Warmup:      warmup,
	}, analyzer, recorder)

	// Wait for interrupt signal, keep everything alive until then
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	camErr := make(chan error, 1)
	go func() {
		err := cam.Run(ctx)
		// no frames means nothing to capture
		stop()
		camErr <- err
	}()

	log.Info().
		Str("prefix", settings.OutputPrefix).
		Float64("threshold", settings.Threshold).
		Dur("buffer", settings.Buffer).
		Bool("concat", settings.AutoStitch).
		Msg("Waiting for motion")

	if err := orch.Run(ctx); err != nil {
		return err
	}
	if _, err := recorder.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to close recorder")
	}

	analyzed, skipped := cam.Stats()
	st := orch.Status()
	log.Info().Uint64("frames", analyzed).Uint64("skipped", skipped).
		Int("events", st.Completed).Int("aborted", st.Aborted).Msg("Stopped")

	return <-camErr
}

// applyFlags lets explicitly set flags override config values.
func applyFlags(cmd *cobra.Command, s *config.CaptureSettings) {
	flags := cmd.Flags()
	if flags.Changed("prefix") {
		s.OutputPrefix = prefixFlag
	}
	if flags.Changed("concat") {
		s.AutoStitch = concatFlag
	}
	if flags.Changed("threshold") {
		s.Threshold = thresholdFlag
	}
	if flags.Changed("mask") {
		s.Mask = maskFlag
	}
}

// useRelaySession seals relay traffic when a viewer public key is configured.
// The camera key pair is created on first use and kept in the config.
func useRelaySession(relay *relaycomm.RelayComm) error {
	cfg := config.Get()

	peer, ok := cfg.GetKey("peerPublicKey")
	if !ok {
		log.Warn().Msg("No peerPublicKey configured, relay traffic is not encrypted")
		return nil
	}
	peerKey, err := encryption.DecodeKey(fmt.Sprint(peer))
	if err != nil {
		return fmt.Errorf("invalid peerPublicKey: %w", err)
	}

	var kp *encryption.KeyPair
	if stored, ok := cfg.GetKey("privateKey"); ok {
		priv, err := encryption.DecodeKey(fmt.Sprint(stored))
		if err != nil {
			return fmt.Errorf("invalid privateKey: %w", err)
		}
		if kp, err = encryption.KeyPairFromPrivate(priv); err != nil {
			return fmt.Errorf("invalid privateKey: %w", err)
		}
	} else {
		if kp, err = encryption.GenerateKeyPair(); err != nil {
			return fmt.Errorf("failed to generate key pair: %w", err)
		}
		if err := cfg.SetKey("privateKey", encryption.EncodeKey(kp.PrivateKey)); err != nil {
			return err
		}
	}

	session, err := kp.Session(peerKey)
	if err != nil {
		return err
	}
	relay.UseSession(session)
	log.Info().Str("publicKey", encryption.EncodeKey(kp.PublicKey)).Msg("Relay encryption enabled")
	return nil
}
