package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/services"
	"voxmesh/internal/infrastructure/media"
	signalinfra "voxmesh/internal/infrastructure/signal"
	webrtcinfra "voxmesh/internal/infrastructure/webrtc"
	"voxmesh/pkg/config"
	"voxmesh/pkg/logger"
	"voxmesh/pkg/retry"
	"voxmesh/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	relayURL := flag.String("relay", "", "relay address, overrides client.relay_url")
	room := flag.String("room", "", "room to join, overrides client.room")
	participantID := flag.String("id", "", "participant id, generated when empty")
	device := flag.String("device", "", "capture device, overrides client.device")
	muted := flag.Bool("muted", false, "join with the microphone muted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxmesh-talk: %v\n", err)
		os.Exit(1)
	}
	if *relayURL != "" {
		cfg.Client.RelayURL = *relayURL
	}
	if *room != "" {
		cfg.Client.Room = *room
	}
	if *participantID != "" {
		cfg.Client.ParticipantID = *participantID
	}
	if *device != "" {
		cfg.Client.Device = *device
		cfg.Client.Devices = append(cfg.Client.Devices, *device)
	}
	if *muted {
		cfg.Client.StartMuted = true
	}
	if cfg.Client.ParticipantID == "" {
		cfg.Client.ParticipantID = uuid.NewString()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("participant_id", cfg.Client.ParticipantID)

	if err := run(cfg, log); err != nil {
		log.Errorw("Participant stopped", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	if err := domain.ValidateRoomName(cfg.Client.Room); err != nil {
		return err
	}
	if err := domain.ValidateParticipantID(cfg.Client.ParticipantID); err != nil {
		return err
	}
	if err := validation.ValidateDevice(cfg.Client.Device); err != nil {
		return err
	}

	factory, err := webrtcinfra.NewFactory(mediaConfig(cfg), log)
	if err != nil {
		return fmt.Errorf("failed to build media engine: %w", err)
	}
	capturer := media.NewCapturer(cfg.Client.Devices, log)

	clientCfg := signalinfra.DefaultClientConfig()
	clientCfg.Origin = cfg.Client.Origin
	redialer := signalinfra.NewRedialer(cfg.Client.RelayURL, cfg.Client.Room, clientCfg, retry.Config{
		Enabled:      true,
		MaxAttempts:  -1,
		InitialDelay: cfg.Client.Reconnect.InitialDelay,
		MaxDelay:     cfg.Client.Reconnect.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Infow("Relay unavailable, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}, log)

	orchCfg := services.DefaultOrchestratorConfig(domain.ParticipantID(cfg.Client.ParticipantID))
	orchCfg.DeviceID = cfg.Client.Device
	orchCfg.Enhancements = domain.AudioEnhancements(cfg.Client.Enhancements)
	orchCfg.StartMuted = cfg.Client.StartMuted
	orchCfg.SampleInterval = cfg.Client.Quality.SampleInterval
	orchCfg.Quality = services.QualityThresholds{
		BadLossPercent:      cfg.Client.Quality.BadLossPercent,
		BadRTT:              cfg.Client.Quality.BadRTT,
		DegradedLossPercent: cfg.Client.Quality.DegradedLossPercent,
		DegradedRTT:         cfg.Client.Quality.DegradedRTT,
	}
	orch := services.NewOrchestrator(orchCfg, redialer, factory, capturer, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Infow("Joining room", "relay", cfg.Client.RelayURL, "room", cfg.Client.Room, "device", orchCfg.DeviceID)
	runErr := make(chan error, 1)
	go func() { runErr <- redialer.Run(ctx, orch.Join, orch.Dispatch) }()
	go logEvents(orch.Events(), log)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	devices := capturer.Devices()
	next := deviceIndex(devices, orchCfg.DeviceID)

	var result error
loop:
	for {
		select {
		case err := <-runErr:
			if errors.Is(err, signalinfra.ErrIdentityRejected) {
				result = fmt.Errorf("participant id %q is already in the room", cfg.Client.ParticipantID)
			} else if err != nil {
				result = err
			}
			break loop

		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				now, err := orch.ToggleMute(ctx)
				if err != nil {
					log.Warnw("Failed to toggle mute", "error", err)
					continue
				}
				log.Infow("Microphone toggled", "muted", now)

			case syscall.SIGUSR2:
				next = (next + 1) % len(devices)
				if err := orch.SwitchDevice(ctx, devices[next]); err != nil {
					log.Warnw("Failed to switch device", "device", devices[next], "error", err)
					continue
				}
				log.Infow("Capture device switched", "device", devices[next])

			default:
				log.Infow("Leaving room", "signal", sig.String())
				break loop
			}
		}
	}

	leaveCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := orch.Leave(leaveCtx); err != nil && !errors.Is(err, domain.ErrOrchestratorClosed) {
		log.Warnw("Leave did not complete cleanly", "error", err)
	}
	redialer.Close()
	cancel()
	return result
}

func mediaConfig(cfg *config.Config) webrtcinfra.Config {
	var mc webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		mc.ICEServers = append(mc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	mc.PortRange.Min = cfg.WebRTC.PortRange.Min
	mc.PortRange.Max = cfg.WebRTC.PortRange.Max
	mc.LevelInterval = cfg.WebRTC.LevelInterval
	return mc
}

func deviceIndex(devices []string, id string) int {
	for i, d := range devices {
		if d == id {
			return i
		}
	}
	return 0
}

func logEvents(events <-chan domain.PeerEvent, log *zap.SugaredLogger) {
	for ev := range events {
		switch ev.Kind {
		case domain.MediaChanged:
			log.Infow("Local media changed",
				"status", ev.Media.Status,
				"device", ev.Media.DeviceID,
				"muted", ev.Media.Muted,
				"error", ev.Media.LastError,
			)
		default:
			log.Infow("Peer event",
				"event", ev.Kind,
				"peer_id", ev.Peer.ID,
				"state", ev.Peer.State,
				"role", ev.Peer.Role,
				"remote_muted", ev.Peer.RemoteMuted,
				"speaking", ev.Peer.Speaking,
				"quality", ev.Peer.Health.Tier,
				"rtt", ev.Peer.Health.RoundTripTime,
				"loss_percent", ev.Peer.Health.LossPercent,
			)
		}
	}
}
