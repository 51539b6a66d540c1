package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/adapters/wsclient"
	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/mesh"
	"github.com/dkeye/voicemesh/internal/app/playout"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
)

const leaveTimeout = 5 * time.Second

func runPeer(ctx context.Context, cfg *config.PeerConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	token := cfg.Token
	if token == "" {
		token = uuid.NewString()
	}
	self, err := domain.NewMember(domain.PeerID(token), cfg.DisplayName)
	if err != nil {
		return fmt.Errorf("self: %w", err)
	}
	if err := self.SetAvatarRef(cfg.AvatarRef); err != nil {
		return fmt.Errorf("self: %w", err)
	}

	factory, err := rtc.NewFactory(rtc.ICEConfig{
		STUNURLs:       cfg.ICE.STUNURLs,
		TURNURLs:       cfg.ICE.TURNURLs,
		TURNUsername:   cfg.ICE.TURNUsername,
		TURNCredential: cfg.ICE.TURNCredential,
		RelayOnly:      cfg.ICE.RelayOnly,
		Loopback:       cfg.ICE.Loopback,
	})
	if err != nil {
		return err
	}

	client, err := wsclient.Dial(ctx, wsclient.Options{
		URL:   cfg.SignalURL,
		Token: token,
		Codec: cfg.Codec,
		Room:  domain.RoomName(cfg.Room),
		Self:  *self,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	client.OnLeft(func() {
		log.Info().Str("module", "peer").Msg("removed from room by hub")
		cancel()
	})

	source := media.NewSyntheticSource()
	if cfg.Tone.Frequency > 0 {
		source.Frequency = cfg.Tone.Frequency
	}
	if cfg.Tone.Amplitude > 0 {
		source.Amplitude = cfg.Tone.Amplitude
	}

	coord := mesh.NewCoordinator(mesh.Config{
		Self:         *self,
		Transport:    client,
		Factory:      factory,
		Capture:      media.NewCaptureController(source),
		Constraints:  media.DefaultConstraints,
		CandidateCap: cfg.CandidateCap,
	})

	view := newStatusView(cfg, coord, playout.NewManager(), media.NewLevelMonitor(cfg.LevelInterval, media.DefaultFFTSize))
	defer view.Close()

	var wg conc.WaitGroup
	runErr := make(chan error, 1)
	wg.Go(func() { runErr <- coord.Run(ctx) })
	wg.Go(func() { view.Run(ctx) })
	defer wg.Wait()

	if cfg.BroadcastOnJoin {
		if err := coord.StartBroadcast(ctx); err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("start broadcast")
		}
	}

	commands := make(chan string)
	go readCommands(commands)
	fmt.Fprintln(os.Stderr, "commands: t toggle broadcast, s status, q leave")

	for {
		select {
		case <-ctx.Done():
			return leave(coord, runErr)
		case <-client.Done():
			cancel()
			<-runErr
			return client.Err()
		case err := <-runErr:
			cancel()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			switch line {
			case "t":
				if err := coord.ToggleBroadcast(ctx); err != nil {
					log.Error().Err(err).Str("module", "peer").Msg("toggle broadcast")
				}
			case "s":
				view.Print(ctx)
			case "q":
				cancel()
				return leave(coord, runErr)
			}
		}
	}
}

// leave tears down every connection with a fresh deadline, since the
// session context is usually already cancelled by now.
func leave(coord *mesh.Coordinator, runErr <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := coord.Leave(ctx); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("leave")
	}
	select {
	case <-runErr:
	case <-ctx.Done():
	}
	return nil
}

func readCommands(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}
