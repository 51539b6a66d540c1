package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voicemesh/internal/config"
)

var (
	flagConfig    string
	flagURL       string
	flagRoom      string
	flagName      string
	flagCodec     string
	flagBroadcast bool
	flagRelay     bool
)

var rootCmd = &cobra.Command{
	Use:   "voicemesh-peer",
	Short: "Headless voice mesh peer",
	Long: `Joins a room on a voicemesh signaling hub and keeps one WebRTC
connection per member. A synthetic tone stands in for the microphone.

Examples:
  voicemesh-peer --room standup --name alice --broadcast
  voicemesh-peer --config config/peer.example.yaml
  voicemesh-peer rooms`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runPeer(cmd.Context(), cfg)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "peer config file (default config/peer.<CONFIG_ENV>.yaml)")
	pf.StringVar(&flagURL, "url", "", "hub signaling websocket url")

	f := rootCmd.Flags()
	f.StringVarP(&flagRoom, "room", "r", "", "room to join")
	f.StringVarP(&flagName, "name", "n", "", "display name")
	f.StringVar(&flagCodec, "codec", "", "frame codec: json or msgpack")
	f.BoolVarP(&flagBroadcast, "broadcast", "b", false, "start broadcasting after joining")
	f.BoolVar(&flagRelay, "relay", false, "force TURN relay")

	rootCmd.AddCommand(roomsCmd)
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

// loadConfig reads the config file and lets explicit flags win over it.
func loadConfig(cmd *cobra.Command) (*config.PeerConfig, error) {
	cfg, err := config.LoadPeer(flagConfig)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.SignalURL = flagURL
	}
	if flags.Changed("room") {
		cfg.Room = flagRoom
	}
	if flags.Changed("name") {
		cfg.DisplayName = flagName
	}
	if flags.Changed("codec") {
		cfg.Codec = flagCodec
	}
	if flags.Changed("broadcast") {
		cfg.BroadcastOnJoin = flagBroadcast
	}
	if flags.Changed("relay") {
		cfg.ICE.RelayOnly = flagRelay
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}
	return cfg, nil
}
