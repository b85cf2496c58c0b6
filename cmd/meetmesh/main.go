package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/avelys/meetmesh/internal/config"
	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/media"
	"github.com/avelys/meetmesh/internal/media/devices"
	"github.com/avelys/meetmesh/internal/session"
)

var (
	flagRelay string
	flagRoom  string
	flagName  string
	flagID    string
	flagHost  bool
)

var rootCmd = &cobra.Command{
	Use:   "meetmesh",
	Short: "Full-mesh meeting-room client: joins a room via a signaling relay and links up with every admitted participant",
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a meeting room",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&flagRelay, "relay", "", "signaling relay base URL (overrides config)")
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room id")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name")
	joinCmd.Flags().StringVar(&flagID, "id", "", "stable identity (empty for anonymous)")
	joinCmd.Flags().BoolVar(&flagHost, "host", false, "join as host")
	_ = joinCmd.MarkFlagRequired("room")
	_ = joinCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagRelay != "" {
		cfg.RelayURL = flagRelay
	}

	role := domain.RoleGuest
	if flagHost {
		role = domain.RoleHost
	}

	provider, err := devices.New()
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		RelayURL:         cfg.RelayURL,
		Room:             domain.RoomID(flagRoom),
		Identity:         domain.PeerID(flagID),
		Name:             flagName,
		Role:             role,
		ICEServers:       cfg.ICEServers,
		SpeakerInterval:  cfg.SpeakerInterval,
		SpeakerDecay:     cfg.SpeakerDecay,
		SpeakerThreshold: cfg.SpeakerThreshold,
		OnActiveSpeaker: func(id domain.PeerID) {
			log.Info().Str("peer", string(id)).Msg("active speaker")
		},
	}, provider, media.PassthroughCompositor{})
	if err != nil {
		return err
	}

	if err := sess.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		sess.Leave()
		return sess.Wait()
	case <-sess.Done():
		return sess.Err()
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("meetmesh failed")
		os.Exit(1)
	}
}
