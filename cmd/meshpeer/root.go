package main

import (
	"os"

	"github.com/Wyydra/meshroom/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var peerCfg config.Peer

var rootCmd = &cobra.Command{
	Use:   "meshpeer",
	Short: "Join a full-mesh audio/video room from the terminal",
	Long: `meshpeer is a headless participant of a meshroom relay. It joins a room,
publishes local media and opens one WebRTC call per remote participant.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ApplyEnv(cmd.Flags(), os.LookupEnv); err != nil {
			return err
		}
		if err := peerCfg.Validate(); err != nil {
			return err
		}
		l, err := config.NewLogger(peerCfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		log.Logger = l
		return nil
	},
}

func init() {
	peerCfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(joinCmd, newRoomCmd)
}

func logger() zerolog.Logger {
	return log.Logger
}
