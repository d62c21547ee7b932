package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Wyydra/meshroom/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/meshroom/internal/adapter/driven/media/pion"
	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/service"
	"github.com/Wyydra/meshroom/internal/ui"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join a room and connect to every participant",
	Long: `Join a room and keep one call per remote participant until interrupted.

While joined, type a line on stdin:
  a   toggle audio
  v   toggle video
  q   leave the room

Examples:
  meshpeer join 3f1c9e
  meshpeer join 3f1c9e --video=false --relay https://relay.example.com
  meshpeer join 3f1c9e --video-file camera.ivf --audio-file mic.ogg`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := domain.ParseRoomID(args[0])
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return join(ctx, roomID, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func join(ctx context.Context, roomID domain.RoomID, in io.Reader, out, errOut io.Writer) error {
	l := logger().With().Str("room_id", roomID.String()).Logger()

	wsURL, err := peerCfg.WebSocketURL()
	if err != nil {
		return err
	}
	client, err := ws.Dial(ctx, ws.Options{URL: wsURL, Codec: peerCfg.Codec}, l)
	if err != nil {
		return err
	}

	api, err := pion.NewAPI(pion.APIOptions{
		UDPPortMin: peerCfg.UDPPortMin,
		UDPPortMax: peerCfg.UDPPortMax,
		Logger:     l,
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	peers, err := pion.NewPeerLayer(pion.Config{
		RoomID:        roomID,
		Broker:        client,
		API:           api,
		ICEServers:    peerCfg.ICEServers(),
		AnswerTimeout: peerCfg.AnswerTimeout,
		Logger:        l,
	})
	if err != nil {
		_ = client.Close()
		return err
	}

	console := ui.NewConsole(out)
	coord := service.NewCoordinator(service.CoordinatorConfig{
		RoomID:       roomID,
		Capabilities: domain.DefaultCapabilities().WithAudio(peerCfg.Audio).WithVideo(peerCfg.Video),
		Signaling:    client,
		Peers:        peers,
		Media: pion.NewAcquirer(pion.AcquirerOptions{
			AudioFile: peerCfg.AudioFile,
			VideoFile: peerCfg.VideoFile,
			Logger:    l,
		}),
		Preview: console,
		Alerter: console,
		Logger:  l,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()
	go readCommands(ctx, coord, in, errOut)

	ticker := time.NewTicker(peerCfg.Refresh)
	defer ticker.Stop()
	for {
		select {
		case err := <-runErr:
			<-coord.Done()
			return err
		case <-ticker.C:
			snap, err := coord.Snapshot(ctx)
			if err != nil {
				if errors.Is(err, domain.ErrNotJoined) || errors.Is(err, context.Canceled) {
					continue
				}
				return err
			}
			console.Links(snap.Self, snap.RoomID, snap.Links)
		}
	}
}

// commander is the part of the coordinator driven by stdin commands.
type commander interface {
	Snapshot(ctx context.Context) (service.Snapshot, error)
	SetCapabilities(audio, video bool)
	Leave()
}

func readCommands(ctx context.Context, coord commander, in io.Reader, errOut io.Writer) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		snap, err := coord.Snapshot(ctx)
		if err != nil {
			return
		}
		caps := snap.Capabilities
		switch strings.TrimSpace(strings.ToLower(sc.Text())) {
		case "a":
			coord.SetCapabilities(!caps.Audio, caps.Video)
		case "v":
			coord.SetCapabilities(caps.Audio, !caps.Video)
		case "q":
			coord.Leave()
			return
		case "":
		default:
			fmt.Fprintln(errOut, ui.MutedStyle.Render("commands: a (audio), v (video), q (leave)"))
		}
	}
}
