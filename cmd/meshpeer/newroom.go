package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/ui"
	"github.com/spf13/cobra"
)

var newRoomCmd = &cobra.Command{
	Use:     "new-room",
	Aliases: []string{"n"},
	Short:   "Ask the relay for a fresh room id",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := createRoom(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RoomView(roomID, "meshpeer join "+roomID.String()))
		return nil
	},
}

func createRoom(cmd *cobra.Command) (domain.RoomID, error) {
	u, err := peerCfg.HTTPURL("/rooms")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, u, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create room: relay answered %s", resp.Status)
	}
	var body struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return domain.ParseRoomID(body.RoomID)
}
