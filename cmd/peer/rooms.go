package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms open on the hub",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadPeer(flagConfig)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("url") {
			cfg.SignalURL = flagURL
		}
		endpoint, err := roomsEndpoint(cfg.SignalURL)
		if err != nil {
			return err
		}
		rooms, err := fetchRooms(cmd, endpoint)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Room", "Members"})
		for _, r := range rooms {
			t.AppendRow(table.Row{r.Name, r.MemberCount})
		}
		t.AppendFooter(table.Row{"Total", len(rooms)})
		t.Render()
		return nil
	},
}

// roomsEndpoint maps the signaling websocket url onto the hub's REST api.
func roomsEndpoint(signalURL string) (string, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("%w: signal_url scheme %q", config.ErrInvalidPeerConfig, u.Scheme)
	}
	u.Path = "/api/rooms"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchRooms(cmd *cobra.Command, endpoint string) ([]core.RoomInfo, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: %s", resp.Status)
	}
	var body struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return body.Rooms, nil
}
