package voice

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/huddle/internal/peer"
	"github.com/MrWong99/huddle/internal/roster"
)

// Status is a point-in-time view of the client, served on /status.
type Status struct {
	ChannelID string             `json:"channel_id"`
	Joined    bool               `json:"joined"`
	Muted     bool               `json:"muted"`
	Speaking  bool               `json:"speaking"`
	Members   []roster.Member    `json:"members"`
	Peers     []peer.SessionInfo `json:"peers"`
}

// Status collects the current channel, media and peer state.
func (c *Client) Status() Status {
	return Status{
		ChannelID: c.cfg.ChannelID,
		Joined:    c.Joined(),
		Muted:     c.media.Muted(),
		Speaking:  c.Speaking(),
		Members:   c.roster.Members(),
		Peers:     c.registry.Snapshot(),
	}
}

// ServeHTTP writes [Client.Status] as JSON.
func (c *Client) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	body, err := json.Marshal(c.Status())
	if err != nil {
		http.Error(w, `{"error":"status unavailable"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(append(body, '\n'))
}
