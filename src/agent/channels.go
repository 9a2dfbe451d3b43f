package agent

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sessionfabric/control-plane/src/registry"
	"github.com/sessionfabric/control-plane/src/rich"
)

// channelWSMessage mirrors src/handler/ws.go's terminalWSMessage wire
// shape exactly: the control plane relays raw frames between the browser
// and this connection without decoding them, so both ends must agree on
// the encoding independently.
type channelWSMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// dialChannel dials the control plane's agent-channel callback endpoint
// for a side channel the registry allocated (spec.md §4.5 Side-channels).
func (c *Client) dialChannel(channelID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	u.Path = "/agent/channel"
	q := u.Query()
	q.Set("channel_id", channelID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), http.Header{})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// openTerminalChannel serves one browser terminal attach over a dialed-back
// side channel, against this agent's own local bridge.Registry — the same
// fanout the control plane uses for local-placement sessions.
func (c *Client) openTerminalChannel(p registry.OpenTerminalChannelParams) {
	conn, err := c.dialChannel(p.ChannelID)
	if err != nil {
		logrus.Warnf("agent: dial terminal channel %s: %v", p.ChannelID, err)
		return
	}
	defer conn.Close()

	client, br, err := c.rt.bridges.Attach(p.SessionName, defaultCols, defaultRows)
	if err != nil {
		_ = conn.WriteJSON(channelWSMessage{Type: "error", Data: err.Error()})
		return
	}
	defer br.Detach(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case data, ok := <-client.Ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(channelWSMessage{Type: "output", Data: string(data)}); err != nil {
					return
				}
			case <-client.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg channelWSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			_ = br.Write([]byte(msg.Data))
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				br.Resize(client, msg.Cols, msg.Rows)
			}
		}
	}
}

// openRichChannel serves one browser rich-session attach over a dialed-back
// side channel, tailing this agent's local rich.Channel for the session.
func (c *Client) openRichChannel(p registry.OpenRichChannelParams) {
	conn, err := c.dialChannel(p.ChannelID)
	if err != nil {
		logrus.Warnf("agent: dial rich channel %s: %v", p.ChannelID, err)
		return
	}
	defer conn.Close()

	ch := c.rt.richChannel(p.SessionName)
	stop := make(chan struct{})

	go func() {
		defer close(stop)
		for {
			var msg rich.InboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "prompt" {
				if err := ch.WritePrompt(msg.Text); err != nil {
					logrus.Warnf("agent: write prompt for %s: %v", p.SessionName, err)
				}
			}
		}
	}()

	sender := func(v any) error { return conn.WriteJSON(v) }
	aliveFunc := func() bool { return c.rt.tmaMgr.Exists(p.SessionName) }
	if err := ch.Run(stop, sender, aliveFunc); err != nil {
		logrus.Debugf("agent: rich tail loop ended for %s: %v", p.SessionName, err)
	}
}
