package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fleet-dispatch-dashboard/dispatcher/internal/broadcast"
	"fleet-dispatch-dashboard/shared/events"
)

const (
	snapshotActivities = 50
	snapshotAlerts     = 20

	maxControlBytes = 4096
	subscribeLookup = 10 * time.Second
)

type WSOptions struct {
	WriteWait time.Duration
	PongWait  time.Duration
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

func (o WSOptions) withDefaults() WSOptions {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

func (o WSOptions) pingPeriod() time.Duration { return o.PongWait * 9 / 10 }

func (o WSOptions) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(o.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range o.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// controlMessage is a client to server frame. Data is the device number,
// either as a bare string or number or as {"deviceNumber": ...}.
type controlMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.ws.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		a.log.Warn(r.Context(), "ws_upgrade_failed", "websocket upgrade failed",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return
	}

	sub := a.hub.Connect(func() broadcast.Message {
		return broadcast.Message{Event: events.InitialData, Data: a.store.Snapshot(snapshotActivities, snapshotAlerts)}
	})
	a.log.Info(r.Context(), "ws_connected", "subscriber connected",
		slog.String("subscriber_id", sub.ID),
		slog.String("client_ip", r.RemoteAddr),
	)

	go a.writePump(conn, sub)
	a.readPump(conn, sub)
}

// readPump owns the read side of the connection. Returning tears down the
// subscription, which in turn stops the write pump.
func (a *API) readPump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sub.Close()
		_ = conn.Close()
		a.log.Info(context.Background(), "ws_disconnected", "subscriber disconnected", slog.String("subscriber_id", sub.ID))
	}()

	conn.SetReadLimit(maxControlBytes)
	_ = conn.SetReadDeadline(time.Now().Add(a.ws.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.ws.PongWait))
	})

	for {
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.log.Debug(context.Background(), "ws_read_failed", "websocket read failed",
					slog.String("subscriber_id", sub.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		a.handleControl(ctx, sub, msg)
	}
}

// handleControl must not block: the device task lookup runs on its own
// goroutine so later frames from the same client are read meanwhile.
func (a *API) handleControl(ctx context.Context, sub *broadcast.Subscriber, msg controlMessage) {
	switch msg.Event {
	case events.SubscribeDevice:
		device := parseDeviceNumber(msg.Data)
		if device == "" {
			sub.Send(broadcast.Message{Event: events.Error, Data: errorPayload{Event: msg.Event, Message: "device number is required"}})
			return
		}
		if !sub.Join(broadcast.DeviceTopic(device)) {
			return
		}
		go a.sendDeviceTasks(ctx, sub, device)
	case events.UnsubscribeDevice:
		if device := parseDeviceNumber(msg.Data); device != "" {
			sub.Leave(broadcast.DeviceTopic(device))
		}
	default:
		sub.Send(broadcast.Message{Event: events.Error, Data: errorPayload{Event: msg.Event, Message: "unknown event"}})
	}
}

// sendDeviceTasks delivers the current task list to a new device subscriber,
// unless it unsubscribed or disconnected while the lookup was running.
func (a *API) sendDeviceTasks(ctx context.Context, sub *broadcast.Subscriber, device string) {
	lookup, cancel := context.WithTimeout(ctx, subscribeLookup)
	defer cancel()
	topic := broadcast.DeviceTopic(device)
	list, err := a.svc.FreshTasks(lookup, device)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.log.Warn(ctx, "ws_tasks_failed", "could not load tasks for subscriber",
			slog.String("subscriber_id", sub.ID),
			slog.String("device_number", device),
			slog.String("error", err.Error()),
		)
		sub.SendIn(topic, broadcast.Message{Event: events.Error, Data: errorPayload{Event: events.SubscribeDevice, Message: "could not load device tasks"}})
		return
	}
	sub.SendIn(topic, broadcast.Message{Event: events.DeviceTasks, Data: list})
}

// writePump drains the subscriber channel until the hub closes it.
func (a *API) writePump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	ticker := time.NewTicker(a.ws.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(a.ws.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(a.ws.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseDeviceNumber(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		DeviceNumber json.RawMessage `json:"deviceNumber"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.DeviceNumber) > 0 {
		raw = obj.DeviceNumber
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
