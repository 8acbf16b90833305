package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/homebase/internal/ir"
)

// RealtimeSettings holds the change stream timeouts.
type RealtimeSettings struct {
	HandshakeTimeout time.Duration
	JoinTimeout      time.Duration
	ReconnectTimeout time.Duration
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	Schema           string
}

// DefaultRealtimeSettings returns the settings used by New.
func DefaultRealtimeSettings() RealtimeSettings {
	return RealtimeSettings{
		HandshakeTimeout: 5 * time.Second,
		JoinTimeout:      5 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		HeartbeatTimeout: 25 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		Schema:           "public",
	}
}

// errChannelClosed ends a connection whose channel the server closed.
var errChannelClosed = errors.New("realtime channel closed by server")

// eventBuffer is the capacity of a subscription channel.
const eventBuffer = 256

// phxMessage is one frame of the Phoenix channel protocol.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type      string        `json:"type"`
		Table     string        `json:"table"`
		Record    ir.WireRecord `json:"record"`
		OldRecord ir.WireRecord `json:"old_record"`
	} `json:"data"`
}

// Subscribe implements remote.Store. The stream reconnects after errors
// until ctx is done and then closes the channel. Events that happen while
// disconnected are not replayed; a pull recovers them.
func (c *Client) Subscribe(ctx context.Context, kind ir.Kind) (<-chan ir.ChangeEvent, error) {
	if _, err := c.schema(kind); err != nil {
		return nil, err
	}
	endpoint, err := c.realtimeURL()
	if err != nil {
		return nil, err
	}

	events := make(chan ir.ChangeEvent, eventBuffer)
	sub := &subscription{
		client:   c,
		kind:     kind,
		endpoint: endpoint,
		topic:    fmt.Sprintf("realtime:%s:%s", c.realtime.Schema, c.table(kind)),
		events:   events,
	}
	go sub.run(ctx)
	return events, nil
}

func (c *Client) realtimeURL() (string, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("rest: unsupported URL scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", c.apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type subscription struct {
	client   *Client
	kind     ir.Kind
	endpoint string
	topic    string
	events   chan ir.ChangeEvent
	ref      atomic.Int64
}

func (s *subscription) nextRef() string {
	return strconv.FormatInt(s.ref.Add(1), 10)
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.events)
	log := s.client.log.With("kind", s.kind)
	settings := s.client.realtime

	for {
		ws, err := s.connect(ctx)
		if err != nil {
			log.Info("realtime connect failed", "error", err)
		} else {
			log.Debug("realtime joined", "topic", s.topic)
			err = s.handle(ctx, ws)
			if ctx.Err() == nil {
				log.Info("realtime disconnected", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(settings.ReconnectTimeout):
		}
	}
}

// connect dials and joins the topic, waiting for the join reply.
func (s *subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	settings := s.client.realtime
	dialer := websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	joinRef := s.nextRef()
	join, err := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": settings.Schema,
				"table":  s.client.table(s.kind),
			}},
		},
		"access_token": s.client.token,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(settings.JoinTimeout))
	if err := ws.WriteJSON(phxMessage{Topic: s.topic, Event: "phx_join", Payload: join, Ref: joinRef}); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(settings.JoinTimeout))
	for {
		var msg phxMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return nil, err
		}
		if msg.Event != "phx_reply" || msg.Ref != joinRef {
			continue
		}
		var reply phxReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return nil, fmt.Errorf("join reply: %w", err)
		}
		if reply.Status != "ok" {
			return nil, fmt.Errorf("join %s refused: %s %s", s.topic, reply.Status, string(reply.Response))
		}
		break
	}

	success = true
	return ws, nil
}

// handle runs the heartbeat writer and the reader until either fails or
// ctx is done.
func (s *subscription) handle(ctx context.Context, ws *websocket.Conn) error {
	defer ws.Close()
	settings := s.client.realtime

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				// Unblocks the reader.
				ws.Close()
				return
			case <-time.After(settings.HeartbeatTimeout):
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				beat := phxMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
				if err := ws.WriteJSON(beat); err != nil {
					return
				}
			}
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		ev, ok, err := s.decode(data)
		if errors.Is(err, errChannelClosed) {
			return err
		}
		if err != nil {
			s.client.log.Warn("realtime message dropped", "kind", s.kind, "error", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case <-handleCtx.Done():
			return handleCtx.Err()
		case s.events <- ev:
		}
	}
}

// decode extracts a change event from a frame. ok is false for frames that
// are not changes of this subscription's table.
func (s *subscription) decode(data []byte) (ir.ChangeEvent, bool, error) {
	var msg phxMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ir.ChangeEvent{}, false, err
	}
	if msg.Topic != s.topic {
		return ir.ChangeEvent{}, false, nil
	}
	switch msg.Event {
	case "postgres_changes":
	case "phx_error", "phx_close":
		return ir.ChangeEvent{}, false, fmt.Errorf("%w: %s", errChannelClosed, msg.Event)
	default:
		return ir.ChangeEvent{}, false, nil
	}

	var payload changePayload
	dec := json.NewDecoder(bytes.NewReader(msg.Payload))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return ir.ChangeEvent{}, false, err
	}

	ev := ir.ChangeEvent{Kind: s.kind, Record: payload.Data.Record}
	switch payload.Data.Type {
	case "INSERT":
		ev.Op = ir.ChangeInsert
	case "UPDATE":
		ev.Op = ir.ChangeUpdate
	case "DELETE":
		ev.Op = ir.ChangeDelete
		ev.Record = payload.Data.OldRecord
	default:
		return ir.ChangeEvent{}, false, fmt.Errorf("unknown change type %q", payload.Data.Type)
	}
	if ev.Record == nil {
		return ir.ChangeEvent{}, false, errors.New("change without record")
	}
	return ev, true, nil
}
