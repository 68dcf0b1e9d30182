package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// feedReadLimit caps a single change frame. Rows carry opaque payloads
	// but never attachments.
	feedReadLimit = 4 * 1024 * 1024

	// handshakeTimeout bounds the subscribe round trip.
	handshakeTimeout = 15 * time.Second
)

//go:generate mockgen -destination=mock_wsconn_test.go -package=backend -mock_names=wsConn=MockWSConn . wsConn

// wsConn abstracts the websocket connection so the feed can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// SubscribeMessage opens a change feed for one sharing scope.
type SubscribeMessage struct {
	Op     string `json:"op"`
	Scope  string `json:"scope"`
	Device string `json:"device"`
	Token  string `json:"token,omitempty"`
}

// SubscribeResponse is the server's answer to SubscribeMessage.
type SubscribeResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg,omitempty"`
}

// HeartbeatMessage keeps this device's presence alive.
type HeartbeatMessage struct {
	Op     string `json:"op"`
	Device string `json:"device"`
}

// Feed dials the realtime change feed.
type Feed struct {
	url    string
	token  string
	logger *slog.Logger
	header http.Header
}

// NewFeed creates a feed client for a ws:// or wss:// URL.
func NewFeed(url, token string, logger *slog.Logger) *Feed {
	return &Feed{
		url:    url,
		token:  token,
		logger: logger,
		header: http.Header{"User-Agent": []string{"moneyloop-sync"}},
	}
}

// Dial connects and subscribes to scope as device. Dial failures are
// transient; a rejected subscribe wraps ErrSubscribeRejected.
func (f *Feed) Dial(ctx context.Context, scope, device string) (*FeedConn, error) {
	f.logger.Debug("dialing change feed", slog.String("url", f.url), slog.String("scope", scope))

	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: f.header,
	})
	if err != nil {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("dialing change feed: %w", err)}
	}

	return f.handshake(ctx, conn, scope, device)
}

// handshake performs the post-dial subscribe exchange. Split from Dial so
// it can be tested with a mock wsConn.
func (f *Feed) handshake(ctx context.Context, conn wsConn, scope, device string) (*FeedConn, error) {
	conn.SetReadLimit(feedReadLimit)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	fc := &FeedConn{conn: conn, device: device, logger: f.logger}

	sub := SubscribeMessage{Op: "subscribe", Scope: scope, Device: device, Token: f.token}
	if err := fc.writeJSON(hctx, sub); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("sending subscribe: %w", err)}
	}

	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe read failed")
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("reading subscribe response: %w", err)}
	}

	var resp SubscribeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad subscribe response")
		return nil, fmt.Errorf("%w: decoding subscribe response: %w", syncerrors.ErrAPIResponse, err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		conn.Close(websocket.StatusNormalClosure, "subscribe rejected")

		return nil, fmt.Errorf("%w: %s", syncerrors.ErrSubscribeRejected, msg)
	}

	f.logger.Info("change feed subscribed", slog.String("scope", scope), slog.String("device", device))

	return fc, nil
}

// FeedConn is one subscribed change feed session. Next must be called from
// a single goroutine; Heartbeat may be called concurrently with Next.
type FeedConn struct {
	conn   wsConn
	device string
	logger *slog.Logger
}

type changeFrame struct {
	EntityType string           `json:"entity_type"`
	EventType  models.EventType `json:"event_type"`
	Old        models.Value     `json:"old"`
	New        models.Value     `json:"new"`
	CommitTS   time.Time        `json:"commit_ts,omitzero"`
}

type presenceFrame struct {
	Device string               `json:"device"`
	State  models.PresenceState `json:"state"`
	At     time.Time            `json:"at,omitzero"`
}

// Next blocks until the next change or presence frame. Pongs, binary
// frames and frames that do not decode are skipped. A read error means the
// session is over.
func (c *FeedConn) Next(ctx context.Context) (models.FeedMessage, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return models.FeedMessage{}, &syncerrors.TransientError{Err: fmt.Errorf("reading change feed: %w", err)}
		}

		if typ == websocket.MessageBinary {
			c.logger.Debug("unexpected binary frame on change feed", slog.Int("bytes", len(data)))
			continue
		}

		op := gjson.GetBytes(data, "op").Str

		switch op {
		case "change":
			var f changeFrame
			if err := json.Unmarshal(data, &f); err != nil {
				c.logger.Warn("failed to decode change frame", slog.String("error", err.Error()))
				continue
			}

			return models.FeedMessage{Change: &models.ChangeEvent{
				EntityType: models.NormalizeEntityType(f.EntityType),
				EventType:  f.EventType,
				Old:        f.Old,
				New:        f.New,
				CommitTS:   f.CommitTS,
			}}, nil

		case "presence":
			var f presenceFrame
			if err := json.Unmarshal(data, &f); err != nil {
				c.logger.Warn("failed to decode presence frame", slog.String("error", err.Error()))
				continue
			}

			return models.FeedMessage{Presence: &models.PresenceEvent{
				DeviceID: f.Device,
				State:    f.State,
				At:       f.At,
			}}, nil

		case "pong":
			continue

		default:
			c.logger.Debug("unexpected message on change feed", slog.String("op", op))
		}
	}
}

// Heartbeat refreshes this device's presence on the server.
func (c *FeedConn) Heartbeat(ctx context.Context) error {
	if err := c.writeJSON(ctx, HeartbeatMessage{Op: "heartbeat", Device: c.device}); err != nil {
		return &syncerrors.TransientError{Err: fmt.Errorf("sending heartbeat: %w", err)}
	}

	return nil
}

// Close ends the session.
func (c *FeedConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *FeedConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}
