package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/status"
)

// Config configures the feed connection.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/realtime/v1/websocket.
	// http and https schemes are rewritten to ws and wss.
	URL    string
	APIKey string
	// Token returns the access token sent with every join.
	Token       func() string
	Heartbeat   time.Duration
	JoinTimeout time.Duration
}

// Feed owns one websocket connection and the subscriptions joined on it.
// A dropped connection is not re-established here: the feed goes DEGRADED
// and a later Subscribe call starts over.
type Feed struct {
	cfg     Config
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	topics []string

	ref atomic.Uint64
}

// NewFeed creates a feed that publishes changes on b and reports its state
// through m.
func NewFeed(cfg Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	return &Feed{cfg: cfg, bus: b, machine: m, logger: logger}
}

// State returns the feed state.
func (f *Feed) State() status.State {
	return f.machine.Current()
}

// Subscribe tears down any current connection, dials, and joins every
// subscription. It returns once all joins are acknowledged; changes are
// then published on the bus until Close or a connection failure.
func (f *Feed) Subscribe(ctx context.Context, subs []Subscription) error {
	f.Close()

	if err := f.machine.Transition(status.Connecting); err != nil {
		return err
	}

	conn, err := f.dial(ctx)
	if err != nil {
		f.degrade(err)
		return err
	}

	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		if err := f.join(ctx, conn, sub); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "join failed")
			f.degrade(err)
			return err
		}
		topics = append(topics, sub.Topic)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.mu.Lock()
	f.conn = conn
	f.cancel = cancel
	f.done = done
	f.topics = topics
	f.mu.Unlock()

	if err := f.machine.Transition(status.Subscribed); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return err
	}
	f.logger.Info("realtime feed subscribed", zap.Strings("topics", topics))

	go f.heartbeat(runCtx, conn)
	go func() {
		defer close(done)
		err := f.readLoop(runCtx, conn)
		if runCtx.Err() != nil {
			return
		}
		f.degrade(err)
		_ = conn.Close(websocket.StatusGoingAway, "")
	}()
	return nil
}

// Close leaves every topic and closes the connection. Safe to call when
// not subscribed.
func (f *Feed) Close() {
	f.mu.Lock()
	conn, cancel, done, topics := f.conn, f.cancel, f.done, f.topics
	f.conn, f.cancel, f.done, f.topics = nil, nil, nil, nil
	f.mu.Unlock()

	if conn == nil {
		return
	}
	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	for _, topic := range topics {
		ref := f.nextRef()
		_ = f.write(ctx, conn, frame{Topic: topic, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: &ref})
	}
	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	<-done

	if cur := f.machine.Current(); cur != status.Closed && cur != status.Idle {
		_ = f.machine.Transition(status.Closed)
	}
	f.logger.Info("realtime feed closed")
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := f.endpoint()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (f *Feed) endpoint() (string, error) {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if f.cfg.APIKey != "" {
		q.Set("apikey", f.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Feed) join(ctx context.Context, conn *websocket.Conn, sub Subscription) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.JoinTimeout)
	defer cancel()

	ref := f.nextRef()
	if err := f.write(ctx, conn, joinFrame(sub, f.token(), ref)); err != nil {
		return fmt.Errorf("join %s: %w", sub.Topic, err)
	}
	for {
		fr, err := f.read(ctx, conn)
		if err != nil {
			return fmt.Errorf("join %s: %w", sub.Topic, err)
		}
		if fr.Event != eventReply || fr.Ref == nil || *fr.Ref != ref {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(fr.Payload, &reply); err != nil {
			return fmt.Errorf("join %s: decode reply: %w", sub.Topic, err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join %s refused: %s", sub.Topic, strings.TrimSpace(string(reply.Response)))
		}
		return nil
	}
}

func (f *Feed) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.write(ctx, conn, heartbeatFrame(f.nextRef())); err != nil {
				if ctx.Err() == nil {
					f.logger.Warn("realtime heartbeat failed", zap.Error(err))
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		fr, err := f.read(ctx, conn)
		if err != nil {
			return err
		}
		switch fr.Event {
		case eventChanges:
			var p changesPayload
			if err := json.Unmarshal(fr.Payload, &p); err != nil {
				f.logger.Warn("undecodable change", zap.String("topic", fr.Topic), zap.Error(err))
				continue
			}
			p.Data.Topic = fr.Topic
			f.bus.Emit(bus.KindFeedChange, p.Data)
		case string(Insert), string(Update), string(Delete):
			// Legacy servers send the change itself with the change type as event.
			var c Change
			if err := json.Unmarshal(fr.Payload, &c); err != nil {
				f.logger.Warn("undecodable change", zap.String("topic", fr.Topic), zap.Error(err))
				continue
			}
			c.Topic = fr.Topic
			if c.Type == "" {
				c.Type = EventType(fr.Event)
			}
			f.bus.Emit(bus.KindFeedChange, c)
		case eventError, eventClose:
			if fr.Topic != topicPhoenix {
				return fmt.Errorf("channel %s: %s", fr.Topic, fr.Event)
			}
		case eventSystem:
			var p systemPayload
			if err := json.Unmarshal(fr.Payload, &p); err == nil && p.Status == "error" {
				return fmt.Errorf("channel %s: %s", fr.Topic, p.Message)
			}
		}
	}
}

func (f *Feed) degrade(err error) {
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	if terr := f.machine.TransitionWithReason(status.Degraded, reason); terr != nil {
		f.logger.Debug("feed state unchanged", zap.Error(terr))
		return
	}
	f.logger.Warn("realtime feed degraded", zap.String("reason", reason))
}

func (f *Feed) read(ctx context.Context, conn *websocket.Conn) (frame, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return frame{}, fmt.Errorf("realtime closed (%d): %s", ce.Code, ce.Reason)
			}
			return frame{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			f.logger.Debug("unparseable realtime frame", zap.Int("bytes", len(data)))
			continue
		}
		return fr, nil
	}
}

func (f *Feed) write(ctx context.Context, conn *websocket.Conn, fr frame) error {
	data, err := json.Marshal(fr)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *Feed) nextRef() string {
	return strconv.FormatUint(f.ref.Add(1), 10)
}

func (f *Feed) token() string {
	if f.cfg.Token != nil {
		if t := f.cfg.Token(); t != "" {
			return t
		}
	}
	return f.cfg.APIKey
}
