package opensea

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const DefaultStreamBaseURL = "wss://stream.openseabeta.com/socket/websocket"

const phoenixTopic = "phoenix"

type StreamOptions struct {
	BaseURL        string
	APIKeys        []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Stream maintains one Phoenix socket to the realtime feed, re-joining
// the desired collection topics after every reconnect. The reconnect
// delay is fixed; each connect attempt rotates to the next API key.
type Stream struct {
	opts StreamOptions

	mu      sync.Mutex
	conn    *websocket.Conn
	topics  map[string]struct{}
	keyIdx  int
	lastKey string
	ref     int64

	OnEvent   func(slug string, evt StreamEvent)
	OnUp      func(at time.Time)
	OnDown    func(at time.Time)
	OnHealthy func(at time.Time)
}

func NewStream(opts StreamOptions) *Stream {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultStreamBaseURL
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout == 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Stream{
		opts:   opts,
		topics: make(map[string]struct{}),
	}
}

// Subscribe joins a collection topic. The topic survives reconnects
// until Unsubscribe is called.
func (s *Stream) Subscribe(ctx context.Context, slug string) error {
	if s == nil || slug == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[slug] = struct{}{}
	if s.conn == nil {
		return nil
	}
	return s.sendLocked(ctx, PhoenixMessage{
		Topic:   CollectionTopic(slug),
		Event:   "phx_join",
		Payload: json.RawMessage(`{}`),
	})
}

// Unsubscribe leaves a collection topic.
func (s *Stream) Unsubscribe(ctx context.Context, slug string) error {
	if s == nil || slug == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, slug)
	if s.conn == nil {
		return nil
	}
	return s.sendLocked(ctx, PhoenixMessage{
		Topic:   CollectionTopic(slug),
		Event:   "phx_leave",
		Payload: json.RawMessage(`{}`),
	})
}

// Topics returns the currently desired collection slugs.
func (s *Stream) Topics() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for slug := range s.topics {
		out = append(out, slug)
	}
	return out
}

func (s *Stream) sendLocked(ctx context.Context, msg PhoenixMessage) error {
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.ref++
	msg.Ref = s.ref
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *Stream) send(ctx context.Context, msg PhoenixMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(ctx, msg)
}

func (s *Stream) nextKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opts.APIKeys) == 0 {
		return ""
	}
	key := s.opts.APIKeys[s.keyIdx%len(s.opts.APIKeys)]
	s.keyIdx++
	s.lastKey = key
	return key
}

// CurrentKey returns the credential the last connect attempt used.
func (s *Stream) CurrentKey() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKey
}

func (s *Stream) dialURL() string {
	u := s.opts.BaseURL
	key := s.nextKey()
	if key == "" {
		return u
	}
	return u + "?token=" + url.QueryEscape(key)
}

// Run connects and consumes until the context is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("stream is nil")
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := websocket.Dial(ctx, s.dialURL(), nil)
		if err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Warn("feed connect failed", zap.Error(err))
			}
			if err := sleepCtx(ctx, s.opts.ReconnectDelay); err != nil {
				return err
			}
			continue
		}
		conn.SetReadLimit(2 << 20) // 2MB

		s.mu.Lock()
		s.conn = conn
		topics := make([]string, 0, len(s.topics))
		for slug := range s.topics {
			topics = append(topics, slug)
		}
		s.mu.Unlock()

		if s.opts.Logger != nil {
			s.opts.Logger.Info("feed connected", zap.Int("topics", len(topics)))
		}
		if s.OnUp != nil {
			s.OnUp(time.Now().UTC())
		}
		joinFailed := false
		for _, slug := range topics {
			if err := s.send(ctx, PhoenixMessage{
				Topic:   CollectionTopic(slug),
				Event:   "phx_join",
				Payload: json.RawMessage(`{}`),
			}); err != nil {
				if s.opts.Logger != nil {
					s.opts.Logger.Warn("feed join failed", zap.String("slug", slug), zap.Error(err))
				}
				joinFailed = true
				break
			}
		}

		var consumeErr error
		if !joinFailed {
			consumeErr = s.consume(ctx, conn)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if s.OnDown != nil {
			s.OnDown(time.Now().UTC())
		}
		if consumeErr != nil && errors.Is(consumeErr, context.Canceled) {
			return consumeErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sleepCtx(ctx, s.opts.ReconnectDelay); err != nil {
			return err
		}
	}
}

func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	ack := make(chan struct{}, 1)
	heartbeatErr := make(chan error, 1)
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A lost heartbeat closes the socket so the blocked Read below
	// returns and Run reconnects.
	go func() {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := s.send(hbCtx, PhoenixMessage{
					Topic:   phoenixTopic,
					Event:   "heartbeat",
					Payload: json.RawMessage(`{}`),
				}); err != nil {
					select {
					case heartbeatErr <- err:
					default:
					}
					_ = conn.Close(websocket.StatusPolicyViolation, "heartbeat send failed")
					return
				}
				timer := time.NewTimer(s.opts.PongTimeout)
				select {
				case <-ack:
					timer.Stop()
					if s.OnHealthy != nil {
						s.OnHealthy(time.Now().UTC())
					}
				case <-timer.C:
					select {
					case heartbeatErr <- fmt.Errorf("heartbeat ack timeout after %s", s.opts.PongTimeout):
					default:
					}
					_ = conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
					return
				case <-hbCtx.Done():
					timer.Stop()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case herr := <-heartbeatErr:
				if s.opts.Logger != nil {
					s.opts.Logger.Warn("feed heartbeat lost", zap.Error(herr))
				}
				return herr
			default:
			}
			if s.opts.Logger != nil && !errors.Is(err, context.Canceled) {
				s.opts.Logger.Warn("feed read failed", zap.Error(err))
			}
			return err
		}
		var msg PhoenixMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Topic == phoenixTopic {
			select {
			case ack <- struct{}{}:
			default:
			}
			continue
		}
		switch msg.Event {
		case "phx_reply", "phx_close", "phx_error":
			continue
		}
		slug := SlugFromTopic(msg.Topic)
		if slug == "" {
			continue
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			continue
		}
		if evt.EventType == "" {
			evt.EventType = msg.Event
		}
		if s.OnEvent != nil {
			s.OnEvent(slug, evt)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
