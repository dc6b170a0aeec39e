package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"safeyou-chat/internal/events"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/replica"
)

// RemoteSource subscribes to a chat server's /ws endpoint. It satisfies
// replica.Source so a session can follow a remote server, and Snapshot
// reloads a stream from /sync when its history was pruned.
type RemoteSource struct {
	BaseURL    string
	UserID     string
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

func (r RemoteSource) endpoint(entity models.Entity, from *uint64) (string, error) {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("entity", string(entity))
	if from != nil {
		q.Set("from", strconv.FormatUint(*from, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r RemoteSource) Subscribe(ctx context.Context, entity models.Entity, from *uint64) (replica.Stream, error) {
	endpoint, err := r.endpoint(entity, from)
	if err != nil {
		return nil, err
	}
	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("X-User-ID", r.UserID)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("dial %s: %w", endpoint, events.ErrTruncated)
		}
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s", endpoint, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	s := &remoteStream{
		conn: conn,
		out:  make(chan models.ChangeEvent),
		done: make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Snapshot fetches the caller's current view of entity.
func (r RemoteSource) Snapshot(ctx context.Context, entity models.Entity) (models.Snapshot, error) {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sync"
	u.RawQuery = url.Values{"entity": {string(entity)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Snapshot{}, err
	}
	req.Header.Set("X-User-ID", r.UserID)
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Snapshot{}, fmt.Errorf("fetch snapshot: %s", resp.Status)
	}
	var snap models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

type remoteStream struct {
	conn *websocket.Conn
	out  chan models.ChangeEvent
	done chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *remoteStream) Events() <-chan models.ChangeEvent { return s.out }

func (s *remoteStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *remoteStream) Close() {
	s.stop(events.ErrClosed)
}

func (s *remoteStream) stop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *remoteStream) run(ctx context.Context) {
	defer close(s.out)

	go func() {
		select {
		case <-ctx.Done():
			s.stop(ctx.Err())
		case <-s.done:
		}
	}()

	for {
		var ev models.ChangeEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.stop(remoteErr(err))
			return
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// remoteErr maps the server's close frame to the bus termination errors.
func remoteErr(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case CloseOverflow:
		return events.ErrOverflow
	case websocket.CloseGoingAway:
		return events.ErrBusClosed
	case websocket.CloseNormalClosure:
		return events.ErrClosed
	default:
		return err
	}
}
