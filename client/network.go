package main

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
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/zigzag/zzchat/auth"
	"github.com/zigzag/zzchat/model"
	"github.com/zigzag/zzchat/transport"
)

// serverEvent is an outbound frame as seen by the client.
type serverEvent struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type errMsg error

// disconnectedMsg is delivered once the websocket stops reading.
type disconnectedMsg struct{ err error }

type Network struct {
	base   *url.URL
	token  string
	client *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewNetwork targets the server at rawURL. A bare host gets the http
// scheme and the default port.
func NewNetwork(rawURL, token string) (*Network, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Port() == "" && u.Scheme == "http" {
		u.Host += ":8999"
	}
	return &Network{
		base:   u,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (n *Network) endpoint(path string, query url.Values) string {
	u := *n.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// Register asks the server for a new anonymous identity and adopts its
// token.
func (n *Network) Register(ctx context.Context) (auth.Registration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint("/api/auth/register", nil), nil)
	if err != nil {
		return auth.Registration{}, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return auth.Registration{}, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return auth.Registration{}, fmt.Errorf("register: server returned %s", resp.Status)
	}

	var reg auth.Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return auth.Registration{}, fmt.Errorf("decode registration: %w", err)
	}
	n.token = reg.Token
	return reg, nil
}

// Me resolves the identity behind the current token.
func (n *Network) Me(ctx context.Context) (model.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.endpoint("/api/auth/me", nil), nil)
	if err != nil {
		return model.Identity{}, err
	}
	req.Header.Set(transport.HeaderSessionToken, n.token)

	resp, err := n.client.Do(req)
	if err != nil {
		return model.Identity{}, fmt.Errorf("fetch identity: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Identity{}, fmt.Errorf("fetch identity: server returned %s", resp.Status)
	}

	var identity model.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return model.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return identity, nil
}

// History fetches the most recent messages of room, oldest first.
func (n *Network) History(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	q := url.Values{"room": {room}, "limit": {strconv.Itoa(limit)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.endpoint("/api/chat/messages", q), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(transport.HeaderSessionToken, n.token)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: server returned %s", resp.Status)
	}

	var msgs []model.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

func (n *Network) Connect(ctx context.Context) error {
	u := *n.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	header.Set(transport.HeaderSessionToken, n.token)
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			var body transport.AuthError
			if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
				return fmt.Errorf("connect: %s", body.Error)
			}
			return fmt.Errorf("connect: server returned %s", resp.Status)
		}
		return fmt.Errorf("connect: %w", err)
	}

	n.mu.Lock()
	if n.conn != nil {
		n.conn.Close()
	}
	n.conn = c
	n.mu.Unlock()
	return nil
}

func (n *Network) current() *websocket.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn
}

func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		n.conn.Close()
		n.conn = nil
	}
}

// WaitForMessage is a tea.Cmd that blocks for the next server frame.
func (n *Network) WaitForMessage() tea.Msg {
	c := n.current()
	if c == nil {
		return disconnectedMsg{}
	}

	_, data, err := c.ReadMessage()
	if err != nil {
		return disconnectedMsg{err: err}
	}

	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return errMsg(fmt.Errorf("decode frame: %w", err))
	}
	return ev
}

// Send returns a tea.Cmd writing one event. Writes are serialized because
// several commands may run at once.
func (n *Network) Send(t model.EventType, payload any) tea.Cmd {
	return func() tea.Msg {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.conn == nil {
			return errMsg(errors.New("not connected"))
		}
		if err := n.conn.WriteJSON(model.Event{Type: t, Payload: payload}); err != nil {
			return errMsg(err)
		}
		return nil
	}
}
