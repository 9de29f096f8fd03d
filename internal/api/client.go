package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/livetree/livetree/internal/patch"
)

const (
	requestTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
	pingTimeout    = 90 * time.Second
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrProtocolMismatch  = errors.New("protocol version mismatch")
	ErrSessionIDMismatch = errors.New("server session changed")
	ErrDisconnected      = errors.New("client disconnected")
)

// Client talks to one authority. It remembers the server session it
// connected to and the message cursor, so RetrieveMessages resumes where the
// last snapshot or batch left off.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer

	mu           sync.Mutex
	writeMu      sync.Mutex // serialises socket writes (pong, close)
	sessionID    string
	cursor       int64
	conn         *websocket.Conn
	disconnected bool
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://127.0.0.1:34872".
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		dialer:  websocket.DefaultDialer,
	}
}

// Connect fetches server info and checks protocol compatibility.
func (c *Client) Connect(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	if err := c.get(ctx, "/api/info", &info); err != nil {
		return ServerInfo{}, err
	}
	if info.ProtocolVersion != ProtocolVersion {
		return ServerInfo{}, fmt.Errorf("%w: server speaks %d, client speaks %d",
			ErrProtocolMismatch, info.ProtocolVersion, ProtocolVersion)
	}

	c.mu.Lock()
	c.sessionID = info.SessionID
	c.disconnected = false
	c.mu.Unlock()

	glog.Infof("connected to %s (project %q, server %s)", c.baseURL, info.ProjectName, info.ServerVersion)
	return info, nil
}

// Read fetches the subtrees rooted at ids.
func (c *Client) Read(ctx context.Context, ids []patch.Ref) (ReadResponse, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = url.PathEscape(string(id))
	}
	var resp ReadResponse
	if err := c.get(ctx, "/api/read/"+strings.Join(parts, ","), &resp); err != nil {
		return ReadResponse{}, err
	}
	if err := c.checkSession(resp.SessionID); err != nil {
		return ReadResponse{}, err
	}
	return resp, nil
}

// SetMessageCursor sets where the next subscription starts.
func (c *Client) SetMessageCursor(cursor int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = cursor
}

func (c *Client) MessageCursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// RetrieveMessages blocks until the server pushes at least one patch, the
// socket fails, or ctx is done. The socket is opened lazily at the current
// cursor and kept open between calls.
func (c *Client) RetrieveMessages(ctx context.Context) ([]*patch.Patch, error) {
	conn, err := c.socket(ctx)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(pingTimeout))
		if err := ctx.Err(); err != nil {
			// Cancelled before the deadline above took effect.
			c.dropSocket(conn)
			return nil, err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropSocket(conn)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read socket: %w", err)
		}

		var frame SubscribeResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			glog.Warningf("dropping malformed socket frame: %v", err)
			continue
		}
		if err := c.checkSession(frame.SessionID); err != nil {
			c.dropSocket(conn)
			return nil, err
		}

		c.mu.Lock()
		c.cursor = frame.MessageCursor
		c.mu.Unlock()

		if len(frame.Messages) > 0 {
			return frame.Messages, nil
		}
	}
}

func (c *Client) socket(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	if c.sessionID == "" {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	cursor := c.cursor
	c.mu.Unlock()

	wsURL, err := socketURL(c.baseURL, cursor)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		conn.Close()
		return nil, ErrDisconnected
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropSocket(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// socketURL converts http://host:port to ws://host:port/api/socket/{cursor}.
func socketURL(base string, cursor int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/api/socket/%d", cursor)
	return u.String(), nil
}

// Write sends a locally originated patch to the authority.
func (c *Client) Write(ctx context.Context, p *patch.Patch) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotConnected
	}
	body := WriteRequest{SessionID: sessionID, Patch: *p.Normalize()}
	return c.post(ctx, "/api/write", body)
}

// Open asks the authority to open the instance in an external editor.
func (c *Client) Open(ctx context.Context, id patch.Ref) error {
	return c.post(ctx, "/api/open/"+url.PathEscape(string(id)), nil)
}

// Disconnect closes the message socket. Later calls are no-ops.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

func (c *Client) checkSession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.sessionID {
		return fmt.Errorf("%w: expected %s, got %s", ErrSessionIDMismatch, c.sessionID, id)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
