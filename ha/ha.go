// Package ha implements the websocket connection to Home Assistant.
//
// See https://developers.home-assistant.io/docs/api/websocket/
package ha

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"nhooyr.io/websocket"
)

// StatisticMetadata is the metadata of a statistic.
type StatisticMetadata struct {
	HasMean           bool   `json:"has_mean"`
	HasSum            bool   `json:"has_sum"`
	Name              string `json:"name"`
	Source            string `json:"source"`
	StatisticID       string `json:"statistic_id"`
	UnitOfMeasurement string `json:"unit_of_measurement"`
}

// StatisticValue is the value of a statistic for one hour.
type StatisticValue struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
}

// Statistics is bundle of metadata and values to be sent to Home Assistant.
type Statistics struct {
	Metadata StatisticMetadata `json:"metadata"`
	Stats    []StatisticValue  `json:"stats"`
}

// Error is an error reported by Home Assistant for a command.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("home assistant error %s: %s", e.Code, e.Message)
}

type message struct {
	ID          int    `json:"id"`
	MessageType string `json:"type"`
	Success     bool   `json:"success"`
	HAVersion   string `json:"ha_version"`
	Error       *Error `json:"error"`
}

// Connection is an authenticated websocket connection to Home Assistant.
type Connection struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	msgID int
	// ServerVersion contains the version of the connected Home Assistant server.
	ServerVersion string
}

// Endpoint returns the websocket URL of a Home Assistant server.
//
// The host is name:port, name, ip, ip:port or a http(s) or ws(s) URL.
func Endpoint(host string) (string, error) {
	if !strings.Contains(host, "://") {
		host = "ws://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", host)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/websocket"
	}
	return u.String(), nil
}

// NewConnection connects and authenticates to Home Assistant.
//
// To get the token you can follow instructions at
// https://www.home-assistant.io/docs/authentication/#your-account-profile
func NewConnection(ctx context.Context, host, accessToken string) (*Connection, error) {
	ep, err := Endpoint(host)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, ep, nil)
	if err != nil {
		return nil, err
	}

	c := &Connection{conn: ws, msgID: 1}
	if err := c.login(ctx, accessToken); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Connection) write(ctx context.Context, v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *Connection) read(ctx context.Context) (message, error) {
	var m message
	_, b, err := c.conn.Read(ctx)
	if err != nil {
		return m, err
	}
	if err := sonic.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("invalid message from home assistant: %w", err)
	}
	return m, nil
}

func (c *Connection) login(ctx context.Context, accessToken string) error {
	m, err := c.read(ctx)
	if err != nil {
		return err
	}
	if m.MessageType != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", m.MessageType)
	}
	if m.HAVersion == "" {
		return errors.New("cannot get home assistant version")
	}
	c.ServerVersion = m.HAVersion

	if err := c.write(ctx, map[string]string{"type": "auth", "access_token": accessToken}); err != nil {
		return err
	}
	if m, err = c.read(ctx); err != nil {
		return err
	}
	if m.MessageType != "auth_ok" {
		return fmt.Errorf("invalid auth: %s", m.MessageType)
	}
	return nil
}

// call sends a command and waits for the message answering it.
func (c *Connection) call(ctx context.Context, msgType string, payload any, wantType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.msgID
	c.msgID++

	b, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	cmd := map[string]any{}
	if payload != nil {
		if err := sonic.Unmarshal(b, &cmd); err != nil {
			return err
		}
	}
	cmd["id"] = id
	cmd["type"] = msgType
	if err := c.write(ctx, cmd); err != nil {
		return err
	}

	for {
		m, err := c.read(ctx)
		if err != nil {
			return err
		}
		if m.ID != id {
			log.Printf("Ignoring home assistant message %d of type %q", m.ID, m.MessageType)
			continue
		}
		if m.MessageType != wantType {
			return fmt.Errorf("got %q for %s, want %q", m.MessageType, msgType, wantType)
		}
		if wantType == "result" && !m.Success {
			if m.Error == nil {
				return fmt.Errorf("%s failed", msgType)
			}
			return m.Error
		}
		return nil
	}
}

// SendStatistics imports the statistic into the recorder.
//
// The source defaults to "recorder", required for statistic ids of an entity.
func (c *Connection) SendStatistics(ctx context.Context, stat Statistics) error {
	if stat.Metadata.Source == "" {
		stat.Metadata.Source = "recorder"
	}
	return c.call(ctx, "recorder/import_statistics", stat, "result")
}

// Ping checks that the server is still answering.
func (c *Connection) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, "pong")
}
