// client.go is the typed HTTP client behind the CLI commands.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/sluice-dev/sluice/internal/session"
)

// Client talks to a running server. Requests have no client-side timeout;
// a reject under the regenerate policy legitimately blocks until the
// re-run finishes.
type Client struct {
	base string
	addr string
	http *http.Client
}

// NewClient returns a client for the server at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		addr: addr,
		http: &http.Client{},
	}
}

// Health checks that the server is up.
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

// Start creates a session. Empty plan and mode take the server defaults.
func (c *Client) Start(plan, mode string) (*StartResponse, error) {
	var out StartResponse
	if err := c.do(http.MethodPost, "/sessions", StartRequest{Plan: plan, Mode: mode}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists recent sessions, newest first.
func (c *Client) Sessions(limit int) ([]*session.Session, error) {
	path := "/sessions"
	if limit > 0 {
		path = fmt.Sprintf("/sessions?limit=%d", limit)
	}
	var out struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Status fetches the session position snapshot.
func (c *Client) Status(id string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(http.MethodGet, "/sessions/"+id+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Checkpoints lists every checkpoint created so far, in number order.
func (c *Client) Checkpoints(id string) ([]*session.Checkpoint, error) {
	var out struct {
		Checkpoints []*session.Checkpoint `json:"checkpoints"`
	}
	if err := c.do(http.MethodGet, "/sessions/"+id+"/checkpoints", nil, &out); err != nil {
		return nil, err
	}
	return out.Checkpoints, nil
}

// Checkpoint fetches one checkpoint by number.
func (c *Client) Checkpoint(id string, number int) (*session.Checkpoint, error) {
	var out session.Checkpoint
	if err := c.do(http.MethodGet, fmt.Sprintf("/sessions/%s/checkpoints/%d", id, number), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve approves checkpoint number for the session.
func (c *Client) Approve(id string, number int) (*ApproveResponse, error) {
	var out ApproveResponse
	if err := c.do(http.MethodPost, "/sessions/"+id+"/approve", ApproveRequest{CheckpointNumber: number}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reject records feedback against checkpoint number. Under the regenerate
// policy this returns after the re-run completes.
func (c *Client) Reject(id string, number int, feedback string) (*RejectResponse, error) {
	var out RejectResponse
	if err := c.do(http.MethodPost, "/sessions/"+id+"/reject", RejectRequest{CheckpointNumber: number, Feedback: feedback}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result fetches the terminal artifact of a completed session.
func (c *Client) Result(id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(http.MethodGet, "/sessions/"+id+"/result", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stream opens the session's WebSocket event stream. The caller owns the
// connection and must close it.
func (c *Client) Stream(id string) (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://%s/sessions/%s/stream", c.addr, id)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			var er errorResponse
			if json.Unmarshal(data, &er) == nil && er.Error != "" {
				return nil, fmt.Errorf("%s", er.Error)
			}
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return conn, nil
}

func (c *Client) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return fmt.Errorf("%s", er.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
