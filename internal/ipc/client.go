package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client is a synchronous RPC client for the foreman daemon. It is safe for
// concurrent use; calls are serialized over one connection.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	nextID uint64
}

// Dial connects to the daemon socket.
func Dial(path string) (*Client, error) {
	return DialTimeout(path, 2*time.Second)
}

// DialTimeout connects to the daemon socket with an explicit timeout.
func DialTimeout(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", path, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends one request and decodes the matching response into result.
// Server-side failures are returned as *ErrorDetail.
func (c *Client) Call(method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("client is closed")
	}

	c.nextID++
	id := json.RawMessage(strconv.Quote(strconv.FormatUint(c.nextID, 10)))

	req := Request{Method: method, ID: id}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params for %s: %w", method, err)
		}
		req.Params = encoded
	}
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if string(resp.ID) != string(id) {
		return fmt.Errorf("response id mismatch for %s: sent %s, got %s", method, id, resp.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Add enqueues a work item and returns its snapshot.
func (c *Client) Add(payload, priority string) (*WorkItem, error) {
	var res ItemResult
	if err := c.Call("queue.add", AddParams{Payload: payload, Priority: priority}, &res); err != nil {
		return nil, err
	}
	return res.Item, nil
}

// Dequeue claims the next pending item for the session. A nil item means the
// queue is empty.
func (c *Client) Dequeue(sessionID string) (*WorkItem, error) {
	var res ItemResult
	if err := c.Call("queue.dequeue", DequeueParams{SessionID: sessionID}, &res); err != nil {
		return nil, err
	}
	return res.Item, nil
}

// ItemStatus fetches a single work item by id.
func (c *Client) ItemStatus(id string) (*WorkItem, error) {
	var res ItemResult
	if err := c.Call("queue.status", StatusParams{ID: id}, &res); err != nil {
		return nil, err
	}
	return res.Item, nil
}

// List returns items filtered by state, in dequeue order.
func (c *Client) List(states ...string) ([]WorkItem, error) {
	var res ItemsResult
	if err := c.Call("queue.list", ListParams{States: states}, &res); err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Health returns aggregated queue counts.
func (c *Client) Health() (*HealthResult, error) {
	var res HealthResult
	if err := c.Call("queue.health", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Clear removes items in the given non-active states and reports the count.
func (c *Client) Clear(states ...string) (int64, error) {
	var res ClearResult
	if err := c.Call("queue.clear", ClearParams{States: states}, &res); err != nil {
		return 0, err
	}
	return res.Removed, nil
}

// ClearCompleted removes all completed items.
func (c *Client) ClearCompleted() (int64, error) {
	var res ClearResult
	if err := c.Call("queue.clear_completed", nil, &res); err != nil {
		return 0, err
	}
	return res.Removed, nil
}

// ClearFailed removes all failed items.
func (c *Client) ClearFailed() (int64, error) {
	var res ClearResult
	if err := c.Call("queue.clear_failed", nil, &res); err != nil {
		return 0, err
	}
	return res.Removed, nil
}

// Register creates a session; pass an empty id to let the daemon assign one.
func (c *Client) Register(sessionID string) (*SessionInfo, error) {
	var res SessionResult
	if err := c.Call("session.register", RegisterParams{SessionID: sessionID}, &res); err != nil {
		return nil, err
	}
	return &res.Session, nil
}

// Heartbeat refreshes a session's liveness timestamp.
func (c *Client) Heartbeat(sessionID string) (*SessionInfo, error) {
	var res SessionResult
	if err := c.Call("session.heartbeat", HeartbeatParams{SessionID: sessionID}, &res); err != nil {
		return nil, err
	}
	return &res.Session, nil
}

// Complete reports the outcome of the item a session holds.
func (c *Client) Complete(sessionID, itemID, result string, success bool) (*WorkItem, error) {
	var res ItemResult
	params := CompleteParams{SessionID: sessionID, ItemID: itemID, Result: result, Success: success}
	if err := c.Call("session.complete", params, &res); err != nil {
		return nil, err
	}
	return res.Item, nil
}

// Session fetches one session by id.
func (c *Client) Session(sessionID string) (*SessionInfo, error) {
	var res SessionResult
	if err := c.Call("session.get", SessionParams{SessionID: sessionID}, &res); err != nil {
		return nil, err
	}
	return &res.Session, nil
}

// Sessions lists all sessions ordered by id.
func (c *Client) Sessions() ([]SessionInfo, error) {
	var res SessionsResult
	if err := c.Call("session.list", nil, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

// DaemonStatus returns daemon runtime information. It doubles as the
// readiness probe used when waiting for a freshly launched daemon.
func (c *Client) DaemonStatus() (*DaemonStatusResult, error) {
	var res DaemonStatusResult
	if err := c.Call("daemon.status", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
