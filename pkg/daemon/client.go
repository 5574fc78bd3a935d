package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a synchronous client for the daemon socket protocol. It is
// safe for concurrent use; requests are serialized over one connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *Encoder
	dec  *Decoder
}

// Dial connects to the daemon socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w", socketPath, err)
	}
	return &Client{
		conn: conn,
		enc:  NewEncoder(conn),
		dec:  NewDecoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call sends one request and decodes the response payload into result.
func (c *Client) call(ctx context.Context, op Op, params, result any) error {
	payload, err := EncodePayload(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	req := &Request{ID: uuid.NewString(), Op: op, Payload: payload}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.enc.Encode(req); err != nil {
		return err
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return err
	}
	if resp.ID != req.ID {
		return fmt.Errorf("response id %s does not match request id %s", resp.ID, req.ID)
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if result != nil {
		if err := DecodePayload(resp.Payload, result); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// Start creates and activates a new environment.
func (c *Client) Start(ctx context.Context, params StartParams) (*StartResult, error) {
	var result StartResult
	if err := c.call(ctx, OpStart, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Kill deactivates an environment.
func (c *Client) Kill(ctx context.Context, params KillParams) (*KillResult, error) {
	var result KillResult
	if err := c.call(ctx, OpKill, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Sync converges an environment on a requirement set.
func (c *Client) Sync(ctx context.Context, params SyncParams) (*SyncResult, error) {
	var result SyncResult
	if err := c.call(ctx, OpSync, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Check compares the stored snapshot against the live environment.
func (c *Client) Check(ctx context.Context, params CheckParams) (*CheckResult, error) {
	var result CheckResult
	if err := c.call(ctx, OpCheck, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Save exports an environment snapshot to a file.
func (c *Client) Save(ctx context.Context, params SaveParams) (*SaveResult, error) {
	var result SaveResult
	if err := c.call(ctx, OpSave, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Load restores an environment from a saved snapshot file.
func (c *Client) Load(ctx context.Context, params LoadParams) (*SyncResult, error) {
	var result SyncResult
	if err := c.call(ctx, OpLoad, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// History lists an environment's executed transactions, newest first.
func (c *Client) History(ctx context.Context, params HistoryParams) (*HistoryResult, error) {
	var result HistoryResult
	if err := c.call(ctx, OpHistory, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// List returns all environments.
func (c *Client) List(ctx context.Context) (*ListResult, error) {
	var result ListResult
	if err := c.call(ctx, OpList, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status reports daemon health and performance.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := c.call(ctx, OpStatus, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
