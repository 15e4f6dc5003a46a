// Package ws provides a WebSocket client for the taskherd gateway.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/taskherd/taskherd/internal/gateway/ws"
)

// Client is a WebSocket client for the taskherd gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// call sends a request frame and blocks until the matching response arrives.
// Event frames received while waiting are discarded.
func (c *Client) call(method wsprotocol.Method, params any) (json.RawMessage, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     id,
		Method: string(method),
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		frame.Params = data
	}

	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("ws write: %w", err)
	}

	for {
		_, raw, err := c.conn.Read(c.ctx)
		if err != nil {
			return nil, fmt.Errorf("ws read: %w", err)
		}
		f, err := wsprotocol.UnmarshalFrame(raw)
		if err != nil || f.Type != wsprotocol.FrameTypeResponse || f.ID != id {
			continue
		}
		if f.OK != nil && !*f.OK {
			return nil, fmt.Errorf("%s: %s", method, f.Error)
		}
		return f.Payload, nil
	}
}

// LaunchTask launches a task and blocks until it is admitted or refused.
func (c *Client) LaunchTask(p wsprotocol.LaunchParams) (json.RawMessage, error) {
	return c.call(wsprotocol.MethodLaunchTask, p)
}

// CheckTask returns the current state of a task.
func (c *Client) CheckTask(taskID string) (json.RawMessage, error) {
	return c.call(wsprotocol.MethodCheckTask, map[string]string{"task_id": taskID})
}

// CancelTask cancels a running or queued task.
func (c *Client) CancelTask(taskID, reason string) error {
	_, err := c.call(wsprotocol.MethodCancelTask, map[string]string{"task_id": taskID, "reason": reason})
	return err
}

// ListTasks lists tasks, optionally filtered by parent session.
func (c *Client) ListTasks(parentSessionID string) (json.RawMessage, error) {
	return c.call(wsprotocol.MethodListTasks, map[string]string{"parent_session_id": parentSessionID})
}

// ResumeTask resumes a finished or stale task session.
func (c *Client) ResumeTask(p wsprotocol.ResumeParams) (json.RawMessage, error) {
	return c.call(wsprotocol.MethodResumeTask, p)
}

// ResumeContext returns the stored resume context for a task session.
func (c *Client) ResumeContext(sessionID string) (json.RawMessage, error) {
	return c.call(wsprotocol.MethodResumeContext, map[string]string{"session_id": sessionID})
}

// DrainNotifications consumes pending notifications for a parent session.
func (c *Client) DrainNotifications(sessionID string) (json.RawMessage, error) {
	return c.call(wsprotocol.MethodDrainNotifications, map[string]string{"session_id": sessionID})
}

// ReadFrame reads the next frame from the connection. Useful for streaming
// event frames after subscribing.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
