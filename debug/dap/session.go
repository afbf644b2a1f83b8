package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/go-dap"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

// Dial connects to a Delve DAP server at addr and runs the attach
// handshake. The returned Conn is ready to be handed to a session.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(timeoutCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DAP server: %w", err)
	}

	c := NewConn(nc, addr, opts)
	if err := c.Handshake(ctx, opts.AttachArgs); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Handshake initializes the adapter, attaches to the debuggee and ends
// the configuration phase.
func (c *Conn) Handshake(ctx context.Context, attachArgs map[string]interface{}) error {
	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize debug adapter: %w", err)
	}
	if attachArgs == nil {
		attachArgs = map[string]interface{}{"mode": "remote"}
	}
	if err := c.Attach(ctx, attachArgs); err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}
	select {
	case <-c.initialized:
	case <-time.After(c.requestTimeout()):
		c.logger.Warnf("%s: no initialized event, configuring anyway", c.name)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.ConfigurationDone(ctx); err != nil {
		return fmt.Errorf("failed to finish configuration: %w", err)
	}
	return nil
}

// Initialize sends the initialize request and records what the adapter
// supports.
func (c *Conn) Initialize(ctx context.Context) error {
	resp, err := c.send(ctx, &dap.InitializeRequest{
		Request: newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "dlv-pump",
			ClientName:      "dlv-pump",
			AdapterID:       "go",
			PathFormat:      "path",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
		},
	})
	if err != nil {
		return err
	}
	initResp, ok := resp.(*dap.InitializeResponse)
	if !ok {
		return remote.Errorf(remote.ErrMismatch, "initialize", fmt.Errorf("unexpected response %T", resp))
	}
	c.mu.Lock()
	c.caps = remote.Capabilities{
		ConditionalBreaks: initResp.Body.SupportsConditionalBreakpoints,
		TerminateDebuggee: initResp.Body.SupportsTerminateRequest,
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) Attach(ctx context.Context, args map[string]interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal attach arguments: %w", err)
	}
	_, err = c.send(ctx, &dap.AttachRequest{
		Request:   newRequest("attach"),
		Arguments: json.RawMessage(raw),
	})
	return err
}

func (c *Conn) ConfigurationDone(ctx context.Context) error {
	_, err := c.send(ctx, &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")})
	return err
}
