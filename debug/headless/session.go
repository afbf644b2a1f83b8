package headless

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
)

// Dial connects to a Delve headless server (--headless --api-version=2)
// and runs the handshake.
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
		return nil, fmt.Errorf("failed to connect to headless server: %w", err)
	}

	c := NewConn(nc, addr, opts)
	if err := c.Handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Handshake selects API version 2 and learns whether the debuggee is
// running. Stops of a debuggee that was already running when attached
// are only seen after it is halted and resumed through this Conn.
func (c *Conn) Handshake(ctx context.Context) error {
	var versionOut api.SetAPIVersionOut
	if err := c.call(ctx, RPCSetAPIVersion, api.SetAPIVersionIn{APIVersion: 2}, &versionOut); err != nil {
		return fmt.Errorf("failed to set API version: %w", err)
	}
	var stateOut rpc2.StateOut
	if err := c.call(ctx, RPCState, rpc2.StateIn{NonBlocking: true}, &stateOut); err != nil {
		return fmt.Errorf("failed to get debugger state: %w", err)
	}
	if stateOut.State != nil {
		c.mu.Lock()
		c.selectFrom(stateOut.State)
		c.mu.Unlock()
		if stateOut.State.Running {
			c.logger.Warnf("%s: debuggee is running, stops are reported after the next halt", c.name)
		}
	}
	return nil
}
