package debug

import (
	"context"
	"fmt"
	"time"

	"github.com/xhd2015/dlv-pump/debug/dap"
	"github.com/xhd2015/dlv-pump/debug/headless"
	"github.com/xhd2015/dlv-pump/debug/remote"
	"github.com/xhd2015/dlv-pump/log"
)

// Transport names accepted by Dial.
const (
	TransportDAP      = "dap"
	TransportHeadless = "headless"
)

// DialOptions configures the connection to a Delve server.
type DialOptions struct {
	Logger         log.Logger
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Dial connects to a Delve server at addr over the named transport.
func Dial(ctx context.Context, transport string, addr string, opts DialOptions) (remote.VM, error) {
	switch transport {
	case TransportDAP:
		return dap.Dial(ctx, addr, dap.Options{
			Logger:         opts.Logger,
			DialTimeout:    opts.DialTimeout,
			RequestTimeout: opts.RequestTimeout,
		})
	case TransportHeadless:
		return headless.Dial(ctx, addr, headless.Options{
			Logger:         opts.Logger,
			DialTimeout:    opts.DialTimeout,
			RequestTimeout: opts.RequestTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported transport: %s", transport)
	}
}
