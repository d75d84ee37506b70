package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialFunc opens a connection to addr
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// ParentChecker reports whether the parent agent's gRPC listener accepts
// connections. A node whose cluster is gone keeps running its last plan, so
// this only affects readiness.
type ParentChecker struct {
	parent string
	addr   string
	dial   DialFunc
}

// NewParentChecker checks parent at addr with a plain TCP dial
func NewParentChecker(parent, addr string) *ParentChecker {
	return &ParentChecker{parent: parent, addr: addr, dial: tcpDial}
}

// WithDialer replaces the dial used for each check
func (c *ParentChecker) WithDialer(dial DialFunc) *ParentChecker {
	c.dial = dial
	return c
}

func (c *ParentChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res := Result{CheckedAt: start}

	conn, err := c.dial(ctx, c.addr)
	res.Duration = time.Since(start)
	if err != nil {
		res.Message = fmt.Sprintf("parent %s at %s: %v", c.name(), c.addr, err)
		return res
	}
	_ = conn.Close()

	res.Healthy = true
	res.Message = fmt.Sprintf("parent %s at %s", c.name(), c.addr)
	return res
}

func (c *ParentChecker) name() string {
	if c.parent == "" {
		return "(unnamed)"
	}
	return c.parent
}

func tcpDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
