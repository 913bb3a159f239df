package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker is healthy when a connection to Address can be opened. Flink
// RPC and blob ports speak their own protocols, so connecting is all a
// remote probe can verify.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker returns a checker for address with a 5s connect timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return finish(start, false, "connect %s: %v", t.Address, err)
	}
	_ = conn.Close()
	return finish(start, true, "connected to %s", t.Address)
}

func (t *TCPChecker) Type() CheckType { return CheckTypeTCP }

func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
