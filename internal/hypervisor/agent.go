package hypervisor

import (
	"bufio"
	"net"
	"time"

	"github.com/kestrelvm/kestrel/internal/catalog"
	"github.com/kestrelvm/kestrel/internal/wire"
)

// agent is the Driver's bound connection to the VMM's control socket:
// one persistent net.Conn plus the buffered reader used to parse
// responses off it. Exactly one Driver owns an agent at a time.
type agent struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

func dialAgent(sockPath string, timeout time.Duration) (*agent, error) {
	conn, err := net.DialTimeout("unix", sockPath, timeout)
	if err != nil {
		return nil, err
	}
	return &agent{conn: conn, reader: bufio.NewReader(conn), timeout: timeout}, nil
}

func (a *agent) close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// sendOperation is the one place a request is written and its response
// parsed; every Driver method funnels through it. Declared as a free
// function (not a method) because Go methods cannot carry additional
// type parameters beyond the receiver's.
func sendOperation[Req any, Resp any](a *agent, op catalog.Operation[Req, Resp], req Req) (Resp, error) {
	var zero Resp

	method, path, body, err := op.Encode(req)
	if err != nil {
		return zero, err
	}

	if a.timeout > 0 {
		_ = a.conn.SetDeadline(time.Now().Add(a.timeout))
	}

	if err := wire.EncodeRequest(a.conn, method, path, body); err != nil {
		return zero, err
	}

	resp, err := wire.ParseResponse(a.reader)
	if err != nil {
		return zero, err
	}

	return op.Decode(resp)
}
