package hypervisor

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/kestrelvm/kestrel/internal/catalog"
)

// fakeVMM is an in-process stand-in for the VMM's HTTP/JSON control
// API: it listens on a Unix socket, tracks a tiny slice of state
// (instance state, balloon config, machine config), and answers the
// subset of endpoints the Driver exercises. It never spawns a process —
// tests that need Driver.Start() call it directly against the socket
// path, bypassing process.Supervisor's exec.
type fakeVMM struct {
	mu sync.Mutex

	ln net.Listener

	instanceState catalog.InstanceState
	balloon       catalog.Balloon
	machineConfig catalog.MachineConfiguration
}

func startFakeVMM(t *testing.T, sockPath string) *fakeVMM {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeVMM{ln: ln, instanceState: catalog.InstanceStateNotStarted}
	t.Cleanup(func() { ln.Close() })

	go f.serve(t)
	return f
}

func (f *fakeVMM) serve(t *testing.T) {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handleConn(t, conn)
	}
}

func (f *fakeVMM) handleConn(t *testing.T, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		method, path, body, err := readRequest(r)
		if err != nil {
			return
		}
		status, respBody := f.dispatch(method, path, body)
		writeResponse(conn, status, respBody)
	}
}

// readRequest parses one request using the same framing rules the
// Driver's codec writes, but independently implemented so the test
// double isn't just calling the production parser on itself.
func readRequest(r *bufio.Reader) (method, path string, body []byte, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", "", nil, err
	}
	var proto string
	n, scanErr := fmtSscan(line, &method, &path, &proto)
	if scanErr != nil || n < 2 {
		return "", "", nil, scanErr
	}

	contentLength := 0
	for {
		hline, err := r.ReadString('\n')
		if err != nil {
			return "", "", nil, err
		}
		trimmed := trimCRLF(hline)
		if trimmed == "" {
			break
		}
		if n, ok := parseContentLength(trimmed); ok {
			contentLength = n
		}
	}

	body = make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := readFullReader(r, body); err != nil {
			return "", "", nil, err
		}
	}
	return method, path, body, nil
}

func (f *fakeVMM) dispatch(method, path string, body []byte) (int, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case method == "GET" && path == "/version":
		return 200, mustJSON(catalog.FirecrackerVersion{FirecrackerVersion: "1.7.0-fake"})

	case method == "GET" && path == "/":
		return 200, mustJSON(catalog.InstanceInfo{ID: "fake", State: f.instanceState, VmmVersion: "1.7.0-fake"})

	case method == "PUT" && path == "/logger",
		method == "PUT" && path == "/metrics",
		method == "PUT" && path == "/boot-source",
		method == "PUT" && path == "/cpu-config",
		method == "PUT" && path == "/entropy",
		method == "PUT" && path == "/mmds/config",
		method == "PUT" && path == "/mmds":
		return 204, nil

	case method == "PUT" && pathHasPrefix(path, "/drives/"):
		return 204, nil
	case method == "PUT" && pathHasPrefix(path, "/network-interfaces/"):
		return 204, nil
	case method == "PUT" && path == "/vsock":
		return 204, nil

	case method == "PUT" && path == "/machine-config":
		var cfg catalog.MachineConfiguration
		json.Unmarshal(body, &cfg)
		f.machineConfig = cfg
		return 204, nil

	case method == "PUT" && path == "/balloon":
		var b catalog.Balloon
		json.Unmarshal(body, &b)
		f.balloon = b
		return 204, nil
	case method == "PATCH" && path == "/balloon":
		var upd catalog.BalloonUpdate
		json.Unmarshal(body, &upd)
		f.balloon.AmountMib = upd.AmountMib
		return 204, nil
	case method == "GET" && path == "/balloon":
		return 200, mustJSON(f.balloon)

	case method == "PUT" && path == "/actions":
		var action catalog.InstanceActionInfo
		json.Unmarshal(body, &action)
		switch action.ActionType {
		case catalog.ActionInstanceStart:
			f.instanceState = catalog.InstanceStateRunning
		case catalog.ActionSendCtrlAltDel:
			f.instanceState = catalog.InstanceStateNotStarted
		}
		return 204, nil

	case method == "PATCH" && path == "/vm":
		var vm catalog.VM
		json.Unmarshal(body, &vm)
		switch vm.State {
		case catalog.VMStatePaused:
			f.instanceState = catalog.InstanceStatePaused
		case catalog.VMStateResumed:
			f.instanceState = catalog.InstanceStateRunning
		}
		return 204, nil

	case method == "PUT" && path == "/snapshot/create":
		if f.instanceState != catalog.InstanceStatePaused {
			return 400, mustJSON(catalog.Fault{FaultMessage: "snapshot requires Paused state"})
		}
		return 204, nil

	default:
		return 400, mustJSON(catalog.Fault{FaultMessage: "unknown endpoint " + method + " " + path})
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func writeResponse(conn net.Conn, status int, body []byte) {
	reason := "OK"
	if status != 200 {
		reason = "Error"
	}
	if status == 204 {
		reason = "No Content"
	}
	resp := statusLine(status, reason) + "Content-Length: " + itoaLocal(len(body)) + "\r\n\r\n" + string(body)
	conn.Write([]byte(resp))
}

func statusLine(status int, reason string) string {
	return "HTTP/1.1 " + itoaLocal(status) + " " + reason + "\r\n"
}

func itoaLocal(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func parseContentLength(headerLine string) (int, bool) {
	const prefix = "Content-Length:"
	if len(headerLine) <= len(prefix) {
		return 0, false
	}
	if headerLine[:len(prefix)] != prefix {
		return 0, false
	}
	val := headerLine[len(prefix):]
	for len(val) > 0 && val[0] == ' ' {
		val = val[1:]
	}
	n := 0
	for _, c := range val {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func pathHasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func readFullReader(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// fmtSscan is a tiny whitespace-tokenizer standing in for fmt.Sscan,
// written out so this fake implementation doesn't depend on the real
// wire package's parsing helpers.
func fmtSscan(line string, method, path, proto *string) (int, error) {
	fields := splitFields(line)
	if len(fields) < 3 {
		return len(fields), nil
	}
	*method, *path, *proto = fields[0], fields[1], fields[2]
	return 3, nil
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		isSpace := c == ' ' || c == '\t' || c == '\r' || c == '\n'
		if !isSpace && start == -1 {
			start = i
		} else if isSpace && start != -1 {
			fields = append(fields, s[start:i])
			start = -1
		}
	}
	if start != -1 {
		fields = append(fields, s[start:])
	}
	return fields
}
