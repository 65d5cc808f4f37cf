// Command vsockping checks that a vsock listener is reachable, either
// through the VMM's host-side UDS bridge (the path configured at
// PUT /vsock) or directly over AF_VSOCK from inside a guest.
//
// Host side:  vsockping -uds /run/kestrel/v.sock -port 9000
// Guest side: vsockping -cid 2 -port 9000
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

func main() {
	udsPath := flag.String("uds", "", "path to the VMM's vsock UDS bridge")
	cid := flag.Uint("cid", 0, "vsock context ID to dial directly (AF_VSOCK)")
	port := flag.Uint("port", 0, "vsock port the listener is bound to")
	timeout := flag.Duration("timeout", 3*time.Second, "dial timeout")
	flag.Parse()

	if *port == 0 || (*udsPath == "" && *cid == 0) {
		fmt.Fprintln(os.Stderr, "usage: vsockping (-uds PATH | -cid N) -port N")
		os.Exit(2)
	}

	start := time.Now()
	var err error
	if *udsPath != "" {
		err = pingUDS(*udsPath, uint32(*port), *timeout)
	} else {
		err = pingVsock(uint32(*cid), uint32(*port))
	}
	if err != nil {
		log.Fatalf("vsockping: %v", err)
	}

	fmt.Printf("reachable in %s\n", time.Since(start).Round(time.Microsecond))
}

// pingUDS dials the VMM's UDS and performs the CONNECT handshake the
// hypervisor uses to bridge host connections onto the guest's vsock:
// send "CONNECT <port>\n", expect "OK <host_port>\n".
func pingUDS(path string, port uint32, timeout time.Duration) error {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return fmt.Errorf("connect to UDS %s: %w", path, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	response, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		return fmt.Errorf("vsock CONNECT failed: %s", response)
	}
	return nil
}

// pingVsock dials an AF_VSOCK listener directly. Useful from inside a
// guest to confirm its agent port, or against the host's CID 2 loopback.
func pingVsock(cid, port uint32) error {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return fmt.Errorf("vsock dial cid=%d port=%d: %w", cid, port, err)
	}
	return conn.Close()
}
