package wire

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/kestrelvm/kestrel/internal/hyperr"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name   string
		method Method
		path   string
		body   []byte
		want   string
	}{
		{
			name:   "empty body",
			method: MethodGet,
			path:   "/version",
			body:   nil,
			want:   "GET /version HTTP/1.1\r\nContent-Length: 0\r\nContent-Type: application/json\r\nAccept: application/json\r\n\r\n",
		},
		{
			name:   "put with body",
			method: MethodPut,
			path:   "/boot-source",
			body:   []byte(`{"kernel_image_path":"/img/vmlinux"}`),
			want:   "PUT /boot-source HTTP/1.1\r\nContent-Length: 36\r\nContent-Type: application/json\r\nAccept: application/json\r\n\r\n{\"kernel_image_path\":\"/img/vmlinux\"}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := EncodeRequest(&buf, tt.method, tt.path, tt.body); err != nil {
				t.Fatalf("EncodeRequest: %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseResponseSuccess(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 14\r\nContent-Type: application/json\r\n\r\n{\"state\":\"ok\"}"
	r := bufio.NewReader(strings.NewReader(raw))

	resp, err := ParseResponse(r)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if !resp.Success() {
		t.Errorf("Success() = false, want true for status %d", resp.StatusCode)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"state":"ok"}` {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestParseResponseNoContent(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	resp, err := ParseResponse(r)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if !resp.Success() {
		t.Errorf("Success() = false, want true for 204")
	}
	if len(resp.Body) != 0 {
		t.Errorf("Body = %q, want empty", resp.Body)
	}
}

func TestParseResponseFault(t *testing.T) {
	fault := `{"fault_message":"machine config not set"}`
	raw := "HTTP/1.1 400 Bad Request\r\nContent-Length: " + strconv.Itoa(len(fault)) + "\r\n\r\n" + fault
	r := bufio.NewReader(strings.NewReader(raw))

	resp, err := ParseResponse(r)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Success() {
		t.Errorf("Success() = true, want false for status 400")
	}
	if string(resp.Body) != fault {
		t.Errorf("Body = %q, want %q", resp.Body, fault)
	}
}

func TestParseResponseMissingContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := ParseResponse(r)
	if err == nil {
		t.Fatal("expected error for missing Content-Length")
	}
	kind, ok := hyperr.KindOf(err)
	if !ok || kind != hyperr.KindRequest {
		t.Errorf("KindOf(err) = %v, %v; want KindRequest, true", kind, ok)
	}
}

func TestParseResponseTruncatedBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 20\r\n\r\nshort"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := ParseResponse(r)
	if err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestParseResponseNoStatusLine(t *testing.T) {
	raw := "not an http response at all"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := ParseResponse(r)
	if err == nil {
		t.Fatal("expected error when no HTTP/ line is present")
	}
}
