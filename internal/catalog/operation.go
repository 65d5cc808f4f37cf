package catalog

import (
	"encoding/json"
	"strings"

	"github.com/kestrelvm/kestrel/internal/hyperr"
	"github.com/kestrelvm/kestrel/internal/wire"
)

// Empty marks an Operation's request or response type as having no JSON
// body: an Empty request serializes to zero bytes (Content-Length: 0, no
// body); an Empty response means the caller only cares that the call
// succeeded.
type Empty struct{}

// Operation pairs a VMM endpoint's method and path template with the Go
// types of its request and response bodies. A single generic type covers
// every endpoint; the package-level table in endpoints.go is the catalog.
type Operation[Req any, Resp any] struct {
	Method wire.Method
	Path   string // may contain a "{id}" placeholder, resolved via WithID
}

// WithID returns a copy of op with "{id}" in the path template replaced
// by id, for endpoints keyed by drive ID or network interface ID.
func (op Operation[Req, Resp]) WithID(id string) Operation[Req, Resp] {
	cp := op
	cp.Path = strings.Replace(cp.Path, "{id}", id, 1)
	return cp
}

// Encode produces the method, resolved path, and serialized JSON body
// for req.
func (op Operation[Req, Resp]) Encode(req Req) (wire.Method, string, []byte, error) {
	if _, empty := any(req).(Empty); empty {
		return op.Method, op.Path, nil, nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", "", nil, hyperr.Wrap(hyperr.KindValidation, err, "encode request body for %s %s", op.Method, op.Path)
	}
	return op.Method, op.Path, body, nil
}

// Decode parses resp into either the operation's success payload or a
// structured Fault. A non-success
// status yields a *hyperr.Error of KindProtocolFault carrying the
// fault_message verbatim, unless the fault body is not valid JSON, in
// which case it yields KindRequest with SubMalformedResponse.
func (op Operation[Req, Resp]) Decode(resp *wire.Response) (Resp, error) {
	var zero Resp

	if !resp.Success() {
		var fault Fault
		if len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, &fault); err != nil {
				return zero, hyperr.Wrap(hyperr.KindRequest, err, "decode fault body").WithSub(hyperr.SubMalformedResponse)
			}
		}
		return zero, hyperr.New(hyperr.KindProtocolFault, "%s", fault.FaultMessage)
	}

	if _, empty := any(zero).(Empty); empty || len(resp.Body) == 0 {
		return zero, nil
	}

	if err := json.Unmarshal(resp.Body, &zero); err != nil {
		return zero, hyperr.Wrap(hyperr.KindRequest, err, "decode response body").WithSub(hyperr.SubMalformedResponse)
	}
	return zero, nil
}
