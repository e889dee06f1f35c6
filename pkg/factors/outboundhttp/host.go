package outboundhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/spindle-run/spindle/pkg/engine"
)

const hostModule = "spin_http"

// Guest-visible error codes.
const (
	codeOK                    uint32 = 0
	codeInvalidURL            uint32 = 1
	codeDestinationNotAllowed uint32 = 2
	codeRequestError          uint32 = 3
	codeRuntimeError          uint32 = 4
	codeTooManyRequests       uint32 = 5
)

// requestError is a guest-visible outbound HTTP failure.
type requestError struct {
	code   uint32
	detail string
}

func (e *requestError) Error() string { return fmt.Sprintf("http error %d: %s", e.code, e.detail) }

func writeRequestError(ctx context.Context, mod api.Module, retPtr uint32, e *requestError) {
	_ = engine.WriteError(ctx, mod, retPtr, e.code, e.detail)
}

// guestRequest is the JSON request envelope guests pass to send_request.
// Body bytes travel base64-encoded per encoding/json.
type guestRequest struct {
	Method  string      `json:"method"`
	URI     string      `json:"uri"`
	Headers [][2]string `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// guestResponse is the buffered JSON response envelope.
type guestResponse struct {
	Status  int         `json:"status"`
	Headers [][2]string `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// streamingResponse is the envelope for send_request_streaming; body bytes
// follow through read_body.
type streamingResponse struct {
	Handle  uint32      `json:"handle"`
	Status  int         `json:"status"`
	Headers [][2]string `json:"headers,omitempty"`
}

func registerHost(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().WithFunc(hostSendRequest).Export("send_request")
	b.NewFunctionBuilder().WithFunc(hostSendRequestStreaming).Export("send_request_streaming")
	b.NewFunctionBuilder().WithFunc(hostReadBody).Export("read_body")
	b.NewFunctionBuilder().WithFunc(hostCloseResponse).Export("close_response")
}

func headerPairs(h http.Header) [][2]string {
	var pairs [][2]string
	for key, values := range h {
		for _, value := range values {
			pairs = append(pairs, [2]string{key, value})
		}
	}
	return pairs
}

// hostSendRequest performs a buffered request/response exchange.
func hostSendRequest(ctx context.Context, mod api.Module, reqPtr, reqLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	req, rerr := decodeGuestRequest(ctx, mod, reqPtr, reqLen)
	if rerr != nil {
		writeRequestError(ctx, mod, retPtr, rerr)
		return
	}
	resp, rerr := inst.RoundTrip(ctx, req)
	if rerr != nil {
		writeRequestError(ctx, mod, retPtr, rerr)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRequestError, err.Error())
		return
	}
	payload, err := json.Marshal(guestResponse{
		Status:  resp.StatusCode,
		Headers: headerPairs(resp.Header),
		Body:    body,
	})
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

// hostSendRequestStreaming starts a request and returns a response handle;
// the body is consumed through read_body.
func hostSendRequestStreaming(ctx context.Context, mod api.Module, reqPtr, reqLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	req, rerr := decodeGuestRequest(ctx, mod, reqPtr, reqLen)
	if rerr != nil {
		writeRequestError(ctx, mod, retPtr, rerr)
		return
	}
	resp, rerr := inst.RoundTrip(ctx, req)
	if rerr != nil {
		writeRequestError(ctx, mod, retPtr, rerr)
		return
	}
	handle, rerr := inst.trackResponse(resp)
	if rerr != nil {
		_ = resp.Body.Close()
		writeRequestError(ctx, mod, retPtr, rerr)
		return
	}
	payload, err := json.Marshal(streamingResponse{
		Handle:  handle,
		Status:  resp.StatusCode,
		Headers: headerPairs(resp.Header),
	})
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, payload)
}

// hostReadBody reads up to maxLen body bytes; an empty success payload
// signals end of stream.
func hostReadBody(ctx context.Context, mod api.Module, handle, maxLen, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	resp, rerr := inst.response(handle)
	if rerr != nil {
		writeRequestError(ctx, mod, retPtr, rerr)
		return
	}
	if maxLen == 0 || maxLen > 1<<20 {
		maxLen = 1 << 20
	}
	buf := make([]byte, maxLen)
	n, err := resp.Body.Read(buf)
	if n == 0 && err == io.EOF {
		_ = engine.WriteOK(ctx, mod, retPtr, nil)
		return
	}
	if err != nil && err != io.EOF {
		_ = engine.WriteError(ctx, mod, retPtr, codeRequestError, err.Error())
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, buf[:n])
}

func hostCloseResponse(ctx context.Context, mod api.Module, handle, retPtr uint32) {
	inst, err := instanceFromContext(ctx)
	if err != nil {
		_ = engine.WriteError(ctx, mod, retPtr, codeRuntimeError, err.Error())
		return
	}
	if rerr := inst.dropResponse(handle); rerr != nil {
		writeRequestError(ctx, mod, retPtr, rerr)
		return
	}
	_ = engine.WriteOK(ctx, mod, retPtr, nil)
}

// decodeGuestRequest decodes the envelope. The URI may still be relative;
// RoundTrip resolves and checks it before anything is sent.
func decodeGuestRequest(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) (*http.Request, *requestError) {
	raw, err := engine.ReadBytes(mod, reqPtr, reqLen)
	if err != nil {
		return nil, &requestError{code: codeRuntimeError, detail: err.Error()}
	}
	var greq guestRequest
	if err := json.Unmarshal(raw, &greq); err != nil {
		return nil, &requestError{code: codeRuntimeError, detail: "malformed request: " + err.Error()}
	}
	if greq.Method == "" {
		greq.Method = http.MethodGet
	}

	var body io.Reader
	if len(greq.Body) > 0 {
		body = bytes.NewReader(greq.Body)
	}
	req, err := http.NewRequestWithContext(ctx, greq.Method, greq.URI, body)
	if err != nil {
		return nil, &requestError{code: codeInvalidURL, detail: greq.URI}
	}
	for _, h := range greq.Headers {
		req.Header.Add(h[0], h[1])
	}
	return req, nil
}
