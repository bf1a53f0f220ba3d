package carddav

import (
	"io"
	"net/http"
	"strings"
)

type httpResponse = http.Response

// scriptedDoer replays a fixed sequence of responses, one per call,
// regardless of the request that triggered it. Tests build the sequence to
// match the exchange they want to exercise.
type scriptedDoer struct {
	responses []*http.Response
	requests  []*http.Request
	calls     int
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	if d.calls >= len(d.responses) {
		return nil, io.ErrUnexpectedEOF
	}
	resp := d.responses[d.calls]
	d.calls++
	return resp, nil
}

func textResponse(status int, body string, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
