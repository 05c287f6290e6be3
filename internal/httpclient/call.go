// File: internal/httpclient/call.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HttpcCall state machine: Pending -> Active -> Done/Errored/Aborted,
// grounded on original_source/reactor/httpc.rs's HttpcReactor/HttpcCall.

package httpclient

import (
	"time"

	"github.com/momentics/enclavehttp/internal/httpcodec"
)

// CallState enumerates the lifecycle of one outbound call.
type CallState int

const (
	StatePending CallState = iota
	StateActive
	StateDone
	StateErrored
	StateAborted
)

// Request describes one outbound HTTP call to be scheduled.
type Request struct {
	Method  string
	URL     string
	Headers []httpcodec.Header
	Body    []byte
	Timeout time.Duration
}

// Result is what an outbound call resolves to: the parsed response and
// its body, matching spec.md's "Some((response, body))" on success.
type Result struct {
	Response *httpcodec.Response
	Body     []byte
}

// call is the reactor's internal bookkeeping for one scheduled request.
type call struct {
	token      uint64
	req        Request
	state      CallState
	fd         int
	connecting bool
	sendBuf    []byte
	sendOff    int
	recvBuf    []byte
	deadline   time.Time
	future     *Future[*Result]
}
