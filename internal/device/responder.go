package device

import (
	"context"
	"sync"
	"time"
)

// Outcome is the result a peripheral gives to an ATT read or write request.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Failure reasons carried in Response.Reason. Stacks translate them to ATT error codes.
const (
	ReasonInvalidOffset   = "invalid offset"
	ReasonNotPermitted    = "not permitted"
	ReasonUnknownHandle   = "unknown characteristic"
	ReasonMalformedPacket = "malformed packet"
	ReasonTimeout         = "no response"
	ReasonUnlikely        = "unlikely error"
)

// Response is the answer to a ReadRequest or WriteRequest.
type Response struct {
	Outcome Outcome
	Value   []byte // read payload; ignored for writes
	Reason  string // set on Failure
}

// Responder carries exactly one Response from the request handler back to
// the stack. Later responses are ignored.
type Responder struct {
	once sync.Once
	ch   chan Response
}

// NewResponder creates a responder awaiting its single response.
func NewResponder() *Responder {
	return &Responder{ch: make(chan Response, 1)}
}

// Respond delivers resp if no response has been given yet and reports whether it did.
func (r *Responder) Respond(resp Response) bool {
	sent := false
	r.once.Do(func() {
		r.ch <- resp
		close(r.ch)
		sent = true
	})
	return sent
}

// Succeed responds with Success and value.
func (r *Responder) Succeed(value []byte) bool {
	return r.Respond(Response{Outcome: Success, Value: value})
}

// Fail responds with Failure and reason.
func (r *Responder) Fail(reason string) bool {
	return r.Respond(Response{Outcome: Failure, Reason: reason})
}

// Wait blocks until the handler responds, ctx ends, or timeout elapses.
// Without a response it claims the responder itself and returns a Failure,
// so a late handler response is dropped.
func (r *Responder) Wait(ctx context.Context, timeout time.Duration) Response {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-r.ch:
		return resp
	case <-ctx.Done():
	case <-timer.C:
	}

	if r.Fail(ReasonTimeout) {
		return Response{Outcome: Failure, Reason: ReasonTimeout}
	}
	// the handler won the race
	return <-r.ch
}
