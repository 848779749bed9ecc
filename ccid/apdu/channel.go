// Package apdu implements the single-producer/single-consumer rendezvous
// the CCID pipe uses to hand an APDU off to the external card-command
// processor and collect its response (see ccid.Pipe, §6 of the device
// spec). It carries no heap allocation: both directions use a fixed
// capacity buffer sized at construction.
package apdu

import (
	"errors"
	"fmt"
	"sync"
)

// State is the rendezvous lifecycle, mirroring the four states the CCID
// pipe polls for.
type State int

const (
	Idle State = iota
	Request
	Processing
	Responded
)

// ErrBusy is returned by BeginRequest/AppendRequest/SendRequest when the
// channel is not in a state that allows the call.
var ErrBusy = errors.New("apdu: channel busy")

// ErrNoResponse is returned by Response/TakeResponse when the channel has
// not yet reached the Responded state.
var ErrNoResponse = errors.New("apdu: no response available")

// Channel is a fixed-capacity byte buffer pair guarding a small state
// machine. The CCID pipe is the sole producer (it calls BeginRequest,
// fills the buffer with one or more AppendRequest calls, then SendRequest);
// the external APDU processor is the sole consumer (it polls State, reads
// the request, and eventually calls Respond). A mutex guards the struct
// because the processor runs outside the pipe's single-threaded call chain
// (see §5 of the device spec).
type Channel struct {
	mu sync.Mutex

	state State

	request    []byte
	requestLen int

	response    []byte
	responseLen int
}

// New creates a channel whose request and response buffers each hold up to
// capacity bytes.
func New(capacity int) *Channel {
	return &Channel{
		request:  make([]byte, capacity),
		response: make([]byte, capacity),
	}
}

// State reports the current rendezvous state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginRequest clears the request buffer and moves the channel to the
// Request state, ready to accumulate payload via AppendRequest. It fails if
// a request is already in flight (Request or Processing) — the caller is
// expected to Cancel first, exactly as reset_interchange does before
// starting a fresh Begins/BeginsAndEnds XfrBlock.
func (c *Channel) BeginRequest() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Request || c.state == Processing {
		return ErrBusy
	}

	c.requestLen = 0
	c.state = Request

	return nil
}

// AppendRequest copies data onto the end of the request buffer. The channel
// must be in the Request state (set by BeginRequest); each chained
// Continues/Ends XfrBlock calls this again without a further BeginRequest.
func (c *Channel) AppendRequest(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Request {
		return ErrBusy
	}

	if c.requestLen+len(data) > len(c.request) {
		return fmt.Errorf("apdu: request of %d bytes exceeds %d byte capacity", c.requestLen+len(data), len(c.request))
	}

	c.requestLen += copy(c.request[c.requestLen:], data)
	return nil
}

// SendRequest commits the filled request buffer, moving the channel to
// Processing so the external processor can observe and consume it.
func (c *Channel) SendRequest() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Request {
		return ErrBusy
	}

	c.state = Processing
	return nil
}

// TakeRequest is called by the processor to retrieve the pending request.
func (c *Channel) TakeRequest() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Processing {
		return nil, false
	}

	return c.request[:c.requestLen], true
}

// Respond is called by the processor once it has produced a reply.
func (c *Channel) Respond(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) > len(c.response) {
		return fmt.Errorf("apdu: response of %d bytes exceeds %d byte capacity", len(data), len(c.response))
	}

	c.responseLen = copy(c.response, data)
	c.state = Responded

	return nil
}

// Response returns the pending response without consuming it.
func (c *Channel) Response() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Responded {
		return nil, ErrNoResponse
	}

	return c.response[:c.responseLen], nil
}

// TakeResponse returns the pending response and returns the channel to
// Idle.
func (c *Channel) TakeResponse() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Responded {
		return nil, ErrNoResponse
	}

	resp := c.response[:c.responseLen]
	c.state = Idle

	return resp, nil
}

// Cancel forcibly returns the channel to Idle, discarding any in-flight
// request or unread response. It is idempotent and safe to call from any
// of the four states.
func (c *Channel) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Idle
	c.requestLen = 0
	c.responseLen = 0
}
