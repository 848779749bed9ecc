package apdu

import (
	"bytes"
	"testing"
)

func TestChannelRequestResponseRoundTrip(t *testing.T) {
	c := New(16)

	if c.State() != Idle {
		t.Fatalf("got state %v, want Idle", c.State())
	}

	if err := c.BeginRequest(); err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}
	if err := c.AppendRequest([]byte{1, 2, 3}); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	if err := c.AppendRequest([]byte{4, 5}); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	if err := c.SendRequest(); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if c.State() != Processing {
		t.Fatalf("got state %v, want Processing", c.State())
	}

	req, ok := c.TakeRequest()
	if !ok {
		t.Fatalf("TakeRequest: not ok")
	}
	if !bytes.Equal(req, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("got request % x, want % x", req, []byte{1, 2, 3, 4, 5})
	}

	if err := c.Respond([]byte{0x90, 0x00}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if c.State() != Responded {
		t.Fatalf("got state %v, want Responded", c.State())
	}

	resp, err := c.TakeResponse()
	if err != nil {
		t.Fatalf("TakeResponse: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x90, 0x00}) {
		t.Fatalf("got response % x, want % x", resp, []byte{0x90, 0x00})
	}
	if c.State() != Idle {
		t.Fatalf("got state %v after TakeResponse, want Idle", c.State())
	}
}

func TestChannelAppendRequestWithoutBegin(t *testing.T) {
	c := New(16)

	if err := c.AppendRequest([]byte{1}); err != ErrBusy {
		t.Fatalf("got err %v, want ErrBusy", err)
	}
}

func TestChannelBeginRequestWhileBusy(t *testing.T) {
	c := New(16)

	if err := c.BeginRequest(); err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}
	if err := c.BeginRequest(); err != ErrBusy {
		t.Fatalf("got err %v, want ErrBusy", err)
	}
}

func TestChannelAppendRequestOverflow(t *testing.T) {
	c := New(4)

	if err := c.BeginRequest(); err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}
	if err := c.AppendRequest([]byte{1, 2, 3}); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	if err := c.AppendRequest([]byte{4, 5}); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestChannelCancelIsIdempotentFromAnyState(t *testing.T) {
	c := New(16)

	c.Cancel()
	if c.State() != Idle {
		t.Fatalf("got state %v, want Idle", c.State())
	}

	c.BeginRequest()
	c.AppendRequest([]byte{1})
	c.SendRequest()
	c.Respond([]byte{2})

	c.Cancel()
	if c.State() != Idle {
		t.Fatalf("got state %v, want Idle", c.State())
	}
	if _, err := c.TakeResponse(); err != ErrNoResponse {
		t.Fatalf("got err %v, want ErrNoResponse", err)
	}
}

func TestChannelTakeRequestRequiresProcessing(t *testing.T) {
	c := New(16)

	if _, ok := c.TakeRequest(); ok {
		t.Fatalf("expected TakeRequest to fail while Idle")
	}
}
