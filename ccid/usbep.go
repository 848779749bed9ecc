package ccid

import "sync"

// BulkOutFunction returns an adapter matching usb.EndpointFunction for the
// CCID bulk-OUT endpoint: every packet the host sends is fed straight into
// HandlePacket, and the endpoint never has anything of its own to return.
//
// The return type is left as a plain func signature (rather than importing
// usb.EndpointFunction) so this package stays free of any dependency on the
// descriptor/transport layer; usb/ccidclass assigns it directly, since a Go
// func value satisfies an identically-shaped named function type without a
// conversion.
func (p *Pipe) BulkOutFunction() func(buf []byte, lastErr error) (res []byte, err error) {
	return func(buf []byte, lastErr error) ([]byte, error) {
		if lastErr != nil {
			p.resetState()
			return nil, nil
		}

		p.HandlePacket(buf)
		return nil, nil
	}
}

// EndpointBuffer is a one-packet handoff bridging Pipe's push-style
// BulkWriter (MaybeSendPacket calls WriteBulkIn as soon as a response chunk
// is ready) to a driver that instead pulls the next chunk to transmit on
// each poll, the convention tamago's own EndpointFunction uses on IN
// endpoints. usb/ccidclass wires one of these as a Pipe's BulkWriter and
// drains it from the bulk-IN EndpointFunction it builds.
type EndpointBuffer struct {
	mu     sync.Mutex
	packet [PacketSize]byte
	len    int
	has    bool
}

// WriteBulkIn implements BulkWriter. It fails with ErrWouldBlock if the
// previous packet has not yet been drained by Take.
func (b *EndpointBuffer) WriteBulkIn(packet []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.has {
		return 0, ErrWouldBlock
	}

	b.len = copy(b.packet[:], packet)
	b.has = true

	return b.len, nil
}

// Take drains the staged packet, if any.
func (b *EndpointBuffer) Take() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.has {
		return nil, false
	}

	b.has = false
	return b.packet[:b.len], true
}
