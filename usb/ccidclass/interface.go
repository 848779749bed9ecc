package ccidclass

import (
	"fmt"

	"github.com/usbarmory/ccid/ccid"
	"github.com/usbarmory/ccid/usb"
)

// Class-specific control request (CCID Rev1.1 §3.1.3.1).
const (
	requestAbort = 0x01
)

// endpoint addresses within the CCID interface.
const (
	bulkOutAddress  = 0x01
	bulkInAddress   = 0x81
	interruptInAddr = 0x82
)

// NewInterface assembles a single CCID interface around an already
// constructed ccid.Pipe: one bulk-OUT endpoint feeding HandlePacket, one
// bulk-IN endpoint pulling from outBuffer (the same ccid.EndpointBuffer
// passed as pipe's BulkWriter at construction time), one interrupt-IN
// endpoint reserved for RDR_to_PC_NotifySlotChange (unused while this
// device reports a single, permanently present slot — see the Non-goals
// this pipe implementation carries). It sets no Setup handler: the ABORT
// class request handler is built separately by SetupFunction.
func NewInterface(pipe *ccid.Pipe, outBuffer *ccid.EndpointBuffer, interruptIn usb.EndpointFunction) *usb.InterfaceDescriptor {
	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.NumEndpoints = 3
	iface.InterfaceClass = SmartCardDeviceClass
	iface.InterfaceSubClass = 0x00
	iface.InterfaceProtocol = 0x00

	desc := &CCIDDescriptor{}
	desc.SetDefaults()
	iface.ClassDescriptors = append(iface.ClassDescriptors, desc.Bytes())

	out := &usb.EndpointDescriptor{}
	out.SetDefaults()
	out.EndpointAddress = bulkOutAddress
	out.Attributes = usb.BULK
	out.MaxPacketSize = ccid.PacketSize
	out.Function = pipe.BulkOutFunction()

	in := &usb.EndpointDescriptor{}
	in.SetDefaults()
	in.EndpointAddress = bulkInAddress
	in.Attributes = usb.BULK
	in.MaxPacketSize = ccid.PacketSize
	// Pipe.MaybeSendPacket already stages a trailing zero-length packet
	// itself whenever a response chunk fills a whole USB packet, so the
	// driver's own automatic ZLP termination must stay off here.
	in.Zero = false
	in.Function = func(buf []byte, lastErr error) ([]byte, error) {
		data, ok := outBuffer.Take()
		if !ok {
			return nil, nil
		}
		return data, nil
	}

	irq := &usb.EndpointDescriptor{}
	irq.SetDefaults()
	irq.EndpointAddress = interruptInAddr
	irq.Attributes = usb.INTERRUPT
	irq.MaxPacketSize = 8
	irq.Interval = 16
	irq.Function = interruptIn

	iface.Endpoints = append(iface.Endpoints, out, in, irq)

	return iface
}

// SetupFunction answers the CCID ABORT class request by feeding the
// control-pipe half of the abort rendezvous (ccid.Pipe.ExpectAbort). Per
// §6, a request naming any slot but 0 stalls the control pipe rather than
// being forwarded — unlike the bulk-side permissiveness toward a non-zero
// bSlot (spec.md §9, Open Questions), the control ABORT request is the one
// place the spec requires an explicit rejection. Everything else is left to
// the standard setup handler.
func SetupFunction(pipe *ccid.Pipe) usb.SetupFunction {
	return func(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
		// ABORT is a class request to the interface, host to device
		// (bmRequestType 0x21); a standard request sharing bRequest 0x01
		// (CLEAR_FEATURE) must fall through.
		if setup.RequestType != 0x21 || setup.Request != requestAbort {
			return nil, false, false, nil
		}

		slot := byte(setup.Value & 0xff)
		seq := byte(setup.Value >> 8)

		if slot != 0 {
			return nil, false, true, fmt.Errorf("ccidclass: abort for unsupported slot %d", slot)
		}

		pipe.ExpectAbort(slot, seq)

		return nil, true, true, nil
	}
}
