package ccid

import "fmt"

// reassembler concatenates successive USB bulk-OUT packets belonging to one
// logical CCID message when the declared dwLength exceeds a single USB
// packet's payload capacity. CCID carries no per-packet framing of its own:
// the header's dwLength is the only thing that determines where one message
// ends and the next begins.
type reassembler struct {
	buf     [MaxMsgLength]byte
	len     int
	pending bool // receiving_long: a multi-packet message is in progress
	missing int  // long_packet_missing: payload bytes still expected
}

// ext returns the reassembled message accumulated so far.
func (r *reassembler) ext() []byte {
	return r.buf[:r.len]
}

func (r *reassembler) reset() {
	r.len = 0
	r.pending = false
	r.missing = 0
}

// feed appends one USB packet to the reassembly buffer. It returns the
// completed message and true once a full CCID message has been
// accumulated, or an error if the packet violates the reassembly protocol
// (too short to carry a header, or pushes the message past MaxMsgLength) —
// in both cases the caller must reset all pipe state.
func (r *reassembler) feed(packet []byte) (ext []byte, complete bool, err error) {
	if !r.pending {
		if len(packet) < CCIDHeaderLen {
			return nil, false, ErrShortPacket
		}

		r.len = copy(r.buf[:], packet)

		declared := int(ParseRawLength(packet))
		if declared <= PacketSize-CCIDHeaderLen {
			return r.ext(), true, nil
		}

		r.pending = true
		r.missing = declared - (PacketSize - CCIDHeaderLen)
		return nil, false, nil
	}

	if r.len+len(packet) > MaxMsgLength {
		return nil, false, fmt.Errorf("ccid: reassembly overflow, message exceeds %d bytes", MaxMsgLength)
	}

	r.len += copy(r.buf[r.len:], packet)

	if len(packet) > r.missing {
		// host sent more than declared; clamp instead of going negative
		r.missing = 0
	} else {
		r.missing -= len(packet)
	}

	if r.missing != 0 {
		return nil, false, nil
	}

	r.pending = false
	return r.ext(), true, nil
}
