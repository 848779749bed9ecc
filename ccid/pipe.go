package ccid

import (
	"errors"

	"github.com/usbarmory/ccid/ccid/apdu"
)

// State is the five-state transaction lifecycle a Pipe drives (§3/§4.3 of
// the device spec): Idle while waiting for a command, Receiving while a
// chained XfrBlock request is still arriving, Processing while the APDU
// rendezvous is handling it, ReadyToSend/Sending while the response is
// being chunked back out over the bulk-IN endpoint.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateProcessing
	StateReadyToSend
	StateSending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReceiving:
		return "Receiving"
	case StateProcessing:
		return "Processing"
	case StateReadyToSend:
		return "ReadyToSend"
	case StateSending:
		return "Sending"
	default:
		return "Unknown"
	}
}

// ErrWouldBlock is returned by a BulkWriter when the bulk-IN endpoint has no
// room for a packet right now; the pipe leaves the packet queued in its
// outbox and retries on the next MaybeSendPacket call.
var ErrWouldBlock = errors.New("ccid: would block")

// BulkWriter is the bulk-IN transport a Pipe sends response packets
// through. A full-size write that exhausts the transport's buffering may
// legitimately return ErrWouldBlock; any other error is treated as fatal to
// the in-flight response and resets the pipe.
type BulkWriter interface {
	WriteBulkIn(packet []byte) (int, error)
}

// Pipe is the device-side state machine for one CCID slot: USB packet I/o
// in, reassembly, the transaction lifecycle, the abort rendezvous and
// chunked response framing out. It holds no hardware handle of its own
// beyond the BulkWriter it was constructed with, and performs no locking —
// see §5, the caller is responsible for serializing all calls onto it.
type Pipe struct {
	write BulkWriter
	apdu  *apdu.Channel

	reassembler

	state State
	seq   byte

	outbox    [PacketSize]byte
	outboxLen int
	hasOutbox bool
	sent      int

	startedProcessing bool

	bulkAbort    byte
	hasBulkAbort bool

	controlAbort    byte
	hasControlAbort bool

	atr    [32]byte
	atrLen int
}

// New constructs a Pipe bound to the given bulk-IN transport and APDU
// rendezvous, advertising the given card-issuer historical bytes (at most
// maxCardIssuerData long) in its ATR.
func New(write BulkWriter, channel *apdu.Channel, cardIssuerData []byte) (*Pipe, error) {
	atr, err := buildATR(cardIssuerData)
	if err != nil {
		return nil, err
	}

	p := &Pipe{
		write: write,
		apdu:  channel,
	}
	p.atrLen = copy(p.atr[:], atr)

	return p, nil
}

func (p *Pipe) ATR() []byte {
	return p.atr[:p.atrLen]
}

// State reports the pipe's current transaction state.
func (p *Pipe) State() State {
	return p.state
}

// resetState returns the pipe to Idle, discarding any in-flight response
// and cancelling any in-flight APDU rendezvous request, exactly as the
// source's reset_state does on every protocol violation (§7).
func (p *Pipe) resetState() {
	p.state = StateIdle
	p.seq = 0
	p.hasOutbox = false
	p.outboxLen = 0
	p.sent = 0
	p.startedProcessing = false
	p.bulkAbort = 0
	p.hasBulkAbort = false
	p.controlAbort = 0
	p.hasControlAbort = false
	p.reassembler.reset()
	p.apdu.Cancel()
}

// HandlePacket feeds one USB bulk-OUT packet into the pipe. It reassembles
// chained CCID messages, checks both halves of the abort rendezvous ahead
// of dispatch, and dispatches complete messages to the per-command handler.
func (p *Pipe) HandlePacket(packet []byte) {
	ext, complete, err := p.reassembler.feed(packet)
	if err != nil {
		p.resetState()
		return
	}
	if !complete {
		return
	}

	p.dispatch(ext)
}

func (p *Pipe) dispatch(ext []byte) {
	cmd, err := ParseCommand(ext)
	if err != nil {
		if _, unknown := err.(*UnknownCommandError); unknown {
			p.sendSlotStatusError(ext[6], ErrCommandNotSupported)
			return
		}
		p.resetState()
		return
	}

	if p.hasControlAbort {
		if cmd.Kind == CmdAbort && cmd.Seq == p.controlAbort {
			p.abort(cmd.Seq)
			return
		}

		// Non-matching command: control_abort stays set so every
		// subsequent command is rejected the same way until the
		// matching bulk Abort arrives and abort() clears it.
		p.sendSlotStatusError(cmd.Seq, ErrCmdAborted)
		return
	}

	// No control-pipe abort pending: any new command supersedes a
	// previously recorded bulk-endpoint abort half.
	p.bulkAbort = 0
	p.hasBulkAbort = false

	switch cmd.Kind {
	case CmdXfrBlock:
		p.handleXfrBlock(ext)
	case CmdPowerOn:
		p.resetState()
		p.seq = cmd.Seq
		packet, err := DataBlock(cmd.Seq, ChainBeginsAndEnds, p.ATR())
		if err != nil {
			p.resetState()
			return
		}
		p.sendPacket(packet)
	case CmdPowerOff:
		p.resetState()
		p.sendSlotStatusOK(cmd.Seq)
	case CmdGetSlotStatus:
		p.sendSlotStatusOK(cmd.Seq)
	case CmdGetParameters:
		p.sendPacket(Parameters(cmd.Seq))
	case CmdAbort:
		// Reaching here means no control_abort was pending (the
		// hasControlAbort branch above would have resolved it
		// already), so this bulk-endpoint Abort just records its
		// half of the rendezvous and waits for the matching
		// control-pipe ExpectAbort.
		p.bulkAbort = cmd.Seq
		p.hasBulkAbort = true
	default:
		p.resetState()
	}
}

// handleXfrBlock implements the §4.3 transaction state table: the handling
// of a XfrBlock command depends on both the pipe's current state and the
// chain parameter carried by this message.
func (p *Pipe) handleXfrBlock(ext []byte) {
	cmd, err := ParseCommand(ext)
	if err != nil {
		p.resetState()
		return
	}

	chain, err := ParseChain(ext)
	if err != nil {
		p.resetState()
		return
	}

	payload := PayloadSlice(ext)
	p.seq = cmd.Seq

	switch p.state {
	case StateIdle:
		switch chain {
		case ChainBeginsAndEnds:
			p.apdu.Cancel()
			if err := p.apdu.BeginRequest(); err != nil {
				p.resetState()
				return
			}
			if err := p.apdu.AppendRequest(payload); err != nil {
				p.resetState()
				return
			}
			p.callApp()
		case ChainBegins:
			p.apdu.Cancel()
			if err := p.apdu.BeginRequest(); err != nil {
				p.resetState()
				return
			}
			if err := p.apdu.AppendRequest(payload); err != nil {
				p.resetState()
				return
			}
			p.state = StateReceiving
			p.sendEmptyDataBlock(ChainExpectingMore)
		default:
			p.resetState()
		}

	case StateReceiving:
		switch chain {
		case ChainContinues:
			if err := p.apdu.AppendRequest(payload); err != nil {
				p.resetState()
				return
			}
			p.sendEmptyDataBlock(ChainExpectingMore)
		case ChainEnds:
			if err := p.apdu.AppendRequest(payload); err != nil {
				p.resetState()
				return
			}
			p.callApp()
		default:
			p.resetState()
		}

	case StateProcessing, StateReadyToSend:
		// A XfrBlock of any chain is a protocol violation while the
		// previous request is still being processed or its response
		// is queued but not yet claimed by the host.
		p.resetState()

	case StateSending:
		if chain == ChainExpectingMore {
			p.primeOutbox()
		} else {
			p.resetState()
		}

	default:
		p.resetState()
	}
}

// callApp commits the accumulated request to the APDU rendezvous and moves
// the pipe to Processing.
func (p *Pipe) callApp() {
	if err := p.apdu.SendRequest(); err != nil {
		p.resetState()
		return
	}

	p.startedProcessing = true
	p.state = StateProcessing
}

// DidStartProcessing reports, and clears, the edge-triggered flag set each
// time a XfrBlock request is handed off to the APDU rendezvous. A caller
// polls this once per iteration to decide whether to arm a wait-extension
// timer (§4.5).
func (p *Pipe) DidStartProcessing() bool {
	v := p.startedProcessing
	p.startedProcessing = false
	return v
}

// SendWaitExtension sends a time-extension RDR_to_PC_DataBlock if the pipe
// is still Processing, and reports whether it did. The caller is expected
// to call this from a timer armed by DidStartProcessing, at an interval
// shorter than the card's declared BWT.
func (p *Pipe) SendWaitExtension(multiplier byte) bool {
	if p.state != StateProcessing {
		return false
	}

	p.sendPacket(WaitExtension(p.seq, multiplier))
	return true
}

// PollApp checks whether the APDU rendezvous has produced a response while
// the pipe was Processing, and if so starts sending it. The caller should
// call this once per iteration of its main loop.
func (p *Pipe) PollApp() {
	if p.state != StateProcessing {
		return
	}

	if p.apdu.State() != apdu.Responded {
		return
	}

	p.state = StateReadyToSend
	p.sent = 0
	p.primeOutbox()
}

// primeOutbox builds the next outbound packet of a chunked response and
// queues it for sending. It resets the pipe unless the pipe is ReadyToSend
// or Sending, and likewise resets it rather than clobber a packet already
// queued but not yet written (MaybeSendPacket must drain that first).
func (p *Pipe) primeOutbox() {
	if p.state != StateReadyToSend && p.state != StateSending {
		p.resetState()
		return
	}

	if p.hasOutbox {
		p.resetState()
		return
	}

	response, err := p.apdu.Response()
	if err != nil {
		p.resetState()
		return
	}

	remaining := len(response) - p.sent
	chunkSize := PacketSize - CCIDHeaderLen
	if remaining < chunkSize {
		chunkSize = remaining
	}

	chunk := response[p.sent : p.sent+chunkSize]
	more := p.sent+chunkSize < len(response)

	var chain Chain
	switch {
	case p.state == StateReadyToSend && more:
		chain = ChainBegins
		p.state = StateSending
	case p.state == StateReadyToSend && !more:
		chain = ChainBeginsAndEnds
		p.state = StateIdle
	case p.state == StateSending && more:
		chain = ChainContinues
	case p.state == StateSending && !more:
		chain = ChainEnds
		p.state = StateIdle
	}

	packet, err := DataBlock(p.seq, chain, chunk)
	if err != nil {
		p.resetState()
		return
	}

	p.sent += chunkSize
	p.queuePacket(packet)
	p.maybeSendPacket()
}

// queuePacket stages a packet in the outbox, overwriting any packet that
// was staged but not yet delivered, and forces the state back to Idle. This
// only matters for the paths that call sendPacket directly (SlotStatus, ATR,
// Parameters, wait-extension and ExpectingMore replies) — the
// chunked sender (primeOutbox) never reaches here with an outbox already
// set, since it is guarded above.
func (p *Pipe) queuePacket(packet []byte) {
	if p.hasOutbox {
		p.state = StateIdle
	}

	p.outboxLen = copy(p.outbox[:], packet)
	p.hasOutbox = true
}

func (p *Pipe) sendPacket(packet []byte) {
	p.queuePacket(packet)
	p.maybeSendPacket()
}

func (p *Pipe) sendEmptyDataBlock(chain Chain) {
	packet, err := DataBlock(p.seq, chain, nil)
	if err != nil {
		p.resetState()
		return
	}
	p.sendPacket(packet)
}

func (p *Pipe) sendSlotStatusOK(seq byte) {
	p.sendPacket(SlotStatusOK(seq))
}

func (p *Pipe) sendSlotStatusError(seq byte, code ErrorCode) {
	p.sendPacket(SlotStatusError(seq, code))
}

// MaybeSendPacket attempts to deliver the outbox to the bulk-IN transport.
// Call this once per main-loop iteration and also immediately after
// queuing a packet. A full-packet write leaves a zero-length packet queued
// behind it (the USB ZLP convention signalling end of transfer to the
// host); ErrWouldBlock leaves the outbox untouched for a later retry; any
// other write error is treated as fatal to the in-flight transaction.
func (p *Pipe) MaybeSendPacket() {
	p.maybeSendPacket()
}

func (p *Pipe) maybeSendPacket() {
	if !p.hasOutbox {
		return
	}

	packet := p.outbox[:p.outboxLen]

	n, err := p.write.WriteBulkIn(packet)
	switch {
	case err == nil && n == p.outboxLen:
		if p.outboxLen == PacketSize {
			p.outboxLen = 0
		} else {
			p.hasOutbox = false
			p.outboxLen = 0
		}
	case errors.Is(err, ErrWouldBlock):
		// leave outbox staged, retry next call
	case err == nil:
		// partial write: transport contract violated
		p.resetState()
	default:
		p.resetState()
	}
}

// ExpectAbort records the control-pipe half of a host abort request (§4.4);
// the bulk-endpoint half is recorded by dispatch when an Abort command
// arrives. slot values other than 0 are ignored: this device exposes a
// single, permanently present slot. If a bulk Abort with the same sequence
// number is already recorded the rendezvous completes immediately;
// otherwise the control half is recorded and dispatch checks later bulk
// commands against it.
func (p *Pipe) ExpectAbort(slot, seq byte) {
	if slot != 0 {
		return
	}

	if p.hasBulkAbort && p.bulkAbort == seq {
		p.abort(seq)
		return
	}

	p.controlAbort = seq
	p.hasControlAbort = true
}

// abort completes a matched abort rendezvous: both halves are cleared, the
// pipe returns to Idle with no in-flight response, the APDU rendezvous is
// cancelled, and a success SlotStatus is sent to the host.
func (p *Pipe) abort(seq byte) {
	p.bulkAbort = 0
	p.hasBulkAbort = false
	p.controlAbort = 0
	p.hasControlAbort = false

	p.resetState()
	p.sendSlotStatusOK(seq)
}

