// Package ccid implements the device side of the USB CCID (Chip/Smart-Card
// Interface Device) protocol: reassembly of oversized CCID messages across
// USB bulk packets, the five-state transaction lifecycle, CCID-level
// response chaining, the control/bulk abort rendezvous and a wait-extension
// heartbeat, all on fixed-capacity buffers with no dynamic allocation.
//
// The package is deliberately hardware-free: it operates on plain byte
// slices and a small BulkWriter interface, so it is host-testable, and a
// board wires it to real USB endpoints the way github.com/usbarmory/tamago
// wires its own USB device class drivers (see usb/ccidclass).
package ccid

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire-level sizing. PacketSize is the USB bulk maximum packet size (64
// bytes, full speed). MaxMsgLength bounds a fully reassembled CCID message
// and must be at least PacketSize.
const (
	PacketSize    = 64
	CCIDHeaderLen = 10
	MaxMsgLength  = 1024
)

// CommandKind identifies the CCID command carried by a message (p18, Table
// 5.1-1, CCID Rev1.1 bMessageType values for PC_to_RDR messages).
type CommandKind uint8

const (
	CmdPowerOn       CommandKind = 0x62
	CmdPowerOff      CommandKind = 0x63
	CmdGetSlotStatus CommandKind = 0x65
	CmdGetParameters CommandKind = 0x6c
	CmdXfrBlock      CommandKind = 0x6f
	CmdAbort         CommandKind = 0x72
)

// Chain is the CCID chain parameter (byte offset 8 on requests, the
// wLevelParameter low byte; bChainParameter at byte offset 9 on DataBlock
// responses) used to split a logical message across several USB packets.
type Chain uint8

const (
	ChainBeginsAndEnds Chain = 0x00
	ChainBegins        Chain = 0x01
	ChainEnds          Chain = 0x02
	ChainContinues     Chain = 0x03
	ChainExpectingMore Chain = 0x10
)

// ErrorCode is a CCID bError value used in SlotStatus error responses.
type ErrorCode uint8

const (
	ErrCmdAborted          ErrorCode = 0xff
	ErrIccMute             ErrorCode = 0xfe
	ErrXfrParityError      ErrorCode = 0xfd
	ErrCmdSlotBusy         ErrorCode = 0xe0
	ErrCommandNotSupported ErrorCode = 0x00
)

// ErrShortPacket is returned when a message is shorter than the CCID header.
var ErrShortPacket = errors.New("ccid: short packet")

// UnknownCommandError is returned by ParseCommand when bMessageType does not
// match any supported CommandKind.
type UnknownCommandError struct {
	Byte byte
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("ccid: unknown command %#02x", e.Byte)
}

// InvalidChainError is returned by ParseChain for any wLevelParameter value
// outside the five defined Chain constants.
type InvalidChainError struct {
	Value uint16
}

func (e *InvalidChainError) Error() string {
	return fmt.Sprintf("ccid: invalid chain parameter %#04x", e.Value)
}

// Command is the parsed header of an inbound CCID message (see §3, the
// RawPacket/ExtPacket layout table). Only the fields every command kind
// shares live here; XfrBlock-specific data is fetched separately with
// PayloadSlice and ParseChain: one tagged value, with the chain parameter
// and payload only meaningful on XfrBlock.
type Command struct {
	Kind CommandKind
	Slot byte
	Seq  byte
}

// ParseRawLength reads the declared dwLength field (bytes 1..5, little
// endian) out of a raw, possibly not yet reassembled, USB packet.
func ParseRawLength(raw []byte) uint32 {
	if len(raw) < 5 {
		return 0
	}
	return binary.LittleEndian.Uint32(raw[1:5])
}

// ParseCommand reads the CCID header of a fully reassembled message.
func ParseCommand(ext []byte) (Command, error) {
	if len(ext) < CCIDHeaderLen {
		return Command{}, ErrShortPacket
	}

	kind := CommandKind(ext[0])

	switch kind {
	case CmdPowerOn, CmdPowerOff, CmdGetSlotStatus, CmdGetParameters, CmdXfrBlock, CmdAbort:
		return Command{Kind: kind, Slot: ext[5], Seq: ext[6]}, nil
	default:
		return Command{}, &UnknownCommandError{Byte: ext[0]}
	}
}

// ParseChain reads the chain parameter (bytes 8..10, little endian) of a
// reassembled message. Any value other than the five defined constants is a
// hard protocol violation that must trigger a state reset.
func ParseChain(ext []byte) (Chain, error) {
	value := binary.LittleEndian.Uint16(ext[8:10])

	switch Chain(value) {
	case ChainBeginsAndEnds, ChainBegins, ChainEnds, ChainContinues, ChainExpectingMore:
		return Chain(value), nil
	default:
		return 0, &InvalidChainError{Value: value}
	}
}

// PayloadSlice returns the command payload, clamped defensively against a
// declared dwLength that lies about the actual buffer size.
func PayloadSlice(ext []byte) []byte {
	declared := int(ParseRawLength(ext))
	max := len(ext) - CCIDHeaderLen

	n := declared
	if n > max {
		n = max
	}
	if n < 0 {
		n = 0
	}

	return ext[CCIDHeaderLen : CCIDHeaderLen+n]
}

// DataBlock builds a RDR_to_PC_DataBlock response (p23, Table 6.1-1, CCID
// Rev1.1). The caller (the chunked sender) is responsible for ensuring data
// never exceeds a single USB packet.
func DataBlock(seq byte, chain Chain, data []byte) ([]byte, error) {
	if len(data)+CCIDHeaderLen > PacketSize {
		return nil, fmt.Errorf("ccid: data block of %d bytes exceeds packet size", len(data))
	}

	packet := make([]byte, CCIDHeaderLen+len(data))
	packet[0] = 0x80
	binary.LittleEndian.PutUint32(packet[1:5], uint32(len(data)))
	packet[5] = 0
	packet[6] = seq
	packet[7] = 0
	packet[8] = 0
	packet[9] = byte(chain)
	copy(packet[CCIDHeaderLen:], data)

	return packet, nil
}

// SlotStatusOK builds a RDR_to_PC_SlotStatus response signalling success
// (p23, Table 6.1-3, CCID Rev1.1).
func SlotStatusOK(seq byte) []byte {
	packet := make([]byte, CCIDHeaderLen)
	packet[0] = 0x81
	packet[6] = seq
	return packet
}

// SlotStatusError builds a RDR_to_PC_SlotStatus response signalling failure.
// bMessageType is 0x6c on this path, not 0x81.
func SlotStatusError(seq byte, code ErrorCode) []byte {
	packet := make([]byte, CCIDHeaderLen)
	packet[0] = 0x6c
	packet[6] = seq
	packet[7] = 1 << 6
	packet[8] = byte(code)
	return packet
}

// WaitExtension builds a RDR_to_PC_DataBlock time extension request (CCID
// Rev1.1 6.2.3): a two bit status of 0b10 plus a BWT multiplier.
func WaitExtension(seq byte, multiplier byte) []byte {
	packet := make([]byte, CCIDHeaderLen)
	packet[0] = 0x80
	packet[6] = seq
	packet[7] = 2 << 6
	packet[8] = multiplier
	return packet
}

// Parameters builds a RDR_to_PC_Parameters response for T=1 (p28, Table
// 6.1-7, CCID Rev1.1). Fi/Di and the BWT/CWT byte are fixed constants: this
// device never renegotiates card parameters.
func Parameters(seq byte) []byte {
	packet := make([]byte, 17)
	packet[0] = 0x82
	packet[1] = 7
	packet[6] = seq
	packet[9] = 0x01 // bProtocolNum = T=1
	packet[10] = (0b0001 << 4) | 0b0001
	packet[11] = 0x10
	packet[13] = 0x15
	packet[15] = 0xfe
	return packet
}

// maxCardIssuerData is the largest card-issuer historical byte string the
// ATR has room for: T0's low nibble carries the historical byte count,
// 2+len(cardIssuerData), which must not exceed 15.
const maxCardIssuerData = 13

// buildATR constructs the Answer-To-Reset byte string advertising T=1 only,
// optionally carrying card-issuer historical bytes (tag 5).
func buildATR(cardIssuerData []byte) ([]byte, error) {
	if len(cardIssuerData) > maxCardIssuerData {
		return nil, fmt.Errorf("ccid: card issuer data of %d bytes exceeds %d byte maximum", len(cardIssuerData), maxCardIssuerData)
	}

	var k byte
	if len(cardIssuerData) > 0 {
		k = 2 + byte(len(cardIssuerData))
	}

	atr := []byte{0x3B, 0x80 | k, 0x01}

	if len(cardIssuerData) > 0 {
		atr = append(atr, 0x80, 0x50|byte(len(cardIssuerData)))
		atr = append(atr, cardIssuerData...)
	}

	var checksum byte
	for _, b := range atr[1:] {
		checksum ^= b
	}
	atr = append(atr, checksum)

	return atr, nil
}
