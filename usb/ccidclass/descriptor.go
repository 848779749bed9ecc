// CCID descriptor support
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ccidclass assembles the USB Smart Card Device Class (CCID)
// functional descriptor and wires a ccid.Pipe into a usb.Device as a single
// CCID interface with one bulk-OUT, one bulk-IN and one interrupt-IN
// endpoint (CCID Rev1.1 §5.1, no escape/secure/mechanical endpoints — see
// the Non-goals this pipe implementation carries).
package ccidclass

import (
	"bytes"
	"encoding/binary"

	"github.com/usbarmory/ccid/ccid"
)

// Descriptor class constants (p16-17, Table 4.3-1 and 5.1-1, CCID Rev1.1).
const (
	SmartCardDeviceClass = 0x0b

	ccidInterfaceDescType = 0x21
	ccidDescriptorLength  = 54
)

// CCIDDescriptor implements p17, Table 5.1-1, CCID Rev1.1.
type CCIDDescriptor struct {
	Length                uint8
	DescriptorType        uint8
	CCID                  uint16
	MaxSlotIndex          uint8
	VoltageSupport        uint8
	Protocols             uint32
	DefaultClock          uint32
	MaximumClock          uint32
	NumClockSupported     uint8
	DataRate              uint32
	MaxDataRate           uint32
	NumDataRatesSupported uint8
	MaxIFSD               uint32
	SynchProtocols        uint32
	Mechanical            uint32
	Features              uint32
	MaxCCIDMessageLength  uint32
	ClassGetResponse      uint8
	ClassEnvelope         uint8
	LcdLayout             uint16
	PINSupport            uint8
	MaxCCIDBusySlots      uint8
}

// SetDefaults initializes default values for the USB Smart Card Device
// Class descriptor, advertising T=1 only and a single busy slot, and
// binding MaxCCIDMessageLength/MaxIFSD to ccid.MaxMsgLength so the
// advertised descriptor never disagrees with what the pipe actually
// reassembles.
func (d *CCIDDescriptor) SetDefaults() {
	d.Length = ccidDescriptorLength
	d.DescriptorType = ccidInterfaceDescType
	d.CCID = 0x0110
	// all voltages
	d.VoltageSupport = 0x7
	// T=1 only
	d.Protocols = 0x2

	d.DefaultClock = 4000  // 4 MHz
	d.MaximumClock = 5000  // 5 MHz
	d.DataRate = 9600      // default on power-up
	d.MaxDataRate = 625000 // maximum@5MHz according to ISO7816-3
	// Features:
	//   0x02 Auto configuration based on ATR
	//   0x04 Auto activation on insert
	//   0x08 Auto voltage selection
	//   0x10 Auto clock change
	//   0x20 Auto baud rate change
	//   0x40000 Short and extended APDU level exchange
	// bit 0x40 (auto parameter negotiation) is not set: this device
	// always returns the fixed T=1 parameters from ccid.Parameters.
	d.Features = 0x4003E
	d.MaxCCIDMessageLength = ccid.MaxMsgLength
	d.MaxIFSD = d.MaxCCIDMessageLength
	d.ClassGetResponse = 0xff
	d.ClassEnvelope = 0xff
	d.MaxCCIDBusySlots = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *CCIDDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}
