// Command firmware wires a ccid.Pipe into a USB device descriptor tree and
// drives it from a single cooperative loop, the way
// github.com/usbarmory/tamago's own (*usb.Endpoint).Start polls its
// EndpointFunction hooks with runtime.Gosched between iterations. It does
// not touch any board's USB controller registers — that wiring belongs to
// a board package outside this module's scope (see SPEC_FULL.md §1); this
// file only shows how the pieces fit together once a board supplies one.
package main

import (
	"log"
	"runtime"
	"time"

	"github.com/usbarmory/ccid/ccid"
	"github.com/usbarmory/ccid/ccid/apdu"
	"github.com/usbarmory/ccid/usb"
	"github.com/usbarmory/ccid/usb/ccidclass"
)

// cardIssuerData is advertised in the ATR's optional historical bytes
// block (tag 5, §4.1). Left empty here; a real card applet would set its
// own issuer identification.
var cardIssuerData []byte

func main() {
	channel := apdu.New(ccid.MaxMsgLength - ccid.CCIDHeaderLen)
	outBuffer := &ccid.EndpointBuffer{}

	pipe, err := ccid.New(outBuffer, channel, cardIssuerData)
	if err != nil {
		log.Fatalf("ccid: %v", err)
	}

	dev := newDevice(pipe, outBuffer)
	_ = dev // handed to the board's USB controller driver to enumerate

	// The APDU processor runs independently of the pipe's cooperative
	// loop: it only ever touches the channel, never the pipe directly,
	// matching the single-producer/single-consumer contract of §6.
	go runAppProcessor(channel)

	runPipe(pipe)
}

// newDevice assembles the one-configuration, one-interface USB device
// descriptor tree a board's controller driver enumerates against the
// host, following the layout of tamago's own board bring-up code
// (descriptor assembly, then AddConfiguration, then handing the *Device to
// the controller's Start).
func newDevice(pipe *ccid.Pipe, outBuffer *ccid.EndpointBuffer) *usb.Device {
	dev := &usb.Device{}

	dev.Descriptor = &usb.DeviceDescriptor{}
	dev.Descriptor.SetDefaults()
	dev.Descriptor.DeviceClass = 0x00 // class declared at the interface
	dev.Descriptor.VendorId = 0x1209  // pid.codes test VID
	dev.Descriptor.ProductId = 0x0001
	dev.Descriptor.Device = 0x0001

	if _, err := dev.AddString("CCID reader"); err != nil {
		log.Fatalf("usb: %v", err)
	}

	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()

	// The interrupt-IN endpoint is wired to a function that never has
	// anything to report: this device exposes a single, permanently
	// present slot (§9, Non-goals), so RDR_to_PC_NotifySlotChange is
	// never needed.
	noChange := func(buf []byte, lastErr error) ([]byte, error) { return nil, nil }

	iface := ccidclass.NewInterface(pipe, outBuffer, noChange)
	conf.AddInterface(iface)

	if err := dev.AddConfiguration(conf); err != nil {
		log.Fatalf("usb: %v", err)
	}

	dev.Setup = ccidclass.SetupFunction(pipe)

	return dev
}

// runAppProcessor is a placeholder card-command processor: it answers
// every request with a trivial status-only response. A real applet would
// parse the APDU in req and build a genuine response.
func runAppProcessor(channel *apdu.Channel) {
	for {
		if channel.State() != apdu.Processing {
			time.Sleep(time.Millisecond)
			continue
		}

		req, ok := channel.TakeRequest()
		if !ok {
			continue
		}

		_ = req // a real applet dispatches on req here

		if err := channel.Respond([]byte{0x90, 0x00}); err != nil {
			log.Printf("apdu: %v", err)
		}
	}
}

// runPipe is the cooperative poll loop a board's main function calls after
// its USB controller driver has started. Everything that touches the pipe
// (wait-extension timing, APDU completion, outbox draining) is serialized
// here, matching §5: no internal locking, the caller provides mutual
// exclusion.
func runPipe(pipe *ccid.Pipe) {
	const waitExtensionMultiplier = 1
	const waitExtensionInterval = 900 * time.Millisecond

	var waitExtensionDeadline time.Time

	for {
		runtime.Gosched()

		if pipe.DidStartProcessing() {
			waitExtensionDeadline = time.Now().Add(waitExtensionInterval)
		}

		if !waitExtensionDeadline.IsZero() && time.Now().After(waitExtensionDeadline) {
			if pipe.SendWaitExtension(waitExtensionMultiplier) {
				waitExtensionDeadline = time.Now().Add(waitExtensionInterval)
			} else {
				waitExtensionDeadline = time.Time{}
			}
		}

		pipe.PollApp()
		pipe.MaybeSendPacket()
	}
}
