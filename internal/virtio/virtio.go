// Package virtio implements a virtio input device over the modern
// PCI transport. The guest-facing register decoding lives in the
// transport, the device semantics live in the handler behind it.
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Device status bits, written by the guest driver.
const (
	statusAcknowledge = 0x01
	statusDriver      = 0x02
	statusDriverOK    = 0x04
	statusFeaturesOK  = 0x08
	statusNeedsReset  = 0x40
	statusFailed      = 0x80
)

// ISR status bits.
const (
	isrQueue  = 0x01
	isrConfig = 0x02
)

// Descriptor flags.
const (
	virtqDescFNext  = 0x1
	virtqDescFWrite = 0x2
)

// Available ring flags.
const availFNoInterrupt = 0x1

// featureVersion1 is VIRTIO_F_VERSION_1, the only feature offered.
const featureVersion1 = uint64(1) << 32

// GuestMemory provides access to guest physical memory. Offsets are
// guest physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// MSISignaler is optionally implemented by GuestMemory providers that
// can inject message signaled interrupts into the guest.
type MSISignaler interface {
	SignalMSI(addr uint64, data uint32) error
}

// IntxSignaler is optionally implemented by GuestMemory providers that
// can drive a legacy level-triggered interrupt line. The line stays
// asserted until the driver acknowledges through the ISR register.
type IntxSignaler interface {
	SetIRQLine(line uint8, asserted bool) error
}

type virtqDescriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (d virtqDescriptor) hasNext() bool      { return d.flags&virtqDescFNext != 0 }
func (d virtqDescriptor) deviceWrites() bool { return d.flags&virtqDescFWrite != 0 }

type queue struct {
	maxSize      uint16
	size         uint16
	ready        bool
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16
	notifyOff    uint16
	msixVector   uint16
}

func (q *queue) reset() {
	maxSize := q.maxSize
	notifyOff := q.notifyOff
	*q = queue{
		maxSize:    maxSize,
		notifyOff:  notifyOff,
		msixVector: msiNoVector,
	}
}

func ensureQueueReady(q *queue) error {
	if q == nil {
		return fmt.Errorf("virtio: queue not configured")
	}
	if !q.ready || q.size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	if q.descAddr == 0 || q.availAddr == 0 || q.usedAddr == 0 {
		return fmt.Errorf("virtio: queue ring addresses not set")
	}
	return nil
}

// device is the transport surface a handler drives: ring access, guest
// memory access and interrupt delivery. All methods assume the device
// mutex is held.
type device interface {
	queue(index int) *queue
	readAvailState(q *queue) (flags uint16, idx uint16, err error)
	readAvailEntry(q *queue, ringIndex uint16) (uint16, error)
	readDescriptor(q *queue, index uint16) (virtqDescriptor, error)
	recordUsedElement(q *queue, head uint16, length uint32) error
	raiseQueueInterrupt(index int)
	raiseConfigInterrupt()
	readGuest(addr uint64, length uint32) ([]byte, error)
	writeGuest(addr uint64, data []byte) error
	driverOK() bool
	setNeedsReset()
}

// deviceHandler supplies device semantics behind a transport. The
// transport calls every method with the device mutex held.
type deviceHandler interface {
	NumQueues() int
	QueueMaxSize(index int) uint16
	OnReset(dev device)
	OnDeviceStatus(dev device, status uint8)
	OnQueueNotify(dev device, index int) error
	ReadConfig(dev device, offset uint32) (uint32, bool, error)
	WriteConfig(dev device, offset uint32, value uint32) (bool, error)
}

func littleEndianValue(data []byte, width uint32) uint32 {
	switch width {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	case 4:
		return binary.LittleEndian.Uint32(data)
	default:
		return 0
	}
}

func storeLittleEndian(data []byte, width uint32, value uint32) {
	switch width {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, value)
	}
}
