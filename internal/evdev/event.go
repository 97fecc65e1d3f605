package evdev

import "encoding/binary"

// EventSize is the wire size of struct input_event on 64-bit Linux:
// a struct timeval (two 64-bit words) followed by type, code and value.
const EventSize = 24

// Event is a single input event as reported by the kernel. The
// timestamp is not carried; the virtio wire format has no use for it.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

// IsSyn reports whether the event is a SYN_REPORT boundary.
func (e Event) IsSyn() bool {
	return e.Type == EV_SYN && e.Code == SYN_REPORT
}

// DecodeEvent parses one raw input_event record.
func DecodeEvent(raw []byte) Event {
	return Event{
		Type:  binary.LittleEndian.Uint16(raw[16:18]),
		Code:  binary.LittleEndian.Uint16(raw[18:20]),
		Value: int32(binary.LittleEndian.Uint32(raw[20:24])),
	}
}

// EncodeEvent serializes an event into a raw input_event record with a
// zero timestamp, suitable for writing back to an event device.
func EncodeEvent(e Event, raw []byte) {
	for i := 0; i < 16; i++ {
		raw[i] = 0
	}
	binary.LittleEndian.PutUint16(raw[16:18], e.Type)
	binary.LittleEndian.PutUint16(raw[18:20], e.Code)
	binary.LittleEndian.PutUint32(raw[20:24], uint32(e.Value))
}

// Bitmap is a kernel capability bitmap as returned by EVIOCGBIT and
// friends: bit n set means code n is supported.
type Bitmap []byte

// Test reports whether bit n is set.
func (b Bitmap) Test(n uint16) bool {
	idx := int(n / 8)
	if idx >= len(b) {
		return false
	}
	return b[idx]&(1<<(n%8)) != 0
}

// Trim drops trailing zero bytes. The virtio config protocol reports
// bitmap size in bytes, so an untrimmed bitmap overstates the range.
func (b Bitmap) Trim() Bitmap {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

// Bits returns the set bit positions in ascending order.
func (b Bitmap) Bits() []uint16 {
	var bits []uint16
	for i, by := range b {
		for j := 0; j < 8; j++ {
			if by&(1<<j) != 0 {
				bits = append(bits, uint16(i*8+j))
			}
		}
	}
	return bits
}

// NewBitmap builds a bitmap with the given bits set.
func NewBitmap(bits []uint16) Bitmap {
	var max uint16
	for _, n := range bits {
		if n > max {
			max = n
		}
	}
	b := make(Bitmap, max/8+1)
	for _, n := range bits {
		b[n/8] |= 1 << (n % 8)
	}
	return b
}

// ID is struct input_id: the identity tuple of an event device.
type ID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// AbsInfo is struct input_absinfo: calibration data for one absolute axis.
type AbsInfo struct {
	Value      int32
	Min        int32
	Max        int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}
