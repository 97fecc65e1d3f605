package virtio

import (
	"encoding/binary"

	"github.com/virtm/vinput/internal/evdev"
)

// Config selector values written by the guest at offset 0.
const (
	cfgSelUnset    = 0x00
	cfgSelIDName   = 0x01
	cfgSelIDSerial = 0x02
	cfgSelIDDevIDs = 0x03
	cfgSelPropBits = 0x10
	cfgSelEvBits   = 0x11
	cfgSelAbsInfo  = 0x12
)

// Device config layout: select, subsel and size bytes followed by
// reserved padding, then the payload window.
const (
	cfgSelectOffset  = 0
	cfgSubselOffset  = 1
	cfgSizeOffset    = 2
	cfgPayloadOffset = 8
	cfgPayloadMax    = 128
)

// inputConfig is the select/subsel driven register file of a virtio
// input device. The capability snapshot is taken once at attach and
// never changes afterwards, so payloads are derived on demand.
type inputConfig struct {
	sel    uint8
	subsel uint8

	name   string
	serial string
	ids    evdev.ID
	props  evdev.Bitmap
	codes  map[uint16]evdev.Bitmap
	abs    map[uint16]evdev.AbsInfo
}

func newInputConfig(serial string, caps evdev.Capabilities) *inputConfig {
	c := &inputConfig{
		serial: serial,
		name:   caps.Name,
		ids:    caps.ID,
		props:  caps.Props,
		codes:  make(map[uint16]evdev.Bitmap),
		abs:    make(map[uint16]evdev.AbsInfo),
	}
	for evType, bits := range caps.Codes {
		c.codes[evType] = bits
	}
	for axis, info := range caps.Abs {
		c.abs[axis] = info
	}
	return c
}

func (c *inputConfig) writeSelect(sel, subsel uint8) {
	c.sel = sel
	c.subsel = subsel
}

func (c *inputConfig) resetSelect() {
	c.sel = cfgSelUnset
	c.subsel = 0
}

// payload returns the bytes visible in the payload window for the
// current selection. An unsupported selection yields an empty payload,
// which the guest observes as size zero.
func (c *inputConfig) payload() []byte {
	var data []byte
	switch c.sel {
	case cfgSelIDName:
		data = []byte(c.name)
	case cfgSelIDSerial:
		data = []byte(c.serial)
	case cfgSelIDDevIDs:
		data = make([]byte, 8)
		binary.LittleEndian.PutUint16(data[0:2], c.ids.BusType)
		binary.LittleEndian.PutUint16(data[2:4], c.ids.Vendor)
		binary.LittleEndian.PutUint16(data[4:6], c.ids.Product)
		binary.LittleEndian.PutUint16(data[6:8], c.ids.Version)
	case cfgSelPropBits:
		data = c.props.Trim()
	case cfgSelEvBits:
		data = c.codes[uint16(c.subsel)].Trim()
	case cfgSelAbsInfo:
		info, ok := c.abs[uint16(c.subsel)]
		if !ok {
			return nil
		}
		data = make([]byte, 20)
		binary.LittleEndian.PutUint32(data[0:4], uint32(info.Min))
		binary.LittleEndian.PutUint32(data[4:8], uint32(info.Max))
		binary.LittleEndian.PutUint32(data[8:12], uint32(info.Fuzz))
		binary.LittleEndian.PutUint32(data[12:16], uint32(info.Flat))
		binary.LittleEndian.PutUint32(data[16:20], uint32(info.Resolution))
	default:
		return nil
	}
	if len(data) > cfgPayloadMax {
		data = data[:cfgPayloadMax]
	}
	return data
}

func (c *inputConfig) readByte(offset uint32) byte {
	switch offset {
	case cfgSelectOffset:
		return c.sel
	case cfgSubselOffset:
		return c.subsel
	case cfgSizeOffset:
		return uint8(len(c.payload()))
	}
	if offset >= cfgPayloadOffset && offset < cfgPayloadOffset+cfgPayloadMax {
		payload := c.payload()
		rel := int(offset - cfgPayloadOffset)
		if rel < len(payload) {
			return payload[rel]
		}
	}
	return 0
}

func (c *inputConfig) readDWord(offset uint32) uint32 {
	var value uint32
	for i := uint32(0); i < 4; i++ {
		value |= uint32(c.readByte(offset+i)) << (8 * i)
	}
	return value
}

// writeDWord applies a guest write. Only the select and subsel bytes
// are writable, everything else in the window is read-only.
func (c *inputConfig) writeDWord(offset uint32, value uint32) bool {
	if offset != 0 {
		return false
	}
	c.writeSelect(uint8(value), uint8(value>>8))
	return true
}
