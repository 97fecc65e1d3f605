package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/virtm/vinput/internal/evdev"
	"github.com/virtm/vinput/internal/pci"
)

type fakeHostDevice struct {
	path    string
	caps    evdev.Capabilities
	capsErr error
	grabErr error

	events  []evdev.Event
	readErr error

	written  []evdev.Event
	writeErr error

	grabbed bool
	closed  bool
}

func newFakeHostDevice() *fakeHostDevice {
	return &fakeHostDevice{
		path: "/dev/input/event3",
		caps: evdev.Capabilities{
			Name: "Test Keyboard",
			ID: evdev.ID{
				BusType: 0x03,
				Vendor:  0x1234,
				Product: 0x5678,
				Version: 0x0111,
			},
			Types: evdev.NewBitmap([]uint16{evdev.EV_KEY, evdev.EV_LED, evdev.EV_ABS}),
			Codes: map[uint16]evdev.Bitmap{
				evdev.EV_KEY: evdev.NewBitmap([]uint16{evdev.KEY_A, evdev.BTN_LEFT}),
				evdev.EV_LED: evdev.NewBitmap([]uint16{evdev.LED_CAPSL}),
				evdev.EV_ABS: evdev.NewBitmap([]uint16{evdev.ABS_X}),
			},
			Abs: map[uint16]evdev.AbsInfo{
				evdev.ABS_X: {Min: -100, Max: 4095, Fuzz: 2, Flat: 1, Resolution: 12},
			},
		},
	}
}

func (f *fakeHostDevice) Path() string { return f.path }
func (f *fakeHostDevice) Fd() int      { return -1 }

func (f *fakeHostDevice) Grab() error {
	if f.grabErr != nil {
		return f.grabErr
	}
	f.grabbed = true
	return nil
}

func (f *fakeHostDevice) Ungrab() error {
	f.grabbed = false
	return nil
}

func (f *fakeHostDevice) Capabilities() (evdev.Capabilities, error) {
	if f.capsErr != nil {
		return evdev.Capabilities{}, f.capsErr
	}
	return f.caps, nil
}

func (f *fakeHostDevice) ReadEvents(out []evdev.Event) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	n := copy(out, f.events)
	f.events = f.events[n:]
	return n, nil
}

func (f *fakeHostDevice) WriteEvent(e evdev.Event) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, e)
	return nil
}

func (f *fakeHostDevice) Close() error {
	f.closed = true
	return nil
}

// guestView drives an Input the way a guest driver would, through the
// transport MMIO surface and guest memory rings.
type guestView struct {
	t   *testing.T
	tr  *pciTransport
	mem *mockGuestMemory

	bar0 uint64

	descBase   [2]uint64
	availBase  [2]uint64
	usedBase   [2]uint64
	availCount [2]uint16
	nextDesc   [2]uint16

	nextBuf uint64
}

func newGuestView(t *testing.T, in *Input, mem *mockGuestMemory) *guestView {
	t.Helper()
	g := &guestView{
		t:       t,
		tr:      in.transport,
		mem:     mem,
		bar0:    in.transport.bars[0].base(),
		nextBuf: 0x40000,
	}
	for q := 0; q < 2; q++ {
		base := uint64(0x1000) + uint64(q)*0x3000
		g.descBase[q] = base
		g.availBase[q] = base + 0x1000
		g.usedBase[q] = base + 0x2000
	}
	return g
}

func (g *guestView) mmioWrite(off uint32, width int, value uint32) {
	g.t.Helper()
	buf := make([]byte, width)
	storeLittleEndian(buf, uint32(width), value)
	if err := g.tr.MMIOWrite(g.bar0+uint64(off), buf); err != nil {
		g.t.Fatalf("MMIO write at %#x: %v", off, err)
	}
}

func (g *guestView) mmioRead(off uint32, width int) uint32 {
	g.t.Helper()
	buf := make([]byte, width)
	if err := g.tr.MMIORead(g.bar0+uint64(off), buf); err != nil {
		g.t.Fatalf("MMIO read at %#x: %v", off, err)
	}
	return littleEndianValue(buf, uint32(width))
}

// start performs the full driver bring-up: status handshake, feature
// negotiation and ring programming for both queues.
func (g *guestView) start() {
	g.t.Helper()
	g.mmioWrite(commonStatus, 1, statusAcknowledge|statusDriver)
	g.mmioWrite(commonGFSelect, 4, 1)
	g.mmioWrite(commonGF, 4, uint32(featureVersion1>>32))
	g.mmioWrite(commonStatus, 1, statusAcknowledge|statusDriver|statusFeaturesOK)

	for q := 0; q < 2; q++ {
		g.mmioWrite(commonQSelect, 2, uint32(q))
		g.mmioWrite(commonQSize, 2, inputQueueSize)
		g.mmioWrite(commonQDescLo, 4, uint32(g.descBase[q]))
		g.mmioWrite(commonQDescHi, 4, 0)
		g.mmioWrite(commonQAvailLo, 4, uint32(g.availBase[q]))
		g.mmioWrite(commonQAvailHi, 4, 0)
		g.mmioWrite(commonQUsedLo, 4, uint32(g.usedBase[q]))
		g.mmioWrite(commonQUsedHi, 4, 0)
		g.mmioWrite(commonQEnable, 2, 1)
	}
	g.mmioWrite(commonStatus, 1, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
}

func (g *guestView) writeDesc(q int, idx uint16, addr uint64, length uint32, flags, next uint16) {
	base := g.descBase[q] + uint64(idx)*16
	g.mem.writeU64(base, addr)
	g.mem.writeU32(base+8, length)
	g.mem.writeU16(base+12, flags)
	g.mem.writeU16(base+14, next)
}

func (g *guestView) pushAvail(q int, descIdx uint16) {
	slot := g.availBase[q] + 4 + uint64(g.availCount[q]%inputQueueSize)*2
	g.mem.writeU16(slot, descIdx)
	g.availCount[q]++
	g.mem.writeU16(g.availBase[q]+2, g.availCount[q])
}

// addEventBuffer posts one device-writable 8-byte buffer on the event
// queue and returns its guest address.
func (g *guestView) addEventBuffer() uint64 {
	addr := g.nextBuf
	g.nextBuf += 0x100
	idx := g.nextDesc[eventQueue]
	g.nextDesc[eventQueue]++
	g.writeDesc(eventQueue, idx%inputQueueSize, addr, virtioEventSize, virtqDescFWrite, 0)
	g.pushAvail(eventQueue, idx%inputQueueSize)
	return addr
}

// postStatusEvent places one guest-to-host event on the status queue.
func (g *guestView) postStatusEvent(ev evdev.Event) {
	addr := g.nextBuf
	g.nextBuf += 0x100
	var buf [virtioEventSize]byte
	encodeVirtioEvent(ev, buf[:])
	copy(g.mem.data[addr:], buf[:])

	idx := g.nextDesc[statusQueue]
	g.nextDesc[statusQueue]++
	g.writeDesc(statusQueue, idx%inputQueueSize, addr, virtioEventSize, 0, 0)
	g.pushAvail(statusQueue, idx%inputQueueSize)
}

func (g *guestView) notify(q int) {
	g.t.Helper()
	g.mmioWrite(notifyRegionOffset+uint32(q)*notifyMultiplier, 2, uint32(q))
}

func (g *guestView) usedIdx(q int) uint16 {
	return g.mem.readU16(g.usedBase[q] + 2)
}

func (g *guestView) usedElem(q int, i int) (id uint32, length uint32) {
	base := g.usedBase[q] + 4 + uint64(i%inputQueueSize)*8
	return g.mem.readU32(base), g.mem.readU32(base + 4)
}

func (g *guestView) readISR() uint8 {
	return uint8(g.mmioRead(isrRegionOffset, 1))
}

func (g *guestView) eventAt(addr uint64) evdev.Event {
	return decodeVirtioEvent(g.mem.data[addr : addr+virtioEventSize])
}

// selectConfig writes the select and subsel registers in the device
// config window.
func (g *guestView) selectConfig(sel, subsel uint8) {
	g.t.Helper()
	g.mmioWrite(deviceRegionOffset, 2, uint32(sel)|uint32(subsel)<<8)
}

func (g *guestView) configSize() uint8 {
	return uint8(g.mmioRead(deviceRegionOffset+cfgSizeOffset, 1))
}

func (g *guestView) configPayload() []byte {
	size := int(g.configSize())
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = byte(g.mmioRead(deviceRegionOffset+cfgPayloadOffset+uint32(i), 1))
	}
	return out
}

func newTestInput(t *testing.T, fake *fakeHostDevice, opts Options) (*Input, *guestView) {
	t.Helper()
	mem := newMockGuestMemory()
	bridge := pci.NewHostBridge(pci.HostBridgeConfig{})
	if opts.Path == "" {
		opts.Path = fake.path
	}
	in, err := NewInput(InputConfig{
		Memory:  mem,
		PCIHost: bridge,
		Device:  5,
		Options: opts,
		Open: func(path string) (HostDevice, error) {
			if path != fake.path {
				return nil, fmt.Errorf("unexpected path %s", path)
			}
			return fake, nil
		},
	})
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	t.Cleanup(func() { in.Close() })
	return in, newGuestView(t, in, mem)
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		in      string
		want    Options
		wantErr bool
	}{
		{in: "/dev/input/event0", want: Options{Path: "/dev/input/event0"}},
		{in: "/dev/input/event0,serial1", want: Options{Path: "/dev/input/event0", Serial: "serial1"}},
		{in: "/dev/input/event0,", want: Options{Path: "/dev/input/event0"}},
		{in: "", wantErr: true},
		{in: ",serial", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseOptions(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseOptions(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseOptions(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseOptions(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestAttachGrabsAndCloseReleases(t *testing.T) {
	fake := newFakeHostDevice()
	in, _ := newTestInput(t, fake, Options{})

	if !fake.grabbed {
		t.Error("device not grabbed after attach")
	}
	if err := in.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fake.grabbed {
		t.Error("device still grabbed after close")
	}
	if !fake.closed {
		t.Error("device fd not closed")
	}
	// Close is idempotent.
	if err := in.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAttachFailureUnwinds(t *testing.T) {
	t.Run("grab fails", func(t *testing.T) {
		fake := newFakeHostDevice()
		fake.grabErr = errors.New("busy")
		_, err := NewInput(InputConfig{
			Memory:  newMockGuestMemory(),
			PCIHost: pci.NewHostBridge(pci.HostBridgeConfig{}),
			Options: Options{Path: fake.path},
			Open:    func(string) (HostDevice, error) { return fake, nil },
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if !fake.closed {
			t.Error("device fd leaked after grab failure")
		}
	})

	t.Run("capabilities fail", func(t *testing.T) {
		fake := newFakeHostDevice()
		fake.capsErr = errors.New("gone")
		_, err := NewInput(InputConfig{
			Memory:  newMockGuestMemory(),
			PCIHost: pci.NewHostBridge(pci.HostBridgeConfig{}),
			Options: Options{Path: fake.path},
			Open:    func(string) (HostDevice, error) { return fake, nil },
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if !fake.closed {
			t.Error("device fd leaked after capability failure")
		}
		if fake.grabbed {
			t.Error("device grabbed despite earlier failure")
		}
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := NewInput(InputConfig{Memory: newMockGuestMemory()})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestConfigSelectors(t *testing.T) {
	fake := newFakeHostDevice()
	_, g := newTestInput(t, fake, Options{Serial: "SN-42"})

	t.Run("name", func(t *testing.T) {
		g.selectConfig(cfgSelIDName, 0)
		if got := string(g.configPayload()); got != "Test Keyboard" {
			t.Errorf("name payload = %q", got)
		}
	})

	t.Run("serial", func(t *testing.T) {
		g.selectConfig(cfgSelIDSerial, 0)
		if got := string(g.configPayload()); got != "SN-42" {
			t.Errorf("serial payload = %q", got)
		}
	})

	t.Run("devids", func(t *testing.T) {
		g.selectConfig(cfgSelIDDevIDs, 0)
		payload := g.configPayload()
		if len(payload) != 8 {
			t.Fatalf("devids size = %d, want 8", len(payload))
		}
		if bus := binary.LittleEndian.Uint16(payload[0:2]); bus != 0x03 {
			t.Errorf("bustype = %#x", bus)
		}
		if vendor := binary.LittleEndian.Uint16(payload[2:4]); vendor != 0x1234 {
			t.Errorf("vendor = %#x", vendor)
		}
		if product := binary.LittleEndian.Uint16(payload[4:6]); product != 0x5678 {
			t.Errorf("product = %#x", product)
		}
		if version := binary.LittleEndian.Uint16(payload[6:8]); version != 0x0111 {
			t.Errorf("version = %#x", version)
		}
	})

	t.Run("key bits", func(t *testing.T) {
		g.selectConfig(cfgSelEvBits, evdev.EV_KEY)
		payload := evdev.Bitmap(g.configPayload())
		if !payload.Test(evdev.KEY_A) || !payload.Test(evdev.BTN_LEFT) {
			t.Errorf("key bitmap missing expected codes: %v", payload.Bits())
		}
		if payload.Test(evdev.KEY_A + 1) {
			t.Error("key bitmap has unexpected code")
		}
	})

	t.Run("unsupported event type", func(t *testing.T) {
		g.selectConfig(cfgSelEvBits, evdev.EV_SND)
		if size := g.configSize(); size != 0 {
			t.Errorf("EV_SND size = %d, want 0", size)
		}
	})

	t.Run("absinfo", func(t *testing.T) {
		g.selectConfig(cfgSelAbsInfo, uint8(evdev.ABS_X))
		payload := g.configPayload()
		if len(payload) != 20 {
			t.Fatalf("absinfo size = %d, want 20", len(payload))
		}
		if min := int32(binary.LittleEndian.Uint32(payload[0:4])); min != -100 {
			t.Errorf("min = %d", min)
		}
		if max := int32(binary.LittleEndian.Uint32(payload[4:8])); max != 4095 {
			t.Errorf("max = %d", max)
		}
		if res := int32(binary.LittleEndian.Uint32(payload[16:20])); res != 12 {
			t.Errorf("resolution = %d", res)
		}
	})

	t.Run("absinfo for unknown axis", func(t *testing.T) {
		g.selectConfig(cfgSelAbsInfo, uint8(evdev.ABS_Y))
		if size := g.configSize(); size != 0 {
			t.Errorf("unknown axis size = %d, want 0", size)
		}
	})

	t.Run("unknown selector", func(t *testing.T) {
		g.selectConfig(0x7f, 0)
		if size := g.configSize(); size != 0 {
			t.Errorf("unknown selector size = %d, want 0", size)
		}
	})

	t.Run("unset", func(t *testing.T) {
		g.selectConfig(cfgSelUnset, 0)
		if size := g.configSize(); size != 0 {
			t.Errorf("unset size = %d, want 0", size)
		}
	})
}

func TestEmptySerialReadsAsZeroLength(t *testing.T) {
	fake := newFakeHostDevice()
	_, g := newTestInput(t, fake, Options{})

	g.selectConfig(cfgSelIDSerial, 0)
	if size := g.configSize(); size != 0 {
		t.Errorf("serial size = %d, want 0", size)
	}
}

func TestPacketDeliveryOneInterrupt(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	addrs := []uint64{g.addEventBuffer(), g.addEventBuffer(), g.addEventBuffer()}

	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 0},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()

	if got := g.usedIdx(eventQueue); got != 3 {
		t.Fatalf("used idx = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if _, length := g.usedElem(eventQueue, i); length != virtioEventSize {
			t.Errorf("used elem %d length = %d, want %d", i, length, virtioEventSize)
		}
	}

	// Order preserved across the packet.
	want := []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 0},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	for i, addr := range addrs {
		if got := g.eventAt(addr); got != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got, want[i])
		}
	}

	// One packet, one interrupt.
	if isr := g.readISR(); isr != isrQueue {
		t.Errorf("ISR = %#x, want queue bit", isr)
	}
	if isr := g.readISR(); isr != 0 {
		t.Errorf("ISR after clear-on-read = %#x", isr)
	}

	stats := in.Stats()
	if stats.PacketsDelivered != 1 || stats.EventsDelivered != 3 || stats.EventsRead != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPacketHeldUntilEnoughBuffers(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	g.addEventBuffer()

	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 0},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()

	// Partial delivery never happens.
	if got := g.usedIdx(eventQueue); got != 0 {
		t.Fatalf("used idx = %d, want 0 with insufficient buffers", got)
	}
	if isr := g.readISR(); isr != 0 {
		t.Errorf("ISR = %#x before delivery", isr)
	}

	g.addEventBuffer()
	g.addEventBuffer()
	g.notify(eventQueue)

	if got := g.usedIdx(eventQueue); got != 3 {
		t.Fatalf("used idx = %d after replenish, want 3", got)
	}
	if isr := g.readISR(); isr != isrQueue {
		t.Errorf("ISR = %#x after delivery", isr)
	}
}

func TestForcedPacketBoundary(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	for i := 0; i < packetCapacity; i++ {
		g.addEventBuffer()
	}

	// A burst with no SYN overflows the packet buffer and forces a
	// boundary at capacity.
	for i := 0; i < packetCapacity; i++ {
		fake.events = append(fake.events, evdev.Event{
			Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: int32(i),
		})
	}
	in.HandleHostReadable()

	if got := g.usedIdx(eventQueue); got != packetCapacity {
		t.Fatalf("used idx = %d, want %d", got, packetCapacity)
	}
	stats := in.Stats()
	if stats.ForcedBoundaries != 1 {
		t.Errorf("forced boundaries = %d, want 1", stats.ForcedBoundaries)
	}
	if stats.PacketsDelivered != 1 {
		t.Errorf("packets delivered = %d, want 1", stats.PacketsDelivered)
	}
}

func TestPacketsDroppedWhileDriverNotReady(t *testing.T) {
	fake := newFakeHostDevice()
	in, _ := newTestInput(t, fake, Options{})

	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()

	stats := in.Stats()
	if stats.DroppedPackets != 1 {
		t.Errorf("dropped packets = %d, want 1", stats.DroppedPackets)
	}
	if stats.EventsRead != 2 {
		t.Errorf("events read = %d, want 2", stats.EventsRead)
	}
}

func TestPendingOverflowDropsOldest(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	// No guest buffers yet: packets pile up in the pending queue.
	for i := 0; i <= pendingCapacity; i++ {
		fake.events = append(fake.events,
			evdev.Event{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: int32(i)},
			evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
		)
	}
	in.HandleHostReadable()

	stats := in.Stats()
	if stats.DroppedPackets != 1 {
		t.Fatalf("dropped packets = %d, want 1", stats.DroppedPackets)
	}

	addr := g.addEventBuffer()
	g.addEventBuffer()
	g.notify(eventQueue)

	// The oldest packet (value 0) was dropped, so value 1 leads.
	if got := g.eventAt(addr); got.Value != 1 {
		t.Errorf("first delivered event value = %d, want 1", got.Value)
	}
}

func TestInterruptSuppressedByAvailFlag(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	g.addEventBuffer()
	g.addEventBuffer()
	g.mem.writeU16(g.availBase[eventQueue], availFNoInterrupt)

	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()

	if got := g.usedIdx(eventQueue); got != 2 {
		t.Fatalf("used idx = %d, want 2", got)
	}
	if isr := g.readISR(); isr != 0 {
		t.Errorf("ISR = %#x despite NO_INTERRUPT", isr)
	}
}

func TestStatusQueueForwardsLEDs(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	g.postStatusEvent(evdev.Event{Type: evdev.EV_LED, Code: evdev.LED_CAPSL, Value: 1})
	g.notify(statusQueue)

	if len(fake.written) != 1 {
		t.Fatalf("host writes = %d, want 1", len(fake.written))
	}
	if fake.written[0] != (evdev.Event{Type: evdev.EV_LED, Code: evdev.LED_CAPSL, Value: 1}) {
		t.Errorf("forwarded event = %+v", fake.written[0])
	}
	if got := g.usedIdx(statusQueue); got != 1 {
		t.Errorf("status used idx = %d, want 1", got)
	}
	if isr := g.readISR(); isr != isrQueue {
		t.Errorf("ISR = %#x after status consume", isr)
	}
	if in.Stats().StatusForwarded != 1 {
		t.Errorf("stats = %+v", in.Stats())
	}
}

func TestStatusQueueFiltersOtherTypes(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	g.postStatusEvent(evdev.Event{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1})
	g.notify(statusQueue)

	if len(fake.written) != 0 {
		t.Errorf("filtered event reached host: %+v", fake.written)
	}
	// The buffer is still consumed.
	if got := g.usedIdx(statusQueue); got != 1 {
		t.Errorf("status used idx = %d, want 1", got)
	}
	if in.Stats().StatusDropped != 1 {
		t.Errorf("stats = %+v", in.Stats())
	}
}

func TestStatusQueueWriteFailureIsBestEffort(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	fake.writeErr = errors.New("write refused")
	g.postStatusEvent(evdev.Event{Type: evdev.EV_LED, Code: evdev.LED_CAPSL, Value: 1})
	g.notify(statusQueue)

	if got := g.usedIdx(statusQueue); got != 1 {
		t.Errorf("status used idx = %d, want 1", got)
	}
	stats := in.Stats()
	if stats.StatusDropped != 1 || stats.StatusForwarded != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHostReadFailureSetsNeedsReset(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	disabled := false
	in.mu.Lock()
	in.core.disableWatch = func() { disabled = true }
	in.mu.Unlock()

	fake.readErr = errors.New("device unplugged")
	in.HandleHostReadable()

	if !disabled {
		t.Error("fd watch not disabled after host failure")
	}
	if status := g.mmioRead(commonStatus, 1); status&statusNeedsReset == 0 {
		t.Errorf("status = %#x, NEEDS_RESET missing", status)
	}
	if isr := g.readISR(); isr&isrConfig == 0 {
		t.Errorf("ISR = %#x, config change bit missing", isr)
	}

	// The failure is sticky: further callbacks do nothing.
	fake.readErr = nil
	fake.events = []evdev.Event{{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}}
	in.HandleHostReadable()
	if in.Stats().EventsRead != 0 {
		t.Errorf("events read after failure = %d, want 0", in.Stats().EventsRead)
	}
}

func TestResetClearsDeviceState(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	// Leave a packet pending and a selector set.
	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()
	g.selectConfig(cfgSelIDName, 0)

	g.mmioWrite(commonStatus, 1, 0)

	in.mu.Lock()
	pendingLen := len(in.core.pending)
	sel := in.core.cfg.sel
	in.mu.Unlock()
	if pendingLen != 0 {
		t.Errorf("pending packets survive reset: %d", pendingLen)
	}
	if sel != cfgSelUnset {
		t.Errorf("config selector survives reset: %#x", sel)
	}
	// The host side stays attached across resets.
	if !fake.grabbed || fake.closed {
		t.Error("host device released by guest reset")
	}
	if in.transport.driverOK() {
		t.Error("driverOK after reset, driver must renegotiate")
	}
}

func TestDoubleResetIsIdempotent(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	// Dirty the device: a pending packet and a set config selector.
	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()
	g.selectConfig(cfgSelIDName, 0)

	type deviceState struct {
		status  uint32
		pending int
		sel     uint8
		q0Ready bool
		q1Ready bool
	}
	capture := func() deviceState {
		status := g.mmioRead(commonStatus, 1)
		in.mu.Lock()
		defer in.mu.Unlock()
		return deviceState{
			status:  status,
			pending: len(in.core.pending),
			sel:     in.core.cfg.sel,
			q0Ready: in.transport.queues[eventQueue].ready,
			q1Ready: in.transport.queues[statusQueue].ready,
		}
	}

	g.mmioWrite(commonStatus, 1, 0)
	first := capture()
	g.mmioWrite(commonStatus, 1, 0)
	second := capture()

	want := deviceState{status: 0, pending: 0, sel: cfgSelUnset}
	if first != want {
		t.Errorf("state after first reset = %+v, want %+v", first, want)
	}
	if second != first {
		t.Errorf("state after second reset = %+v, want %+v", second, first)
	}
}

func TestBadBufferDropsPacketWhole(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	// One usable buffer followed by a driver-readable descriptor that
	// cannot receive an event.
	good := g.addEventBuffer()
	idx := g.nextDesc[eventQueue]
	g.nextDesc[eventQueue]++
	g.writeDesc(eventQueue, idx%inputQueueSize, g.nextBuf, virtioEventSize, 0, 0)
	g.pushAvail(eventQueue, idx%inputQueueSize)

	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()

	// The ring stays untouched: no used element, no interrupt, no write
	// into the usable buffer.
	if got := g.usedIdx(eventQueue); got != 0 {
		t.Fatalf("used idx = %d, want 0", got)
	}
	if isr := g.readISR(); isr != 0 {
		t.Errorf("ISR = %#x for dropped packet", isr)
	}
	if got := g.eventAt(good); got != (evdev.Event{}) {
		t.Errorf("buffer written for dropped packet: %+v", got)
	}
	if in.Stats().DroppedPackets != 1 {
		t.Errorf("stats = %+v", in.Stats())
	}
}

func TestLegacyInterruptWithoutMSIX(t *testing.T) {
	fake := newFakeHostDevice()
	in, g := newTestInput(t, fake, Options{})
	g.start()

	g.addEventBuffer()
	g.addEventBuffer()

	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()

	if got := g.usedIdx(eventQueue); got != 2 {
		t.Fatalf("used idx = %d, want 2", got)
	}
	if len(g.mem.msi) != 0 {
		t.Fatalf("MSI sent with MSI-X disabled: %+v", g.mem.msi)
	}
	last, ok := g.mem.lastIRQ()
	if !ok || !last.asserted {
		t.Fatalf("interrupt line not asserted for delivered packet: %+v", g.mem.irqs)
	}

	// ISR acknowledge releases the line.
	if isr := g.readISR(); isr != isrQueue {
		t.Errorf("ISR = %#x, want queue bit", isr)
	}
	if last, _ := g.mem.lastIRQ(); last.asserted {
		t.Errorf("line still asserted after ISR ack: %+v", g.mem.irqs)
	}
}

func TestHandleHostReadableAfterClose(t *testing.T) {
	fake := newFakeHostDevice()
	in, _ := newTestInput(t, fake, Options{})

	if err := in.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fake.events = []evdev.Event{
		{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 1},
		{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0},
	}
	in.HandleHostReadable()

	if got := in.Stats().EventsRead; got != 0 {
		t.Errorf("events read after close = %d, want 0", got)
	}
}
