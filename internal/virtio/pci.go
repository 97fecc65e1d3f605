package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/virtm/vinput/internal/pci"
)

const (
	pciVendorVirtio = 0x1AF4
	// Modern virtio PCI device IDs start at 0x1040 plus the virtio
	// device type.
	pciDeviceIDBase = 0x1040
)

// Vendor capability config types.
const (
	capCommonCfg = 1
	capNotifyCfg = 2
	capISRCfg    = 3
	capDeviceCfg = 4
)

// Common configuration structure offsets.
const (
	commonDFSelect      = 0x00
	commonDF            = 0x04
	commonGFSelect      = 0x08
	commonGF            = 0x0C
	commonMSIXConfig    = 0x10
	commonNumQueues     = 0x12
	commonStatus        = 0x14
	commonCfgGeneration = 0x15
	commonQSelect       = 0x16
	commonQSize         = 0x18
	commonQMSIX         = 0x1A
	commonQEnable       = 0x1C
	commonQNotifyOff    = 0x1E
	commonQDescLo       = 0x20
	commonQDescHi       = 0x24
	commonQAvailLo      = 0x28
	commonQAvailHi      = 0x2C
	commonQUsedLo       = 0x30
	commonQUsedHi       = 0x34
)

const msiNoVector = 0xFFFF

// All virtio register blocks share BAR0. MSI-X lives alone in BAR2.
const (
	commonRegionOffset = 0x0000
	commonRegionLen    = 0x38
	isrRegionOffset    = 0x1000
	isrRegionLen       = 0x1
	deviceRegionOffset = 0x2000
	deviceRegionLen    = 0x200
	notifyRegionOffset = 0x3000
	notifyMultiplier   = 4
)

const (
	vendorCapID    = 0x09
	msixCapID      = 0x11
	capChainStart  = 0x40
	virtioCapLen   = 16
	notifyCapLen   = 20
	msixCapLen     = 12
	msixEntrySize  = 16
	msixEnableBit  = uint16(1 << 15)
	msixMaskAllBit = uint16(1 << 14)
)

const (
	pciStatusCapList      = 0x0010
	pciCommandIntxDisable = 0x0400
	pciInterruptPinA      = 0x01
	pciDefaultIRQLine     = 10
	pciClassInputOther    = 0x0980_0001
)

type pciBAR struct {
	size   uint64
	low    uint32
	high   uint32
	sizing bool
}

func (b *pciBAR) base() uint64 {
	return (uint64(b.high) << 32) | uint64(b.low&0xffff_fff0)
}

func (b *pciBAR) sizeMask() uint64 {
	if b.size == 0 {
		return 0
	}
	return ^(b.size - 1) & ^uint64(0xf)
}

type msixVectorEntry struct {
	addr   uint64
	data   uint32
	masked bool
}

// pciTransport is the modern virtio PCI transport. Guest accesses
// arrive through the pci.Endpoint config space and through MMIO on the
// two memory BARs. The mutex is shared with the device handler so that
// guest-side and host-side activity serialize on a single lock.
type pciTransport struct {
	mu *sync.Mutex

	mem     GuestMemory
	host    *pci.HostBridge
	handle  *pci.DeviceHandle
	handler deviceHandler
	log     *slog.Logger

	bus, dev, fn uint8

	deviceID    uint16
	subsystemID uint16

	command       uint16
	pciStatus     uint16
	interruptLine uint8
	intxAsserted  bool

	// bars[0] is the virtio register BAR, bars[1] the MSI-X BAR.
	// Both are 64-bit memory BARs at config offsets 0x10 and 0x18.
	bars [2]pciBAR

	caps          []byte
	msixCapOffset uint16

	deviceFeatures uint64
	guestFeatures  uint64
	featureSel     uint32
	guestSel       uint32

	queueSel      uint16
	deviceStatus  uint8
	cfgGeneration uint8
	isrStatus     uint8

	msixControl      uint16
	msixConfigVector uint16
	msixEntries      []msixVectorEntry
	msixPending      uint64
	msixTableLen     uint32
	msixPBAOffset    uint32
	msixPBALen       uint32

	queues []queue

	notifyRegionLen uint32
}

func newPCITransport(mem GuestMemory, host *pci.HostBridge, bus, dev, fn uint8, virtioDeviceID uint16, features uint64, handler deviceHandler, logger *slog.Logger, mu *sync.Mutex) (*pciTransport, error) {
	if handler == nil {
		return nil, fmt.Errorf("virtio: transport requires a handler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if mu == nil {
		mu = new(sync.Mutex)
	}
	queueCount := handler.NumQueues()
	if queueCount <= 0 {
		return nil, fmt.Errorf("virtio: device must expose at least one queue")
	}

	t := &pciTransport{
		mu:      mu,
		mem:     mem,
		host:    host,
		handler: handler,
		log:     logger,
		bus:     bus,
		dev:     dev,
		fn:      fn,

		deviceID:       pciDeviceIDBase + virtioDeviceID,
		subsystemID:    virtioDeviceID,
		interruptLine:  pciDefaultIRQLine,
		pciStatus:      pciStatusCapList,
		deviceFeatures: features | featureVersion1,

		notifyRegionLen:  uint32(queueCount) * notifyMultiplier,
		msixConfigVector: msiNoVector,
	}

	t.queues = make([]queue, queueCount)
	for i := range t.queues {
		maxSize := handler.QueueMaxSize(i)
		if maxSize == 0 {
			return nil, fmt.Errorf("virtio: queue %d has zero max size", i)
		}
		t.queues[i].maxSize = maxSize
		t.queues[i].notifyOff = uint16(i)
		t.queues[i].msixVector = msiNoVector
	}

	t.initMSIX(queueCount + 1)
	t.initBARs()
	t.buildCapabilities()

	if host != nil {
		handle, err := host.RegisterEndpoint(bus, dev, fn, t)
		if err != nil {
			return nil, fmt.Errorf("register pci endpoint: %w", err)
		}
		t.handle = handle
		if err := t.allocateBARs(); err != nil {
			host.DeregisterEndpoint(handle)
			return nil, fmt.Errorf("allocate pci bars: %w", err)
		}
	}

	t.reset()
	return t, nil
}

// detach removes the transport from the host bridge.
func (t *pciTransport) detach() {
	if t.host != nil && t.handle != nil {
		t.host.DeregisterEndpoint(t.handle)
		t.handle = nil
	}
}

func (t *pciTransport) initMSIX(vectors int) {
	t.msixEntries = make([]msixVectorEntry, vectors)
	for i := range t.msixEntries {
		t.msixEntries[i].masked = true
	}
	t.msixControl = uint16(vectors - 1)
	t.msixTableLen = uint32(vectors * msixEntrySize)
	t.msixPBAOffset = (t.msixTableLen + 7) &^ 7
	t.msixPBALen = 8
}

func (t *pciTransport) initBARs() {
	t.bars[0] = pciBAR{size: barSizeForLength(notifyRegionOffset + t.notifyRegionLen)}
	t.bars[1] = pciBAR{size: barSizeForLength(t.msixPBAOffset + t.msixPBALen)}
}

func barSizeForLength(length uint32) uint64 {
	size := uint64(0x1000)
	for size < uint64(length) {
		size <<= 1
	}
	return size
}

// buildCapabilities lays out the capability list as a flat blob
// starting at capChainStart. Order: common, notify, isr, device
// config vendor capabilities, then MSI-X.
func (t *pciTransport) buildCapabilities() {
	commonOff := uint16(capChainStart)
	notifyOff := commonOff + virtioCapLen
	isrOff := notifyOff + notifyCapLen
	deviceOff := isrOff + virtioCapLen
	msixOff := deviceOff + virtioCapLen
	end := msixOff + msixCapLen

	caps := make([]byte, int(end)-capChainStart)
	putVendorCap := func(off uint16, next uint16, capLen int, cfgType uint8, regionOff, regionLen uint32) {
		buf := caps[off-capChainStart:]
		buf[0] = vendorCapID
		buf[1] = uint8(next)
		buf[2] = uint8(capLen)
		buf[3] = cfgType
		buf[4] = 0 // all virtio regions live in BAR0
		binary.LittleEndian.PutUint32(buf[8:12], regionOff)
		binary.LittleEndian.PutUint32(buf[12:16], regionLen)
	}
	putVendorCap(commonOff, notifyOff, virtioCapLen, capCommonCfg, commonRegionOffset, commonRegionLen)
	putVendorCap(notifyOff, isrOff, notifyCapLen, capNotifyCfg, notifyRegionOffset, t.notifyRegionLen)
	binary.LittleEndian.PutUint32(caps[notifyOff-capChainStart+16:], notifyMultiplier)
	putVendorCap(isrOff, deviceOff, virtioCapLen, capISRCfg, isrRegionOffset, isrRegionLen)
	putVendorCap(deviceOff, msixOff, virtioCapLen, capDeviceCfg, deviceRegionOffset, deviceRegionLen)

	msix := caps[msixOff-capChainStart:]
	msix[0] = msixCapID
	msix[1] = 0
	// Message control is served dynamically; table and PBA both sit
	// in BAR1, which is config register BAR index 2.
	binary.LittleEndian.PutUint32(msix[4:8], 0|2)
	binary.LittleEndian.PutUint32(msix[8:12], t.msixPBAOffset|2)

	t.caps = caps
	t.msixCapOffset = msixOff
}

func (t *pciTransport) allocateBARs() error {
	for i := range t.bars {
		bar := &t.bars[i]
		// Config register BAR index: low dword of BAR n sits at slot 2n.
		base, err := t.handle.AllocateMemoryBAR(i*2, uint32(bar.size), uint32(bar.size))
		if err != nil {
			return err
		}
		bar.low = uint32(base)&0xffff_fff0 | 0x4
		bar.high = uint32(base >> 32)
	}
	return nil
}

// ConfigSpace implements pci.Endpoint.
func (t *pciTransport) ConfigSpace() pci.ConfigSpace { return t }

// OnBARReprogram implements pci.Endpoint.
func (t *pciTransport) OnBARReprogram(index int, value uint32) error {
	// BAR state is updated by WriteConfig already.
	return nil
}

// ReadConfig implements pci.ConfigSpace.
func (t *pciTransport) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	base := offset &^ 0x3
	value := t.readConfigDWord(base)
	shift := (offset - base) * 8
	mask := uint32(uint64(1)<<(size*8) - 1)
	return (value >> shift) & mask, nil
}

// WriteConfig implements pci.ConfigSpace.
func (t *pciTransport) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	base := offset &^ 0x3
	if size == 4 && offset == base {
		t.writeConfigDWord(base, value)
		return nil
	}
	current := t.readConfigDWord(base)
	shift := (offset - base) * 8
	mask := uint32(uint64(1)<<(size*8) - 1)
	t.writeConfigDWord(base, (current & ^(mask<<shift))|((value&mask)<<shift))
	return nil
}

func (t *pciTransport) readConfigDWord(offset uint16) uint32 {
	switch offset {
	case 0x00:
		return uint32(pciVendorVirtio) | uint32(t.deviceID)<<16
	case 0x04:
		return uint32(t.command) | uint32(t.pciStatus)<<16
	case 0x08:
		return pciClassInputOther
	case 0x2c:
		return uint32(pciVendorVirtio) | uint32(t.subsystemID)<<16
	case 0x34:
		return capChainStart
	case 0x3c:
		return uint32(t.interruptLine) | uint32(pciInterruptPinA)<<8
	}

	if offset >= 0x10 && offset < 0x28 {
		return t.readBARRegister(int(offset-0x10) / 4)
	}

	if offset >= capChainStart && int(offset-capChainStart) < len(t.caps) {
		rel := int(offset - capChainStart)
		var value uint32
		for i := 0; i < 4 && rel+i < len(t.caps); i++ {
			value |= uint32(t.caps[rel+i]) << (8 * i)
		}
		if offset == t.msixCapOffset {
			value = value&0xffff | uint32(t.msixControl)<<16
		}
		return value
	}
	return 0
}

func (t *pciTransport) writeConfigDWord(offset uint16, value uint32) {
	switch {
	case offset == 0x04:
		t.command = uint16(value)
		t.pciStatus &^= uint16(value >> 16)
		t.pciStatus |= pciStatusCapList
		t.syncIntx()
	case offset == 0x3c:
		t.interruptLine = uint8(value)
	case offset >= 0x10 && offset < 0x28:
		t.writeBARRegister(int(offset-0x10)/4, value)
	case offset == t.msixCapOffset:
		t.updateMSIXControl(uint16(value >> 16))
	}
}

func (t *pciTransport) readBARRegister(slot int) uint32 {
	barIdx := slot / 2
	if barIdx >= len(t.bars) {
		return 0
	}
	bar := &t.bars[barIdx]
	high := slot%2 == 1
	if bar.sizing {
		mask := bar.sizeMask()
		if high {
			return uint32(mask >> 32)
		}
		return uint32(mask) | 0x4
	}
	if high {
		return bar.high
	}
	return bar.low
}

func (t *pciTransport) writeBARRegister(slot int, value uint32) {
	barIdx := slot / 2
	if barIdx >= len(t.bars) {
		return
	}
	bar := &t.bars[barIdx]
	high := slot%2 == 1
	if value == 0xffff_ffff && !high {
		bar.sizing = true
		return
	}
	if high {
		bar.high = value
	} else {
		bar.low = value&0xffff_fff0 | 0x4
		bar.sizing = false
	}
}

// MMIORead handles a guest read from one of the device BARs.
func (t *pciTransport) MMIORead(addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mmioAccess(addr, data, false)
}

// MMIOWrite handles a guest write to one of the device BARs.
func (t *pciTransport) MMIOWrite(addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mmioAccess(addr, data, true)
}

func (t *pciTransport) mmioAccess(addr uint64, data []byte, write bool) error {
	width := uint32(len(data))
	if width == 0 {
		return nil
	}

	if bar := t.bars[0].base(); bar != 0 && addr >= bar && addr+uint64(width) <= bar+t.bars[0].size {
		return t.virtioRegionAccess(uint32(addr-bar), data, write)
	}
	if bar := t.bars[1].base(); bar != 0 && addr >= bar && addr+uint64(width) <= bar+t.bars[1].size {
		return t.msixRegionAccess(uint32(addr-bar), data, write)
	}
	return fmt.Errorf("virtio-pci: unhandled MMIO access addr=%#x width=%d", addr, width)
}

func (t *pciTransport) virtioRegionAccess(offset uint32, data []byte, write bool) error {
	width := uint32(len(data))
	switch {
	case offset >= commonRegionOffset && offset+width <= commonRegionOffset+commonRegionLen:
		if write {
			return t.writeCommonBlock(offset-commonRegionOffset, data)
		}
		return t.readCommonBlock(offset-commonRegionOffset, data)
	case offset >= isrRegionOffset && offset < isrRegionOffset+0x1000:
		if width != 1 {
			return fmt.Errorf("virtio-pci: unsupported ISR access width %d", width)
		}
		if write {
			t.isrStatus &^= data[0]
		} else {
			// ISR reads are clear-on-read.
			data[0] = t.isrStatus
			t.isrStatus = 0
		}
		t.syncIntx()
		return nil
	case offset >= deviceRegionOffset && offset+width <= deviceRegionOffset+deviceRegionLen:
		rel := offset - deviceRegionOffset
		if width != 1 && width != 2 && width != 4 {
			return fmt.Errorf("virtio-pci: unsupported device config width %d", width)
		}
		if write {
			return t.writeDeviceConfig(rel, littleEndianValue(data, width), width)
		}
		value, err := t.readDeviceConfig(rel, width)
		if err != nil {
			return err
		}
		storeLittleEndian(data, width, value)
		return nil
	case offset >= notifyRegionOffset && offset+width <= notifyRegionOffset+t.notifyRegionLen:
		if !write {
			storeLittleEndian(data, width, 0)
			return nil
		}
		if width != 2 && width != 4 {
			return fmt.Errorf("virtio-pci: unsupported notify width %d", width)
		}
		return t.handleNotify(offset-notifyRegionOffset, uint16(littleEndianValue(data, width)))
	}
	return fmt.Errorf("virtio-pci: access outside register blocks offset=%#x width=%d", offset, width)
}

func (t *pciTransport) handleNotify(offset uint32, value uint16) error {
	index := int(value)
	if index >= len(t.queues) {
		index = int(offset / notifyMultiplier)
	}
	if index < 0 || index >= len(t.queues) {
		return fmt.Errorf("virtio-pci: notify for unknown queue %d", index)
	}
	return t.handler.OnQueueNotify(t, index)
}

func (t *pciTransport) readCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtio-pci: invalid common read at %#x", offset)
		}
		storeLittleEndian(data[:width], width, t.readCommon(offset))
		offset += width
		data = data[width:]
	}
	return nil
}

func (t *pciTransport) writeCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtio-pci: invalid common write at %#x", offset)
		}
		if err := t.writeCommon(offset, littleEndianValue(data[:width], width)); err != nil {
			return err
		}
		offset += width
		data = data[width:]
	}
	return nil
}

func commonFieldWidth(offset uint32) uint32 {
	switch offset {
	case commonDFSelect, commonDF, commonGFSelect, commonGF,
		commonQDescLo, commonQDescHi, commonQAvailLo, commonQAvailHi,
		commonQUsedLo, commonQUsedHi:
		return 4
	case commonMSIXConfig, commonNumQueues, commonQSelect, commonQSize,
		commonQMSIX, commonQEnable, commonQNotifyOff:
		return 2
	case commonStatus, commonCfgGeneration:
		return 1
	}
	return 0
}

func (t *pciTransport) featureWord(features uint64, sel uint32) uint32 {
	switch sel {
	case 0:
		return uint32(features)
	case 1:
		return uint32(features >> 32)
	}
	return 0
}

func (t *pciTransport) readCommon(offset uint32) uint32 {
	switch offset {
	case commonDFSelect:
		return t.featureSel
	case commonDF:
		return t.featureWord(t.deviceFeatures, t.featureSel)
	case commonGFSelect:
		return t.guestSel
	case commonGF:
		return t.featureWord(t.guestFeatures, t.guestSel)
	case commonMSIXConfig:
		return uint32(t.msixConfigVector)
	case commonNumQueues:
		return uint32(len(t.queues))
	case commonStatus:
		return uint32(t.deviceStatus)
	case commonCfgGeneration:
		return uint32(t.cfgGeneration)
	case commonQSelect:
		return uint32(t.queueSel)
	}

	q := t.currentQueue()
	if q == nil {
		return 0
	}
	switch offset {
	case commonQSize:
		if q.size != 0 {
			return uint32(q.size)
		}
		return uint32(q.maxSize)
	case commonQMSIX:
		return uint32(q.msixVector)
	case commonQEnable:
		if q.ready {
			return 1
		}
		return 0
	case commonQNotifyOff:
		return uint32(q.notifyOff)
	case commonQDescLo:
		return uint32(q.descAddr)
	case commonQDescHi:
		return uint32(q.descAddr >> 32)
	case commonQAvailLo:
		return uint32(q.availAddr)
	case commonQAvailHi:
		return uint32(q.availAddr >> 32)
	case commonQUsedLo:
		return uint32(q.usedAddr)
	case commonQUsedHi:
		return uint32(q.usedAddr >> 32)
	}
	return 0
}

func (t *pciTransport) writeCommon(offset uint32, value uint32) error {
	switch offset {
	case commonDFSelect:
		t.featureSel = value
		return nil
	case commonGFSelect:
		t.guestSel = value
		return nil
	case commonGF:
		if t.guestSel > 1 {
			return nil
		}
		offered := t.featureWord(t.deviceFeatures, t.guestSel)
		if dropped := value &^ offered; dropped != 0 {
			t.log.Debug("virtio-pci: guest requested unsupported features",
				"word", t.guestSel, "bits", fmt.Sprintf("%#x", dropped))
		}
		shift := 32 * t.guestSel
		t.guestFeatures = t.guestFeatures & ^(uint64(0xffff_ffff)<<shift) |
			uint64(value&offered)<<shift
		return nil
	case commonMSIXConfig:
		t.msixConfigVector = uint16(value)
		return nil
	case commonStatus:
		return t.writeStatus(uint8(value))
	case commonQSelect:
		t.queueSel = uint16(value)
		return nil
	case commonDF, commonNumQueues, commonCfgGeneration, commonQNotifyOff:
		// read-only
		return nil
	}

	q := t.currentQueue()
	if q == nil {
		return nil
	}
	switch offset {
	case commonQSize:
		if value == 0 || value > uint32(q.maxSize) {
			return fmt.Errorf("virtio-pci: invalid queue size %d", value)
		}
		q.size = uint16(value)
	case commonQMSIX:
		q.msixVector = uint16(value)
	case commonQEnable:
		if value&0x1 == 0 {
			q.ready = false
			return nil
		}
		if q.size == 0 {
			q.size = q.maxSize
		}
		q.ready = true
	case commonQDescLo:
		q.descAddr = q.descAddr&^0xffff_ffff | uint64(value)
	case commonQDescHi:
		q.descAddr = q.descAddr&0xffff_ffff | uint64(value)<<32
	case commonQAvailLo:
		q.availAddr = q.availAddr&^0xffff_ffff | uint64(value)
	case commonQAvailHi:
		q.availAddr = q.availAddr&0xffff_ffff | uint64(value)<<32
	case commonQUsedLo:
		q.usedAddr = q.usedAddr&^0xffff_ffff | uint64(value)
	case commonQUsedHi:
		q.usedAddr = q.usedAddr&0xffff_ffff | uint64(value)<<32
	}
	return nil
}

// writeStatus implements the virtio status protocol. Writing zero
// resets the device; other writes replace the status byte and are
// forwarded to the handler.
func (t *pciTransport) writeStatus(value uint8) error {
	if value == 0 {
		t.reset()
		return nil
	}
	t.deviceStatus = value
	t.handler.OnDeviceStatus(t, value)
	return nil
}

func (t *pciTransport) currentQueue() *queue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return &t.queues[t.queueSel]
}

func (t *pciTransport) readDeviceConfig(offset uint32, width uint32) (uint32, error) {
	value, handled, err := t.handler.ReadConfig(t, offset&^0x3)
	if err != nil {
		return 0, err
	}
	if !handled {
		return 0, nil
	}
	shift := (offset & 0x3) * 8
	mask := uint32(uint64(1)<<(width*8) - 1)
	return value >> shift & mask, nil
}

func (t *pciTransport) writeDeviceConfig(offset uint32, value uint32, width uint32) error {
	aligned := offset &^ 0x3
	if width != 4 || offset != aligned {
		current, handled, err := t.handler.ReadConfig(t, aligned)
		if err != nil {
			return err
		}
		if !handled {
			current = 0
		}
		shift := (offset - aligned) * 8
		mask := uint32(uint64(1)<<(width*8) - 1)
		value = current & ^(mask<<shift) | (value&mask)<<shift
	}
	handled, err := t.handler.WriteConfig(t, aligned, value)
	if handled {
		t.cfgGeneration++
	}
	return err
}

func (t *pciTransport) msixRegionAccess(offset uint32, data []byte, write bool) error {
	switch {
	case offset+uint32(len(data)) <= t.msixTableLen:
		for i := range data {
			byteOff := int(offset) + i
			entry := &t.msixEntries[byteOff/msixEntrySize]
			rel := byteOff % msixEntrySize
			if write {
				t.writeMSIXEntryByte(entry, rel, data[i], uint16(byteOff/msixEntrySize))
			} else {
				data[i] = msixEntryByte(entry, rel)
			}
		}
		return nil
	case offset >= t.msixPBAOffset && offset+uint32(len(data)) <= t.msixPBAOffset+t.msixPBALen:
		if write {
			return nil
		}
		for i := range data {
			shift := uint((int(offset-t.msixPBAOffset) + i) * 8)
			data[i] = byte(t.msixPending >> shift)
		}
		return nil
	}
	return fmt.Errorf("virtio-pci: MSI-X access out of range offset=%#x", offset)
}

func msixEntryByte(entry *msixVectorEntry, rel int) byte {
	switch {
	case rel < 8:
		return byte(entry.addr >> (8 * rel))
	case rel < 12:
		return byte(entry.data >> (8 * (rel - 8)))
	case rel == 12:
		if entry.masked {
			return 1
		}
		return 0
	}
	return 0
}

func (t *pciTransport) writeMSIXEntryByte(entry *msixVectorEntry, rel int, value byte, vector uint16) {
	switch {
	case rel < 8:
		shift := uint(8 * rel)
		entry.addr = entry.addr & ^(uint64(0xff)<<shift) | uint64(value)<<shift
	case rel < 12:
		shift := uint(8 * (rel - 8))
		entry.data = entry.data & ^(uint32(0xff)<<shift) | uint32(value)<<shift
	case rel == 12:
		wasMasked := entry.masked
		entry.masked = value&0x1 != 0
		if wasMasked && !entry.masked {
			t.flushPendingVector(vector)
		}
	}
}

func (t *pciTransport) updateMSIXControl(value uint16) {
	sizeBits := t.msixControl &^ (msixEnableBit | msixMaskAllBit)
	wasBlocked := t.msixControl&msixMaskAllBit != 0 || t.msixControl&msixEnableBit == 0
	t.msixControl = sizeBits | value&(msixEnableBit|msixMaskAllBit)
	if wasBlocked && t.msixEnabled() && t.msixControl&msixMaskAllBit == 0 {
		for v := range t.msixEntries {
			t.flushPendingVector(uint16(v))
		}
	}
	t.syncIntx()
}

func (t *pciTransport) msixEnabled() bool {
	return t.msixControl&msixEnableBit != 0
}

func (t *pciTransport) flushPendingVector(vector uint16) {
	if t.msixPending&(uint64(1)<<vector) == 0 {
		return
	}
	t.signalVector(vector)
}

func (t *pciTransport) signalVector(vector uint16) {
	if vector == msiNoVector || int(vector) >= len(t.msixEntries) {
		return
	}
	if !t.msixEnabled() {
		// The legacy interrupt line carries the event instead.
		return
	}
	entry := &t.msixEntries[vector]
	if t.msixControl&msixMaskAllBit != 0 || entry.masked {
		t.msixPending |= uint64(1) << vector
		return
	}
	signaler, ok := t.mem.(MSISignaler)
	if !ok || entry.addr == 0 {
		return
	}
	if err := signaler.SignalMSI(entry.addr, entry.data); err != nil {
		t.log.Error("virtio-pci: signal MSI-X failed", "vector", vector, "err", err)
		return
	}
	t.msixPending &^= uint64(1) << vector
}

// syncIntx matches the legacy interrupt line level to the ISR register.
// The line is only driven while MSI-X is disabled and the command
// register permits INTx.
func (t *pciTransport) syncIntx() {
	signaler, ok := t.mem.(IntxSignaler)
	if !ok {
		return
	}
	asserted := t.isrStatus != 0 && !t.msixEnabled() && t.command&pciCommandIntxDisable == 0
	if asserted == t.intxAsserted {
		return
	}
	if err := signaler.SetIRQLine(t.interruptLine, asserted); err != nil {
		t.log.Error("virtio-pci: set interrupt line failed", "line", t.interruptLine, "err", err)
		return
	}
	t.intxAsserted = asserted
}

// reset returns the transport to its post-construction state and
// tells the handler to drop in-flight work.
func (t *pciTransport) reset() {
	t.featureSel = 0
	t.guestSel = 0
	t.guestFeatures = 0
	t.queueSel = 0
	t.deviceStatus = 0
	t.cfgGeneration = 0
	t.isrStatus = 0
	t.msixConfigVector = msiNoVector
	t.msixPending = 0
	t.msixControl = uint16(len(t.msixEntries) - 1)
	for i := range t.msixEntries {
		t.msixEntries[i] = msixVectorEntry{masked: true}
	}
	for i := range t.queues {
		t.queues[i].reset()
	}
	t.syncIntx()
	t.handler.OnReset(t)
}

// device interface implementation. Callers hold the device mutex.

func (t *pciTransport) queue(index int) *queue {
	if index < 0 || index >= len(t.queues) {
		return nil
	}
	return &t.queues[index]
}

func (t *pciTransport) readAvailState(q *queue) (uint16, uint16, error) {
	if err := ensureQueueReady(q); err != nil {
		return 0, 0, err
	}
	var header [4]byte
	if err := t.readGuestInto(q.availAddr, header[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(header[0:2]), binary.LittleEndian.Uint16(header[2:4]), nil
}

func (t *pciTransport) readAvailEntry(q *queue, ringIndex uint16) (uint16, error) {
	if err := ensureQueueReady(q); err != nil {
		return 0, err
	}
	var buf [2]byte
	if err := t.readGuestInto(q.availAddr+4+uint64(ringIndex)*2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (t *pciTransport) readDescriptor(q *queue, index uint16) (virtqDescriptor, error) {
	if err := ensureQueueReady(q); err != nil {
		return virtqDescriptor{}, err
	}
	if index >= q.size {
		return virtqDescriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds", index)
	}
	var buf [16]byte
	if err := t.readGuestInto(q.descAddr+uint64(index)*16, buf[:]); err != nil {
		return virtqDescriptor{}, err
	}
	return virtqDescriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (t *pciTransport) recordUsedElement(q *queue, head uint16, length uint32) error {
	if err := ensureQueueReady(q); err != nil {
		return err
	}
	base := q.usedAddr + 4 + uint64(q.usedIdx%q.size)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := t.writeGuest(base, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return t.writeGuest(q.usedAddr+2, idx[:])
}

func (t *pciTransport) raiseQueueInterrupt(index int) {
	t.isrStatus |= isrQueue
	if q := t.queue(index); q != nil {
		t.signalVector(q.msixVector)
	}
	t.syncIntx()
}

func (t *pciTransport) raiseConfigInterrupt() {
	t.isrStatus |= isrConfig
	t.signalVector(t.msixConfigVector)
	t.syncIntx()
}

func (t *pciTransport) readGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := t.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *pciTransport) readGuestInto(addr uint64, buf []byte) error {
	if t.mem == nil {
		return fmt.Errorf("virtio: guest memory not configured")
	}
	n, err := t.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest memory read at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read at %#x", addr)
	}
	return nil
}

func (t *pciTransport) writeGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if t.mem == nil {
		return fmt.Errorf("virtio: guest memory not configured")
	}
	n, err := t.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest memory write at %#x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write at %#x", addr)
	}
	return nil
}

func (t *pciTransport) driverOK() bool {
	return t.deviceStatus&statusDriverOK != 0 && t.deviceStatus&statusNeedsReset == 0
}

// setNeedsReset marks the device as requiring a reset after an
// unrecoverable host-side failure and tells the driver via a config
// change interrupt.
func (t *pciTransport) setNeedsReset() {
	if t.deviceStatus&statusNeedsReset != 0 {
		return
	}
	t.deviceStatus |= statusNeedsReset
	t.raiseConfigInterrupt()
}
