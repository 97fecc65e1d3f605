package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/virtm/vinput/internal/evdev"
	"github.com/virtm/vinput/internal/pci"
	"github.com/virtm/vinput/internal/reactor"
)

// Virtio device type for input devices.
const inputDeviceID = 18

const (
	eventQueue  = 0
	statusQueue = 1

	inputQueueSize = 64

	// virtioEventSize is the wire size of one virtio input event:
	// le16 type, le16 code, le32 value.
	virtioEventSize = 8

	// packetCapacity bounds how many host events accumulate before a
	// SYN boundary is forced.
	packetCapacity = 10

	// pendingCapacity bounds the queue of complete packets waiting
	// for guest buffers. The oldest packet is dropped on overflow.
	pendingCapacity = 16
)

// Options describe an input device attachment, parsed from the
// "<path>[,<serial>]" form.
type Options struct {
	Path   string
	Serial string
}

// ParseOptions parses an attach string. The path is mandatory, the
// serial defaults to empty and the guest then reads a zero-length
// serial payload.
func ParseOptions(s string) (Options, error) {
	path, serial, _ := strings.Cut(s, ",")
	if path == "" {
		return Options{}, fmt.Errorf("input: device path required")
	}
	return Options{Path: path, Serial: serial}, nil
}

// HostDevice is the host-side event device an Input bridges into the
// guest. *evdev.Device is the production implementation.
type HostDevice interface {
	Path() string
	Fd() int
	Grab() error
	Ungrab() error
	Capabilities() (evdev.Capabilities, error)
	ReadEvents(out []evdev.Event) (int, error)
	WriteEvent(e evdev.Event) error
	Close() error
}

// FdWatch is an active readability subscription on a host fd.
type FdWatch interface {
	// Disable stops callbacks without removing the subscription. Safe
	// to call from inside the callback itself.
	Disable()
	// Cancel removes the subscription and waits for a running
	// callback to finish. Must not be called from the callback.
	Cancel() error
}

// FdWatcher delivers readability callbacks for host fds.
type FdWatcher interface {
	Watch(fd int, callback func()) (FdWatch, error)
}

type reactorWatcher struct {
	r *reactor.Reactor
}

type reactorWatch struct {
	r   *reactor.Reactor
	reg *reactor.Registration
}

// NewReactorWatcher adapts a reactor into an FdWatcher.
func NewReactorWatcher(r *reactor.Reactor) FdWatcher {
	return &reactorWatcher{r: r}
}

func (w *reactorWatcher) Watch(fd int, callback func()) (FdWatch, error) {
	reg, err := w.r.Register(fd, callback)
	if err != nil {
		return nil, err
	}
	return &reactorWatch{r: w.r, reg: reg}, nil
}

func (w *reactorWatch) Disable()      { w.reg.Disable() }
func (w *reactorWatch) Cancel() error { return w.r.Deregister(w.reg) }

// Stats are cumulative counters of an Input. They survive device
// resets.
type Stats struct {
	EventsRead       uint64
	PacketsDelivered uint64
	EventsDelivered  uint64
	DroppedPackets   uint64
	ForcedBoundaries uint64
	StatusForwarded  uint64
	StatusDropped    uint64
}

// InputConfig configures an Input attachment.
type InputConfig struct {
	Memory  GuestMemory
	PCIHost *pci.HostBridge

	Bus      uint8
	Device   uint8
	Function uint8

	Options Options

	// Watcher delivers host readability. Nil means host events are
	// only consumed when HandleHostReadable is called directly.
	Watcher FdWatcher

	// Open overrides how the host device is opened.
	Open func(path string) (HostDevice, error)

	// StatusTypes lists the guest-to-host event types forwarded from
	// the status queue. Defaults to EV_LED.
	StatusTypes []uint16

	// Logger receives per-device log records. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// inputCore holds all mutable device state. It is only reachable with
// the device mutex held, either from a transport callback or after an
// explicit lock on the host event path.
type inputCore struct {
	dev    device
	host   HostDevice
	cfg    *inputConfig
	policy map[uint16]bool
	log    *slog.Logger

	packet  []evdev.Event
	pending [][]evdev.Event
	readBuf []evdev.Event

	// disableWatch stops readability callbacks after a host failure.
	disableWatch func()

	failed bool
	stats  Stats
}

// Input bridges a host event device into the guest as a virtio input
// device over the PCI transport.
type Input struct {
	mu sync.Mutex

	transport *pciTransport
	watch     FdWatch
	closed    bool

	core inputCore
}

func defaultOpenHostDevice(path string) (HostDevice, error) {
	return evdev.Open(path)
}

// NewInput opens the host device, snapshots its capabilities, grabs it
// for exclusive access and exposes it on the PCI bus. On failure every
// acquired resource is released in reverse order.
func NewInput(cfg InputConfig) (*Input, error) {
	if cfg.Options.Path == "" {
		return nil, fmt.Errorf("input: device path required")
	}
	open := cfg.Open
	if open == nil {
		open = defaultOpenHostDevice
	}

	host, err := open(cfg.Options.Path)
	if err != nil {
		return nil, fmt.Errorf("input: open %s: %w", cfg.Options.Path, err)
	}
	caps, err := host.Capabilities()
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("input: query capabilities of %s: %w", cfg.Options.Path, err)
	}
	if err := host.Grab(); err != nil {
		host.Close()
		return nil, fmt.Errorf("input: grab %s: %w", cfg.Options.Path, err)
	}

	policy := make(map[uint16]bool)
	if len(cfg.StatusTypes) == 0 {
		policy[evdev.EV_LED] = true
	}
	for _, evType := range cfg.StatusTypes {
		policy[evType] = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	i := &Input{}
	i.core = inputCore{
		host:    host,
		cfg:     newInputConfig(cfg.Options.Serial, caps),
		policy:  policy,
		log:     logger,
		packet:  make([]evdev.Event, 0, packetCapacity),
		readBuf: make([]evdev.Event, inputQueueSize),
	}

	transport, err := newPCITransport(cfg.Memory, cfg.PCIHost, cfg.Bus, cfg.Device, cfg.Function,
		inputDeviceID, 0, i, logger, &i.mu)
	if err != nil {
		host.Ungrab()
		host.Close()
		return nil, fmt.Errorf("input: attach transport: %w", err)
	}
	i.transport = transport
	i.core.dev = transport

	if cfg.Watcher != nil {
		watch, err := cfg.Watcher.Watch(host.Fd(), i.HandleHostReadable)
		if err != nil {
			transport.detach()
			host.Ungrab()
			host.Close()
			return nil, fmt.Errorf("input: watch %s: %w", cfg.Options.Path, err)
		}
		i.watch = watch
		i.core.disableWatch = watch.Disable
	}

	logger.Info("input: attached device",
		"path", host.Path(), "name", caps.Name, "serial", cfg.Options.Serial)
	return i, nil
}

// Close tears the attachment down in reverse order of construction:
// fd watch, PCI endpoint, device grab, device fd.
func (i *Input) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	watch := i.watch
	host := i.core.host
	// Cancel waits for a running callback, which needs the mutex.
	i.mu.Unlock()

	var firstErr error
	if watch != nil {
		if err := watch.Cancel(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if i.transport != nil {
		i.transport.detach()
	}
	if host != nil {
		if err := host.Ungrab(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := host.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the device counters.
func (i *Input) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.core.stats
}

// HandleHostReadable drains pending host events. It is the fd watch
// callback but can also be called directly when no watcher is wired.
func (i *Input) HandleHostReadable() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.core.hostReadable()
}

// deviceHandler implementation. The transport holds the mutex.

func (i *Input) NumQueues() int { return 2 }

func (i *Input) QueueMaxSize(index int) uint16 { return inputQueueSize }

func (i *Input) OnReset(dev device) {
	i.core.packet = i.core.packet[:0]
	i.core.pending = nil
	i.core.cfg.resetSelect()
}

func (i *Input) OnDeviceStatus(dev device, status uint8) {
	if status&statusFailed != 0 {
		i.core.log.Warn("input: guest marked device failed")
	}
}

func (i *Input) OnQueueNotify(dev device, index int) error {
	switch index {
	case eventQueue:
		i.core.deliverPending()
		return nil
	case statusQueue:
		return i.core.processStatusQueue()
	default:
		return fmt.Errorf("input: notify for unknown queue %d", index)
	}
}

func (i *Input) ReadConfig(dev device, offset uint32) (uint32, bool, error) {
	return i.core.cfg.readDWord(offset), true, nil
}

func (i *Input) WriteConfig(dev device, offset uint32, value uint32) (bool, error) {
	return i.core.cfg.writeDWord(offset, value), nil
}

// hostReadable consumes one batch of events from the host device and
// folds them into packets.
func (c *inputCore) hostReadable() {
	if c.failed {
		return
	}
	n, err := c.host.ReadEvents(c.readBuf)
	if err != nil {
		c.hostFailure(err)
		return
	}
	for _, ev := range c.readBuf[:n] {
		c.stats.EventsRead++
		c.packet = append(c.packet, ev)
		if ev.IsSyn() {
			c.finishPacket()
		} else if len(c.packet) == packetCapacity {
			c.stats.ForcedBoundaries++
			c.finishPacket()
		}
	}
	c.deliverPending()
}

// hostFailure permanently stops the host event stream and tells the
// guest the device needs a reset.
func (c *inputCore) hostFailure(err error) {
	c.log.Error("input: host device read failed", "path", c.host.Path(), "err", err)
	c.failed = true
	c.packet = c.packet[:0]
	c.pending = nil
	if c.disableWatch != nil {
		c.disableWatch()
	}
	c.dev.setNeedsReset()
}

func (c *inputCore) finishPacket() {
	if len(c.packet) == 0 {
		return
	}
	packet := make([]evdev.Event, len(c.packet))
	copy(packet, c.packet)
	c.packet = c.packet[:0]

	if !c.dev.driverOK() {
		c.stats.DroppedPackets++
		return
	}
	if len(c.pending) == pendingCapacity {
		c.pending = c.pending[1:]
		c.stats.DroppedPackets++
	}
	c.pending = append(c.pending, packet)
}

// deliverPending moves complete packets into guest buffers. A packet
// is delivered whole or not at all, with a single interrupt per
// packet.
func (c *inputCore) deliverPending() {
	if c.dev == nil || !c.dev.driverOK() {
		return
	}
	q := c.dev.queue(eventQueue)
	for len(c.pending) > 0 {
		delivered, err := c.deliverPacket(q, c.pending[0])
		if err != nil {
			c.log.Error("input: event delivery failed", "err", err)
			c.pending = c.pending[1:]
			c.stats.DroppedPackets++
			continue
		}
		if !delivered {
			return
		}
		c.pending = c.pending[1:]
	}
}

func (c *inputCore) deliverPacket(q *queue, packet []evdev.Event) (bool, error) {
	flags, availIdx, err := c.dev.readAvailState(q)
	if err != nil {
		return false, err
	}
	if int(availIdx-q.lastAvailIdx) < len(packet) {
		// Not enough buffers. Retried on the next queue notify.
		return false, nil
	}

	// Resolve every buffer for the packet before recording any used
	// element. A bad chain must not leak a partial packet into the ring.
	type eventSlot struct {
		head uint16
		addr uint64
	}
	slots := make([]eventSlot, len(packet))
	for i := range packet {
		head, err := c.dev.readAvailEntry(q, (q.lastAvailIdx+uint16(i))%q.size)
		if err != nil {
			return false, err
		}
		desc, err := c.writableDescriptor(q, head)
		if err != nil {
			return false, err
		}
		slots[i] = eventSlot{head: head, addr: desc.addr}
	}

	for i, ev := range packet {
		var buf [virtioEventSize]byte
		encodeVirtioEvent(ev, buf[:])
		if err := c.dev.writeGuest(slots[i].addr, buf[:]); err != nil {
			return false, err
		}
	}
	for _, slot := range slots {
		if err := c.dev.recordUsedElement(q, slot.head, virtioEventSize); err != nil {
			return false, err
		}
		q.lastAvailIdx++
	}

	c.stats.PacketsDelivered++
	c.stats.EventsDelivered += uint64(len(packet))
	if flags&availFNoInterrupt == 0 {
		c.dev.raiseQueueInterrupt(eventQueue)
	}
	return true, nil
}

// writableDescriptor walks the chain at head and returns the first
// device-writable descriptor large enough for one event.
func (c *inputCore) writableDescriptor(q *queue, head uint16) (virtqDescriptor, error) {
	index := head
	for hops := 0; hops < int(q.size); hops++ {
		desc, err := c.dev.readDescriptor(q, index)
		if err != nil {
			return virtqDescriptor{}, err
		}
		if desc.deviceWrites() && desc.length >= virtioEventSize {
			return desc, nil
		}
		if !desc.hasNext() {
			break
		}
		index = desc.next
	}
	return virtqDescriptor{}, fmt.Errorf("input: no writable buffer in chain at %d", head)
}

// processStatusQueue drains guest-to-host events. Forwarding is best
// effort: a filtered type or a failed host write consumes the buffer
// either way.
func (c *inputCore) processStatusQueue() error {
	q := c.dev.queue(statusQueue)
	flags, availIdx, err := c.dev.readAvailState(q)
	if err != nil {
		return err
	}

	consumed := false
	for q.lastAvailIdx != availIdx {
		head, err := c.dev.readAvailEntry(q, q.lastAvailIdx%q.size)
		if err != nil {
			return err
		}
		q.lastAvailIdx++

		if err := c.forwardStatusEvent(q, head); err != nil {
			return err
		}
		if err := c.dev.recordUsedElement(q, head, 0); err != nil {
			return err
		}
		consumed = true
	}
	if consumed && flags&availFNoInterrupt == 0 {
		c.dev.raiseQueueInterrupt(statusQueue)
	}
	return nil
}

func (c *inputCore) forwardStatusEvent(q *queue, head uint16) error {
	desc, err := c.dev.readDescriptor(q, head)
	if err != nil {
		return err
	}
	if desc.deviceWrites() || desc.length < virtioEventSize {
		c.stats.StatusDropped++
		return nil
	}
	buf, err := c.dev.readGuest(desc.addr, virtioEventSize)
	if err != nil {
		return err
	}
	ev := decodeVirtioEvent(buf)

	if c.failed || !c.policy[ev.Type] {
		c.stats.StatusDropped++
		return nil
	}
	if err := c.host.WriteEvent(ev); err != nil {
		c.log.Warn("input: status event write failed",
			"type", evdev.TypeName(ev.Type), "code", ev.Code, "err", err)
		c.stats.StatusDropped++
		return nil
	}
	c.stats.StatusForwarded++
	return nil
}

func encodeVirtioEvent(e evdev.Event, buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], e.Type)
	binary.LittleEndian.PutUint16(buf[2:4], e.Code)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.Value))
}

func decodeVirtioEvent(buf []byte) evdev.Event {
	return evdev.Event{
		Type:  binary.LittleEndian.Uint16(buf[0:2]),
		Code:  binary.LittleEndian.Uint16(buf[2:4]),
		Value: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}
}
