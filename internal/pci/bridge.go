// Package pci provides the minimal PCI plumbing a device model needs:
// config-space routing to registered endpoints and BAR window
// allocation. Transport register decoding lives with the devices.
package pci

import (
	"fmt"
	"sync"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4
)

// ConfigSpace models PCI configuration-space access for one function.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint is a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// BARAllocator reserves address space for BAR windows.
type BARAllocator interface {
	Allocate(size uint32, align uint32) (uint64, error)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{base: base, size: size, next: base}
}

func (a *linearAllocator) Allocate(size uint32, align uint32) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	align64 := uint64(align)
	base := (a.next + align64 - 1) &^ (align64 - 1)
	if base < a.base || base+uint64(size) < base || base+uint64(size) > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	a.next = base + uint64(size)
	return base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

type deviceSlot struct {
	endpoint Endpoint
	provider ConfigSpace
}

// DeviceHandle exposes helper methods for registered endpoints.
type DeviceHandle struct {
	host *HostBridge
	key  deviceKey
}

// AllocateMemoryBAR reserves MMIO space for the supplied BAR index.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("BAR index %d out of range", index)
	}
	return h.host.allocator.Allocate(size, align)
}

// HostBridgeConfig describes the BAR window the bridge hands out.
type HostBridgeConfig struct {
	MMIOBase     uint64
	MMIOSize     uint64
	BARAllocator BARAllocator
}

// HostBridge routes configuration-space accesses to registered
// endpoints on bus 0.
type HostBridge struct {
	allocator BARAllocator

	mu      sync.Mutex
	devices map[deviceKey]*deviceSlot
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultMMIOBase = 0x2000_0000
		defaultMMIOSize = 0x1000_0000
	)
	base := cfg.MMIOBase
	if base == 0 {
		base = defaultMMIOBase
	}
	size := cfg.MMIOSize
	if size == 0 {
		size = defaultMMIOSize
	}
	alloc := cfg.BARAllocator
	if alloc == nil {
		alloc = newLinearAllocator(base, size)
	}
	return &HostBridge{
		allocator: alloc,
		devices:   make(map[deviceKey]*deviceSlot),
	}
}

// RegisterEndpoint associates an endpoint with the supplied location.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus != 0 {
		return nil, fmt.Errorf("only bus 0 supported (got %d)", bus)
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	key := deviceKey{bus: bus, dev: device, fn: function}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = &deviceSlot{endpoint: endpoint, provider: provider}
	return &DeviceHandle{host: h, key: key}, nil
}

// DeregisterEndpoint removes an endpoint registration on detach.
func (h *HostBridge) DeregisterEndpoint(handle *DeviceHandle) {
	if handle == nil || handle.host != h {
		return
	}
	h.mu.Lock()
	delete(h.devices, handle.key)
	h.mu.Unlock()
}

// ReadConfig reads from the config space of the addressed function.
// Absent functions read as all-ones, as on real hardware.
func (h *HostBridge) ReadConfig(bus, device, function uint8, offset uint16, size uint8) uint32 {
	provider := h.provider(deviceKey{bus: bus, dev: device, fn: function})
	if provider == nil {
		return maskValue(0xffff_ffff, size)
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		return maskValue(0xffff_ffff, size)
	}
	return maskValue(value, size)
}

// WriteConfig writes to the config space of the addressed function.
// BAR reprogramming writes are forwarded to the endpoint so it can
// recompute its region addresses.
func (h *HostBridge) WriteConfig(bus, device, function uint8, offset uint16, size uint8, value uint32) {
	key := deviceKey{bus: bus, dev: device, fn: function}

	h.mu.Lock()
	slot := h.devices[key]
	h.mu.Unlock()
	if slot == nil {
		return
	}
	if err := slot.provider.WriteConfig(offset, size, value); err != nil {
		return
	}

	if idx, ok := barIndexForWrite(offset, size, value); ok {
		_ = slot.endpoint.OnBARReprogram(idx, value)
	}
}

func (h *HostBridge) provider(key deviceKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.devices[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func barIndexForWrite(offset uint16, size uint8, value uint32) (int, bool) {
	if size != 4 {
		return 0, false
	}
	if offset < type0BAROffset || offset >= type0BAROffset+type0BARCount*type0BARStride {
		return 0, false
	}
	if offset%type0BARStride != 0 {
		return 0, false
	}
	// All-ones writes are BAR sizing probes, handled by the endpoint's
	// config space alone.
	if value == 0xffff_ffff {
		return 0, false
	}
	return int((offset - type0BAROffset) / type0BARStride), true
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}
