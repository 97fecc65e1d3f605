// Package evdev provides access to Linux event devices (/dev/input/event*):
// opening, exclusive grabs, capability queries and non-blocking event I/O.
package evdev

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is an open event device. All reads are non-blocking; the
// descriptor is opened with O_NONBLOCK so a read from the reactor
// thread can never stall the device model.
type Device struct {
	path    string
	fd      int
	grabbed bool

	scratch [64 * EventSize]byte
}

// Open opens an event device read/write and verifies it actually speaks
// the evdev protocol. The descriptor is non-blocking and close-on-exec.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("evdev: open %s: %w", path, err)
	}

	d := &Device{path: path, fd: fd}
	if _, err := d.DriverVersion(); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("evdev: %s is not an event device: %w", path, err)
	}
	return d, nil
}

// Fd returns the underlying descriptor for reactor registration.
func (d *Device) Fd() int { return d.fd }

// Path returns the device node path this device was opened from.
func (d *Device) Path() string { return d.path }

// Close releases the exclusive grab, if held, and closes the descriptor.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	if d.grabbed {
		_ = d.Ungrab()
	}
	err := unix.Close(d.fd)
	d.fd = -1
	if err != nil {
		return fmt.Errorf("evdev: close %s: %w", d.path, err)
	}
	return nil
}

// DriverVersion returns the evdev protocol version (EVIOCGVERSION).
func (d *Device) DriverVersion() (int32, error) {
	var version int32
	if err := ioctl(d.fd, eviocgVersion(), unsafe.Pointer(&version)); err != nil {
		return 0, err
	}
	return version, nil
}

// Grab acquires exclusive access (EVIOCGRAB): no other consumer,
// including the host's own input stack, receives this device's events
// while the grab is held.
func (d *Device) Grab() error {
	if err := ioctlInt(d.fd, eviocGrab(), 1); err != nil {
		return fmt.Errorf("evdev: grab %s: %w", d.path, err)
	}
	d.grabbed = true
	return nil
}

// Ungrab releases a previously acquired exclusive grab.
func (d *Device) Ungrab() error {
	if err := ioctlInt(d.fd, eviocGrab(), 0); err != nil {
		return fmt.Errorf("evdev: ungrab %s: %w", d.path, err)
	}
	d.grabbed = false
	return nil
}

// Name returns the device name string (EVIOCGNAME).
func (d *Device) Name() (string, error) {
	buf := make([]byte, 256)
	n, err := ioctlBytes(d.fd, eviocgName(len(buf)), buf)
	if err != nil {
		return "", fmt.Errorf("evdev: name of %s: %w", d.path, err)
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			n = i
			break
		}
	}
	return string(buf[:n]), nil
}

// ID returns the identity tuple (EVIOCGID).
func (d *Device) ID() (ID, error) {
	var id ID
	if err := ioctl(d.fd, eviocgID(), unsafe.Pointer(&id)); err != nil {
		return ID{}, fmt.Errorf("evdev: id of %s: %w", d.path, err)
	}
	return id, nil
}

// Properties returns the input property bitmap (EVIOCGPROP).
func (d *Device) Properties() (Bitmap, error) {
	buf := make([]byte, INPUT_PROP_MAX/8+1)
	if _, err := ioctlBytes(d.fd, eviocgProp(len(buf)), buf); err != nil {
		return nil, fmt.Errorf("evdev: properties of %s: %w", d.path, err)
	}
	return Bitmap(buf).Trim(), nil
}

// EventTypes returns the bitmap of supported event types
// (EVIOCGBIT with type 0).
func (d *Device) EventTypes() (Bitmap, error) {
	buf := make([]byte, EV_CNT/8)
	if _, err := ioctlBytes(d.fd, eviocgBit(0, len(buf)), buf); err != nil {
		return nil, fmt.Errorf("evdev: event types of %s: %w", d.path, err)
	}
	return Bitmap(buf).Trim(), nil
}

// CodeBits returns the bitmap of supported codes for one event type.
func (d *Device) CodeBits(evType uint16) (Bitmap, error) {
	max := maxCodeForType(evType)
	if max == 0 {
		return nil, nil
	}
	buf := make([]byte, max/8+1)
	if _, err := ioctlBytes(d.fd, eviocgBit(evType, len(buf)), buf); err != nil {
		return nil, fmt.Errorf("evdev: %s codes of %s: %w", TypeName(evType), d.path, err)
	}
	return Bitmap(buf).Trim(), nil
}

// AbsInfo returns calibration data for one absolute axis (EVIOCGABS).
func (d *Device) AbsInfo(axis uint16) (AbsInfo, error) {
	var info AbsInfo
	if err := ioctl(d.fd, eviocgAbs(axis), unsafe.Pointer(&info)); err != nil {
		return AbsInfo{}, fmt.Errorf("evdev: abs info %d of %s: %w", axis, d.path, err)
	}
	return info, nil
}

// ReadEvents reads as many complete events as are immediately available,
// up to len(out). It returns 0 with a nil error when the device has
// nothing to deliver (EAGAIN); any other error means the descriptor is
// no longer usable (device unplugged, I/O error).
func (d *Device) ReadEvents(out []Event) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	want := len(out) * EventSize
	if want > len(d.scratch) {
		want = len(d.scratch)
	}
	n, err := unix.Read(d.fd, d.scratch[:want])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("evdev: read %s: %w", d.path, err)
	}
	if n == 0 {
		return 0, nil
	}
	count := n / EventSize
	for i := 0; i < count; i++ {
		out[i] = DecodeEvent(d.scratch[i*EventSize : (i+1)*EventSize])
	}
	return count, nil
}

// WriteEvent writes one event to the device (LED state, force feedback).
func (d *Device) WriteEvent(e Event) error {
	var raw [EventSize]byte
	EncodeEvent(e, raw[:])
	n, err := unix.Write(d.fd, raw[:])
	if err != nil {
		return fmt.Errorf("evdev: write %s: %w", d.path, err)
	}
	if n != EventSize {
		return fmt.Errorf("evdev: short write to %s (%d of %d bytes)", d.path, n, EventSize)
	}
	return nil
}

// Capabilities is an immutable snapshot of everything an event device
// advertises about itself, taken once at attach time.
type Capabilities struct {
	Name  string
	ID    ID
	Props Bitmap
	Types Bitmap
	// Codes maps each supported event type to its code bitmap.
	Codes map[uint16]Bitmap
	// Abs maps each supported absolute axis to its calibration data.
	Abs map[uint16]AbsInfo
}

// Capabilities queries the full capability snapshot of the device.
func (d *Device) Capabilities() (Capabilities, error) {
	caps := Capabilities{
		Codes: make(map[uint16]Bitmap),
		Abs:   make(map[uint16]AbsInfo),
	}

	var err error
	if caps.Name, err = d.Name(); err != nil {
		return Capabilities{}, err
	}
	if caps.ID, err = d.ID(); err != nil {
		return Capabilities{}, err
	}
	if caps.Props, err = d.Properties(); err != nil {
		return Capabilities{}, err
	}
	if caps.Types, err = d.EventTypes(); err != nil {
		return Capabilities{}, err
	}

	for t := uint16(0); t < EV_CNT; t++ {
		if t == EV_SYN || !caps.Types.Test(t) {
			continue
		}
		bits, err := d.CodeBits(t)
		if err != nil {
			return Capabilities{}, err
		}
		if len(bits) > 0 {
			caps.Codes[t] = bits
		}
	}

	for _, axis := range caps.Codes[EV_ABS].Bits() {
		info, err := d.AbsInfo(axis)
		if err != nil {
			return Capabilities{}, err
		}
		caps.Abs[axis] = info
	}

	return caps, nil
}
