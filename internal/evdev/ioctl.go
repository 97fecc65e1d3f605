package evdev

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux _IOC request encoding. x/sys/unix does not export the EVIOC*
// requests, so they are rebuilt here from the kernel's macro layout.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// EVIOCGVERSION = _IOR('E', 0x01, int)
func eviocgVersion() uint32 {
	return ioc(iocRead, 'E', 0x01, 4)
}

// EVIOCGID = _IOR('E', 0x02, struct input_id)
func eviocgID() uint32 {
	return ioc(iocRead, 'E', 0x02, uint32(unsafe.Sizeof(ID{})))
}

// EVIOCGNAME(len) = _IOC(_IOC_READ, 'E', 0x06, len)
func eviocgName(length int) uint32 {
	return ioc(iocRead, 'E', 0x06, uint32(length))
}

// EVIOCGPROP(len) = _IOC(_IOC_READ, 'E', 0x09, len)
func eviocgProp(length int) uint32 {
	return ioc(iocRead, 'E', 0x09, uint32(length))
}

// EVIOCGBIT(ev, len) = _IOC(_IOC_READ, 'E', 0x20 + ev, len)
func eviocgBit(evType uint16, length int) uint32 {
	return ioc(iocRead, 'E', 0x20+uint32(evType), uint32(length))
}

// EVIOCGABS(abs) = _IOR('E', 0x40 + abs, struct input_absinfo)
func eviocgAbs(axis uint16) uint32 {
	return ioc(iocRead, 'E', 0x40+uint32(axis), uint32(unsafe.Sizeof(AbsInfo{})))
}

// EVIOCGRAB = _IOW('E', 0x90, int)
func eviocGrab() uint32 {
	return ioc(iocWrite, 'E', 0x90, 4)
}

func ioctl(fd int, request uint32, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlInt performs an ioctl whose argument is a plain integer rather
// than a pointer (EVIOCGRAB takes 1 to grab, 0 to release).
func ioctlInt(fd int, request uint32, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlBytes performs an ioctl whose payload is a caller-supplied byte
// buffer (EVIOCGNAME, EVIOCGPROP, EVIOCGBIT). Returns the kernel's
// result value, which for these requests is the payload length.
func ioctlBytes(fd int, request uint32, buf []byte) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
