package evdev

// Linux evdev event types
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02
	EV_ABS = 0x03
	EV_MSC = 0x04
	EV_SW  = 0x05
	EV_LED = 0x11
	EV_SND = 0x12
	EV_REP = 0x14
	EV_FF  = 0x15

	EV_MAX = 0x1f
	EV_CNT = EV_MAX + 1
)

// Synchronization event codes
const (
	SYN_REPORT    = 0
	SYN_CONFIG    = 1
	SYN_MT_REPORT = 2
	SYN_DROPPED   = 3
)

// Code ranges, used to size EVIOCGBIT bitmap queries.
const (
	KEY_MAX = 0x2ff
	REL_MAX = 0x0f
	ABS_MAX = 0x3f
	MSC_MAX = 0x07
	SW_MAX  = 0x10
	LED_MAX = 0x0f
	SND_MAX = 0x07
	FF_MAX  = 0x7f

	INPUT_PROP_MAX = 0x1f
)

// A few key and button codes used by tests and diagnostics.
const (
	KEY_ESC   = 1
	KEY_A     = 30
	KEY_S     = 31
	KEY_D     = 32
	BTN_LEFT  = 0x110
	BTN_RIGHT = 0x111
	BTN_TOUCH = 0x14a
)

// LED codes
const (
	LED_NUML    = 0x00
	LED_CAPSL   = 0x01
	LED_SCROLLL = 0x02
)

// Absolute axis codes
const (
	ABS_X        = 0x00
	ABS_Y        = 0x01
	ABS_PRESSURE = 0x18
	ABS_MT_SLOT  = 0x2f
)

// maxCodeForType returns the highest code number defined for an event type.
// Used to size capability bitmap queries.
func maxCodeForType(evType uint16) int {
	switch evType {
	case EV_SYN:
		return SYN_DROPPED
	case EV_KEY:
		return KEY_MAX
	case EV_REL:
		return REL_MAX
	case EV_ABS:
		return ABS_MAX
	case EV_MSC:
		return MSC_MAX
	case EV_SW:
		return SW_MAX
	case EV_LED:
		return LED_MAX
	case EV_SND:
		return SND_MAX
	case EV_REP:
		return 1
	case EV_FF:
		return FF_MAX
	default:
		return 0
	}
}

// TypeName returns a short human-readable name for an event type.
func TypeName(evType uint16) string {
	switch evType {
	case EV_SYN:
		return "EV_SYN"
	case EV_KEY:
		return "EV_KEY"
	case EV_REL:
		return "EV_REL"
	case EV_ABS:
		return "EV_ABS"
	case EV_MSC:
		return "EV_MSC"
	case EV_SW:
		return "EV_SW"
	case EV_LED:
		return "EV_LED"
	case EV_SND:
		return "EV_SND"
	case EV_REP:
		return "EV_REP"
	case EV_FF:
		return "EV_FF"
	default:
		return "EV_UNKNOWN"
	}
}
