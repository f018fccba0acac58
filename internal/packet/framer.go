package packet

// DefaultMaxSysEx bounds the size of a buffered SysEx message.
const DefaultMaxSysEx = 512

// Framer splits a raw MIDI byte stream, as read from a serial-style port,
// into complete events. It honours running status, lets real-time bytes
// interleave with other messages and collects SysEx up to MaxSysEx bytes.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	MaxSysEx int

	running byte // running status for channel messages, 0 if none
	msg     []byte
	need    int // data bytes still required for msg
	inSysEx bool
	dropped bool // current SysEx overflowed and will be discarded
}

// NewFramer creates a framer with the default SysEx limit.
func NewFramer() *Framer {
	return &Framer{MaxSysEx: DefaultMaxSysEx}
}

// Feed consumes data and returns every event it completes, in stream order.
// Bytes belonging to an unfinished message are kept for the next call.
func (f *Framer) Feed(data []byte) []RawEvent {
	var out []RawEvent
	for _, b := range data {
		if ev := f.feedByte(b); ev != nil {
			out = append(out, ev)
		}
	}
	return out
}

// Reset discards any partial message and running status.
func (f *Framer) Reset() {
	f.running = 0
	f.msg = f.msg[:0]
	f.need = 0
	f.inSysEx = false
	f.dropped = false
}

func (f *Framer) feedByte(b byte) RawEvent {
	switch {
	case b >= 0xF8:
		// system real-time
		return RawEvent{b}

	case b == 0xF0:
		f.running = 0
		f.inSysEx = true
		f.dropped = false
		f.msg = append(f.msg[:0], b)
		f.need = 0
		return nil

	case b == 0xF7:
		if !f.inSysEx {
			return nil
		}
		f.inSysEx = false
		if f.dropped {
			f.msg = f.msg[:0]
			return nil
		}
		f.msg = append(f.msg, b)
		return f.take()

	case b&0x80 != 0:
		// any other status aborts an unterminated SysEx
		f.inSysEx = false
		return f.startStatus(b)
	}

	// data byte
	if f.inSysEx {
		limit := f.MaxSysEx
		if limit <= 0 {
			limit = DefaultMaxSysEx
		}
		if len(f.msg) >= limit-1 {
			f.dropped = true
			return nil
		}
		f.msg = append(f.msg, b)
		return nil
	}

	if f.need == 0 {
		if f.running == 0 {
			return nil
		}
		f.msg = append(f.msg[:0], f.running)
		f.need = channelDataLen(f.running)
	}

	f.msg = append(f.msg, b)
	f.need--
	if f.need == 0 {
		return f.take()
	}
	return nil
}

func (f *Framer) startStatus(b byte) RawEvent {
	f.msg = append(f.msg[:0], b)

	if b < 0xF0 {
		f.running = b
		f.need = channelDataLen(b)
		return nil
	}

	// system common clears running status
	f.running = 0
	f.need = systemCommonDataLen(b)
	if f.need == 0 {
		return f.take()
	}
	return nil
}

func (f *Framer) take() RawEvent {
	ev := make(RawEvent, len(f.msg))
	copy(ev, f.msg)
	f.msg = f.msg[:0]
	f.need = 0
	return ev
}

func channelDataLen(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1
	default:
		return 2
	}
}

func systemCommonDataLen(status byte) int {
	switch status {
	case 0xF1, 0xF3:
		return 1
	case 0xF2:
		return 2
	default:
		return 0
	}
}
