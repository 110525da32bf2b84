package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors raised while decoding a datagram into a Message (spec.md
// section 4.1). All of them are MalformedMessage per spec.md section 7;
// ErrMalformed wraps the more specific cause so callers can match on
// either.
var ErrMalformed = errors.New("message: malformed")

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, reason)
}

const (
	extOptByteCode   = 13
	extOptByteAddend = 13
	extOptWordCode   = 14
	extOptWordAddend = 269
	extOptError      = 15

	coapVersion = 1
)

func extendOpt(v int) (nibble, ext int) {
	switch {
	case v >= extOptWordAddend:
		return extOptWordCode, v - extOptWordAddend
	case v >= extOptByteAddend:
		return extOptByteCode, v - extOptByteAddend
	default:
		return v, 0
	}
}

func extSize(nibble int) int {
	switch nibble {
	case extOptByteCode:
		return 1
	case extOptWordCode:
		return 2
	default:
		return 0
	}
}

// Size returns the number of bytes Marshal will need to encode m.
func (m *Message) Size() int {
	size := 4 + len(m.Token)
	opts := append(Options(nil), m.Options...)
	opts.Sort()
	prev := 0
	for _, o := range opts {
		delta := int(o.ID) - prev
		nd, _ := extendOpt(delta)
		nl, _ := extendOpt(len(o.Value))
		size += 1 + extSize(nd) + extSize(nl) + len(o.Value)
		prev = int(o.ID)
	}
	if len(m.Payload) > 0 {
		size += 1 + len(m.Payload)
	}
	return size
}

// MarshalTo encodes m into buf, returning the number of bytes written.
// If buf is too small it returns ErrTooSmall and the required size.
func (m *Message) MarshalTo(buf []byte) (int, error) {
	if len(m.Token) > MaxTokenLen {
		return 0, malformed("token too long")
	}
	need := m.Size()
	if len(buf) < need {
		return need, ErrTooSmall
	}

	buf[0] = (coapVersion << 6) | (uint8(m.Type) << 4) | uint8(len(m.Token)&0xf)
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	n := 4
	n += copy(buf[n:], m.Token)

	opts := append(Options(nil), m.Options...)
	opts.Sort()
	prev := 0
	for _, o := range opts {
		delta := int(o.ID) - prev
		nd, xd := extendOpt(delta)
		nl, xl := extendOpt(len(o.Value))
		buf[n] = byte(nd<<4) | byte(nl)
		n++
		n += writeExt(buf[n:], nd, xd)
		n += writeExt(buf[n:], nl, xl)
		n += copy(buf[n:], o.Value)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf[n] = 0xff
		n++
		n += copy(buf[n:], m.Payload)
	}
	return n, nil
}

func writeExt(buf []byte, nibble, ext int) int {
	switch nibble {
	case extOptByteCode:
		buf[0] = byte(ext)
		return 1
	case extOptWordCode:
		binary.BigEndian.PutUint16(buf, uint16(ext))
		return 2
	default:
		return 0
	}
}

// Marshal encodes m into a freshly allocated byte slice.
func (m *Message) Marshal() ([]byte, error) {
	buf := make([]byte, m.Size())
	n, err := m.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Unmarshal decodes data into m, or returns a MalformedMessage error
// (spec.md section 4.1) describing the first violation found.
func (m *Message) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return malformed("short header")
	}
	if data[0]>>6 != coapVersion {
		return malformed("invalid version")
	}
	m.Type = Type((data[0] >> 4) & 0x3)
	tkl := int(data[0] & 0xf)
	if tkl > MaxTokenLen {
		return malformed("invalid token length")
	}
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	b := data[4:]
	if len(b) < tkl {
		return malformed("truncated token")
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), b[:tkl]...)
	} else {
		m.Token = nil
	}
	b = b[tkl:]

	m.Options = nil
	prev := 0
	for len(b) > 0 {
		if b[0] == 0xff {
			b = b[1:]
			if len(b) == 0 {
				return malformed("payload marker with empty payload")
			}
			m.Payload = append([]byte(nil), b...)
			return nil
		}

		deltaNibble := int(b[0] >> 4)
		lenNibble := int(b[0] & 0x0f)
		if deltaNibble == extOptError || lenNibble == extOptError {
			return malformed("reserved option nibble 15 outside payload marker")
		}
		b = b[1:]

		delta, extra, err := readExt(b, deltaNibble)
		if err != nil {
			return err
		}
		b = b[extra:]

		length, extra, err := readExt(b, lenNibble)
		if err != nil {
			return err
		}
		b = b[extra:]

		if len(b) < length {
			return malformed("truncated option value")
		}
		id := OptionID(prev + delta)
		if delta < 0 {
			return malformed("option deltas not ascending")
		}
		m.Options = append(m.Options, Option{ID: id, Value: append([]byte(nil), b[:length]...)})
		b = b[length:]
		prev = int(id)
	}
	m.Payload = nil
	return nil
}

func readExt(b []byte, nibble int) (value, consumed int, err error) {
	switch nibble {
	case extOptByteCode:
		if len(b) < 1 {
			return 0, 0, malformed("truncated extended option")
		}
		return int(b[0]) + extOptByteAddend, 1, nil
	case extOptWordCode:
		if len(b) < 2 {
			return 0, 0, malformed("truncated extended option")
		}
		return int(binary.BigEndian.Uint16(b[:2])) + extOptWordAddend, 2, nil
	default:
		return nibble, 0, nil
	}
}

// Unmarshal allocates a new Message and decodes data into it.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	if err := m.Unmarshal(data); err != nil {
		return nil, err
	}
	return m, nil
}
