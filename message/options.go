package message

import (
	"encoding/binary"
	"errors"
	"sort"
)

// ErrTooSmall is returned by the two-pass size/encode helpers when the
// supplied buffer is not large enough; callers re-invoke with a buffer of
// at least the returned size.
var ErrTooSmall = errors.New("message: buffer too small")

// OptionID identifies a CoAP option (RFC 7252 section 5.10, RFC 7959,
// RFC 7641, RFC 8613).
type OptionID uint16

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	OSCORE        OptionID = 9
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	Echo          OptionID = 252 // RFC 9175
	NoResponse    OptionID = 258
)

var optionIDNames = map[OptionID]string{
	IfMatch: "If-Match", URIHost: "Uri-Host", ETag: "ETag",
	IfNoneMatch: "If-None-Match", Observe: "Observe", URIPort: "Uri-Port",
	LocationPath: "Location-Path", OSCORE: "OSCORE", URIPath: "Uri-Path",
	ContentFormat: "Content-Format", MaxAge: "Max-Age", URIQuery: "Uri-Query",
	Accept: "Accept", LocationQuery: "Location-Query", Block2: "Block2",
	Block1: "Block1", Size2: "Size2", ProxyURI: "Proxy-Uri",
	ProxyScheme: "Proxy-Scheme", Size1: "Size1", Echo: "Echo",
	NoResponse: "No-Response",
}

func (o OptionID) String() string {
	if s, ok := optionIDNames[o]; ok {
		return s
	}
	return "Option(" + itoa(int(o)) + ")"
}

func itoa(v int) string {
	return string(appendInt(nil, v))
}

func appendInt(buf []byte, v int) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	neg := v < 0
	if neg {
		v = -v
	}
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		tmp[i] = '-'
	}
	return append(buf, tmp[i:]...)
}

// Bit flags carried in the option number itself (RFC 7252 section 5.4.6,
// RFC 8613 section 4.1).
const (
	optFlagCritical   = 0x01
	optFlagUnsafe     = 0x02
	optFlagNoCacheKey = 0x1e
)

// IsCritical reports whether bit 0 of the option number is set: an
// unrecognised critical option must reject the message.
func (o OptionID) IsCritical() bool { return uint16(o)&optFlagCritical != 0 }

// IsUnsafe reports whether bit 1 of the option number is set: the option
// is unsafe to forward and, under OSCORE, belongs to Class E or I rather
// than Class U.
func (o OptionID) IsUnsafe() bool { return uint16(o)&optFlagUnsafe != 0 }

// IsCacheKey reports whether the option participates in a proxy cache
// key: true unless bits 2-4 are all set while the option is also unsafe.
func (o OptionID) IsCacheKey() bool {
	if !o.IsUnsafe() {
		return true
	}
	return uint16(o)&optFlagNoCacheKey != optFlagNoCacheKey
}

// ValueFormat is the wire encoding of an option's value.
type ValueFormat uint8

const (
	ValueUnknown ValueFormat = iota
	ValueEmpty
	ValueOpaque
	ValueUint
	ValueString
)

// OptionDef is the registry metadata for a known option.
type OptionDef struct {
	ValueFormat ValueFormat
	MinLen      int
	MaxLen      int
	Repeatable  bool
}

// Registry of option definitions (spec.md section 4.2).
var Registry = map[OptionID]OptionDef{
	IfMatch:       {ValueFormat: ValueOpaque, MinLen: 0, MaxLen: 8, Repeatable: true},
	URIHost:       {ValueFormat: ValueString, MinLen: 1, MaxLen: 255},
	ETag:          {ValueFormat: ValueOpaque, MinLen: 1, MaxLen: 8, Repeatable: true},
	IfNoneMatch:   {ValueFormat: ValueEmpty, MinLen: 0, MaxLen: 0},
	Observe:       {ValueFormat: ValueUint, MinLen: 0, MaxLen: 3},
	URIPort:       {ValueFormat: ValueUint, MinLen: 0, MaxLen: 2},
	LocationPath:  {ValueFormat: ValueString, MinLen: 0, MaxLen: 255, Repeatable: true},
	OSCORE:        {ValueFormat: ValueOpaque, MinLen: 0, MaxLen: 255},
	URIPath:       {ValueFormat: ValueString, MinLen: 0, MaxLen: 255, Repeatable: true},
	ContentFormat: {ValueFormat: ValueUint, MinLen: 0, MaxLen: 2},
	MaxAge:        {ValueFormat: ValueUint, MinLen: 0, MaxLen: 4},
	URIQuery:      {ValueFormat: ValueString, MinLen: 0, MaxLen: 255, Repeatable: true},
	Accept:        {ValueFormat: ValueUint, MinLen: 0, MaxLen: 2},
	LocationQuery: {ValueFormat: ValueString, MinLen: 0, MaxLen: 255, Repeatable: true},
	Block2:        {ValueFormat: ValueUint, MinLen: 0, MaxLen: 3},
	Block1:        {ValueFormat: ValueUint, MinLen: 0, MaxLen: 3},
	Size2:         {ValueFormat: ValueUint, MinLen: 0, MaxLen: 4},
	ProxyURI:      {ValueFormat: ValueString, MinLen: 1, MaxLen: 1034},
	ProxyScheme:   {ValueFormat: ValueString, MinLen: 1, MaxLen: 255},
	Size1:         {ValueFormat: ValueUint, MinLen: 0, MaxLen: 4},
	Echo:          {ValueFormat: ValueOpaque, MinLen: 0, MaxLen: 40},
	NoResponse:    {ValueFormat: ValueUint, MinLen: 0, MaxLen: 1},
}

// MediaType is a Content-Format/Accept value (RFC 7252 section 12.3).
type MediaType uint16

const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppExi        MediaType = 47
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

// Option is a single (number, value) pair carried on a message.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered collection of options, kept sorted by ID with
// repeatable options preserving their relative insertion order (a stable
// sort achieves this).
type Options []Option

func (o Options) Len() int      { return len(o) }
func (o Options) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o Options) Less(i, j int) bool {
	return o[i].ID < o[j].ID
}

// Sort orders the options by number, stably preserving insertion order
// among options sharing a number.
func (o Options) Sort() { sort.Stable(o) }

// Find returns all values for the given option number, in order.
func (o Options) Find(id OptionID) []Option {
	var out []Option
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt)
		}
	}
	return out
}

// Has reports whether the given option number is present.
func (o Options) Has(id OptionID) bool {
	for _, opt := range o {
		if opt.ID == id {
			return true
		}
	}
	return false
}

// Without returns a copy of o with every option matching id removed.
func (o Options) Without(id OptionID) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// EncodeUint produces the canonical (no leading zero byte) uint encoding
// used by ValueUint options.
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v < 1<<24:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b[1:]
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

// DecodeUint reverses EncodeUint.
func DecodeUint(b []byte) uint32 {
	var tmp [4]byte
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp[:])
}

// SetUint replaces all values of id with a single canonical uint value.
func (o Options) SetUint(id OptionID, v uint32) Options {
	return append(o.Without(id), Option{ID: id, Value: EncodeUint(v)})
}

// GetUint returns the first value of id interpreted as a uint.
func (o Options) GetUint(id OptionID) (uint32, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return DecodeUint(opt.Value), true
		}
	}
	return 0, false
}

// AddString appends a repeatable string-valued option.
func (o Options) AddString(id OptionID, v string) Options {
	return append(o, Option{ID: id, Value: []byte(v)})
}

// Strings returns every string value for id, in order.
func (o Options) Strings(id OptionID) []string {
	var out []string
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, string(opt.Value))
		}
	}
	return out
}
