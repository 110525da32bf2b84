// Package message implements the CoAP wire message: its header, token,
// option set and payload, and the codec between that structure and its
// byte representation (RFC 7252 section 3).
package message

// MaxTokenLen is the largest token length the wire format can carry.
const MaxTokenLen = 8

// Message is a decoded CoAP message. The RemoteAddr/IsRequest fields are
// derived attributes, never placed on the wire (spec.md section 3).
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte

	// IsRequest distinguishes a decoded request from a decoded response
	// when Code's class alone is ambiguous (e.g. an empty ACK).
	IsRequest bool
}

// IsConfirmable reports whether the message requires acknowledgement.
func (m *Message) IsConfirmable() bool { return m.Type == Confirmable }

// Path returns the Uri-Path option values joined as a slice.
func (m *Message) Path() []string { return m.Options.Strings(URIPath) }

// PathString returns the Uri-Path as a single "/"-separated string.
func (m *Message) PathString() string {
	parts := m.Path()
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// SetPathString replaces the Uri-Path option from a "/"-separated string.
func (m *Message) SetPathString(s string) {
	m.Options = m.Options.Without(URIPath)
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	if s == "" {
		return
	}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			m.Options = m.Options.AddString(URIPath, s[start:i])
			start = i + 1
		}
	}
}

// Queries returns the Uri-Query option values.
func (m *Message) Queries() []string { return m.Options.Strings(URIQuery) }

// ContentFormat returns the Content-Format option, if present.
func (m *Message) ContentFormat() (MediaType, bool) {
	v, ok := m.Options.GetUint(ContentFormat)
	return MediaType(v), ok
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(ct MediaType) {
	m.Options = m.Options.SetUint(ContentFormat, uint32(ct))
}

// Clone returns a deep copy of m so callers may mutate it (e.g. to wrap
// it for OSCORE protection) without affecting the caller's message.
func (m *Message) Clone() *Message {
	c := &Message{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
		IsRequest: m.IsRequest,
	}
	if m.Token != nil {
		c.Token = append([]byte(nil), m.Token...)
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	c.Options = make(Options, len(m.Options))
	for i, o := range m.Options {
		c.Options[i] = Option{ID: o.ID, Value: append([]byte(nil), o.Value...)}
	}
	return c
}
