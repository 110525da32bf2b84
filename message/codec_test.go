package message

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	m := &Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 0x1234,
		Token:     []byte{0xde, 0xad},
		Options: Options{
			{ID: URIPath, Value: []byte("sensors")},
			{ID: URIPath, Value: []byte("temp")},
			{ID: ContentFormat, Value: EncodeUint(uint32(AppJSON))},
		},
		Payload: []byte("hello"),
	}
	m.Options.Sort()

	data, err := m.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	decoded.IsRequest = m.IsRequest
	if diff := cmp.Diff(m, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	reencoded, err := decoded.Marshal()
	require.NoError(t, err)
	require.Equal(t, data, reencoded)
}

func TestOptionOrderingPreservesRepeatableInsertionOrder(t *testing.T) {
	m := &Message{
		Type: NonConfirmable,
		Code: GET,
		Options: Options{
			{ID: URIPath, Value: []byte("b")},
			{ID: IfMatch, Value: []byte{1}},
			{ID: URIPath, Value: []byte("a")},
		},
	}
	data, err := m.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	paths := decoded.Options.Strings(URIPath)
	require.Equal(t, []string{"b", "a"}, paths)
}

func TestUnmarshalRejectsShortHeader(t *testing.T) {
	_, err := Unmarshal([]byte{0x40, 0x01})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalRejectsBadVersion(t *testing.T) {
	_, err := Unmarshal([]byte{0x00, 0x01, 0x00, 0x00})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestMarshalToTooSmallReportsRequiredSize(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, Payload: []byte("abcdef")}
	need := m.Size()
	_, err := m.MarshalTo(make([]byte, need-1))
	require.ErrorIs(t, err, ErrTooSmall)
}
