package blockwise

import (
	"bytes"
	"testing"

	"github.com/mnazarim/CoAP/message"
	"github.com/mnazarim/CoAP/net"
)

func TestAssemblerReassemblesFullBody(t *testing.T) {
	a := NewAssembler()
	key := Key{Remote: net.Endpoint{Transport: "udp", Address: "127.0.0.1"}, Token: "t", Path: "big"}

	body := bytes.Repeat([]byte{0xAB}, 4096)
	const chunk = 64
	var got []byte
	for num := 0; num*chunk < len(body); num++ {
		start := num * chunk
		end := start + chunk
		more := end < len(body)
		block := message.BlockOption{Num: uint32(num), More: more, SZX: message.SZX64}
		assembled, done, err := a.Accept(key, block, body[start:end])
		if err != nil {
			t.Fatalf("Accept block %d: %v", num, err)
		}
		if done {
			got = assembled
		}
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("reassembled body mismatch: got %d bytes, want %d", len(got), len(body))
	}
}

func TestAssemblerRejectsGapInSequence(t *testing.T) {
	a := NewAssembler()
	key := Key{Remote: net.Endpoint{Transport: "udp", Address: "127.0.0.1"}, Token: "t", Path: "x"}

	_, _, err := a.Accept(key, message.BlockOption{Num: 0, More: true, SZX: message.SZX64}, make([]byte, 64))
	if err != nil {
		t.Fatalf("first block: %v", err)
	}
	_, _, err = a.Accept(key, message.BlockOption{Num: 2, More: false, SZX: message.SZX64}, make([]byte, 64))
	if err != ErrEntityIncomplete {
		t.Fatalf("gapped block error = %v, want ErrEntityIncomplete", err)
	}
}

func TestPaginateNeverEnlargesClientSZX(t *testing.T) {
	body := bytes.Repeat([]byte{1}, 200)
	payload, sent := Paginate(body, message.BlockOption{Num: 0, SZX: message.SZX64})
	if len(payload) != 64 {
		t.Fatalf("len(payload) = %d, want 64", len(payload))
	}
	if !sent.More {
		t.Fatal("More = false, want true (200 bytes > 64)")
	}

	payload, sent = Paginate(body, message.BlockOption{Num: 3, SZX: message.SZX64})
	if len(payload) != 8 {
		t.Fatalf("last block len(payload) = %d, want 8", len(payload))
	}
	if sent.More {
		t.Fatal("More = true on final block, want false")
	}
}
