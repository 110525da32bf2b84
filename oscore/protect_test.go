package oscore

import (
	"bytes"
	"testing"

	"github.com/mnazarim/CoAP/message"
)

func testParams() (client, server Params) {
	secret := bytes.Repeat([]byte{0x00}, 16)
	client = Params{
		MasterSecret: secret,
		SenderID:     []byte{0x01},
		RecipientID:  []byte{},
		AEAD:         AESCCM16_64_128,
	}
	server = Params{
		MasterSecret: secret,
		SenderID:     []byte{},
		RecipientID:  []byte{0x01},
		AEAD:         AESCCM16_64_128,
	}
	return
}

func TestProtectUnprotectRoundTrip(t *testing.T) {
	clientParams, serverParams := testParams()
	client, err := New(clientParams, &MemoryPersistence{}, 1)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	server, err := New(serverParams, &MemoryPersistence{}, 1)
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}

	req := &message.Message{
		Code:      message.GET,
		IsRequest: true,
	}
	req.SetPathString("oscore/hello/1")

	protected, _, _, err := client.Protect(req, nil, nil)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if !protected.Options.Has(message.OSCORE) {
		t.Fatal("protected request carries no OSCORE option")
	}

	plain, _, _, err := server.Unprotect(protected, nil, nil)
	if err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
	if plain.Code != message.GET {
		t.Fatalf("Code = %v, want GET", plain.Code)
	}
	if plain.PathString() != "oscore/hello/1" {
		t.Fatalf("PathString() = %q, want %q", plain.PathString(), "oscore/hello/1")
	}
}

func TestUnprotectRejectsReplayedRequest(t *testing.T) {
	clientParams, serverParams := testParams()
	client, _ := New(clientParams, &MemoryPersistence{}, 1)
	server, _ := New(serverParams, &MemoryPersistence{}, 1)

	req := &message.Message{Code: message.GET, IsRequest: true}
	req.SetPathString("oscore/hello/1")

	protected, _, _, err := client.Protect(req, nil, nil)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	if _, _, _, err := server.Unprotect(protected, nil, nil); err != nil {
		t.Fatalf("first Unprotect: %v", err)
	}
	if _, _, _, err := server.Unprotect(protected, nil, nil); err != ErrReplay {
		t.Fatalf("replayed Unprotect error = %v, want ErrReplay", err)
	}
}

func TestProtectUnprotectResponseRoundTrip(t *testing.T) {
	clientParams, serverParams := testParams()
	client, err := New(clientParams, &MemoryPersistence{}, 1)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	server, err := New(serverParams, &MemoryPersistence{}, 1)
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}

	req := &message.Message{Code: message.GET, IsRequest: true}
	req.SetPathString("oscore/hello/1")

	protectedReq, _, _, err := client.Protect(req, nil, nil)
	if err != nil {
		t.Fatalf("Protect(request): %v", err)
	}

	plainReq, reqKid, reqPIV, err := server.Unprotect(protectedReq, nil, nil)
	if err != nil {
		t.Fatalf("Unprotect(request): %v", err)
	}
	if plainReq.PathString() != "oscore/hello/1" {
		t.Fatalf("PathString() = %q, want %q", plainReq.PathString(), "oscore/hello/1")
	}

	resp := &message.Message{Code: message.Content, Payload: []byte("hello")}
	protectedResp, _, _, err := server.Protect(resp, reqKid, reqPIV)
	if err != nil {
		t.Fatalf("Protect(response): %v", err)
	}
	if !protectedResp.Options.Has(message.OSCORE) {
		t.Fatal("protected response carries no OSCORE option")
	}

	plainResp, _, _, err := client.Unprotect(protectedResp, reqKid, reqPIV)
	if err != nil {
		t.Fatalf("Unprotect(response): %v", err)
	}
	if string(plainResp.Payload) != "hello" {
		t.Fatalf("Payload = %q, want %q", plainResp.Payload, "hello")
	}
}

func TestSequenceNumberPersistsAcrossReload(t *testing.T) {
	clientParams, _ := testParams()
	store := &MemoryPersistence{}
	sc, err := New(clientParams, store, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := sc.NextSeq(); err != nil {
			t.Fatalf("NextSeq: %v", err)
		}
	}
	st, _ := store.Load()
	first := st.NextSenderSeq

	reloaded, err := New(clientParams, store, 4)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	seq, err := reloaded.NextSeq()
	if err != nil {
		t.Fatalf("NextSeq (reload): %v", err)
	}
	if seq < first {
		t.Fatalf("sequence number reused after reload: got %d, floor %d", seq, first)
	}
}
