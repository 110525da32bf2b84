package net

import (
	"sync"
	"testing"
	"time"

	"github.com/mnazarim/CoAP/message"
)

// fakeTransport is an in-memory Transport that loops sent datagrams
// back to whichever test wants to inspect or reply to them.
type fakeTransport struct {
	mu   sync.Mutex
	recv RecvFunc
	sent [][]byte
}

func (f *fakeTransport) Scheme() string { return "fake" }

func (f *fakeTransport) Send(remote Endpoint, data []byte) error {
	f.mu.Lock()
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetRecvFunc(fn RecvFunc) { f.recv = fn }

func (f *fakeTransport) LocalAddresses() []Endpoint { return nil }

func (f *fakeTransport) Shutdown() error { return nil }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) deliver(remote Endpoint, m *message.Message) {
	data, err := m.Marshal()
	if err != nil {
		panic(err)
	}
	f.recv(remote, data, time.Now())
}

func TestSendConfirmableReturnsACKBeforeRetransmit(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLayer([]Transport{ft}, nil, nil)
	remote := Endpoint{Transport: "fake", Address: "127.0.0.1", Port: 5683}

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 7}

	done := make(chan struct{})
	go func() {
		resp, err := l.SendConfirmable(remote, req)
		if err != nil {
			t.Errorf("SendConfirmable: %v", err)
		}
		if resp == nil || resp.Type != message.Acknowledgement {
			t.Errorf("resp = %+v, want an ACK", resp)
		}
		close(done)
	}()

	// Give the first transmission a moment to land, then simulate the
	// remote's ACK arriving before any retransmission fires.
	time.Sleep(20 * time.Millisecond)
	if ft.sentCount() != 1 {
		t.Fatalf("sentCount = %d, want 1 before any retransmit", ft.sentCount())
	}
	ft.deliver(remote, &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: 7})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendConfirmable did not return after ACK")
	}
}

func TestSendConfirmableTimesOutAfterMaxRetransmit(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLayer([]Transport{ft}, nil, nil)
	remote := Endpoint{Transport: "fake", Address: "127.0.0.1", Port: 5683}
	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 11}

	_, err := l.SendConfirmable(remote, req)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// Initial send plus MaxRetransmit retries.
	if got, want := ft.sentCount(), MaxRetransmit+1; got != want {
		t.Fatalf("sentCount = %d, want %d", got, want)
	}
}

func TestOnRecvReplaysCachedACKForDuplicateCON(t *testing.T) {
	ft := &fakeTransport{}
	delivered := 0
	l := NewLayer([]Transport{ft}, func(remote Endpoint, m *message.Message) { delivered++ }, nil)
	remote := Endpoint{Transport: "fake", Address: "127.0.0.1", Port: 5683}

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 3}
	ft.deliver(remote, req)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 after first CON", delivered)
	}

	ack := &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: 3}
	if err := l.SendReply(remote, 3, ack); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	sentBefore := ft.sentCount()

	// A retransmitted duplicate CON must be answered from the cache,
	// not handed to the application a second time.
	ft.deliver(remote, req)
	if delivered != 1 {
		t.Fatalf("delivered = %d after duplicate CON, want still 1", delivered)
	}
	if ft.sentCount() != sentBefore+1 {
		t.Fatalf("sentCount = %d, want %d (cached ACK resent)", ft.sentCount(), sentBefore+1)
	}
}

func TestOnRecvDropsDuplicateCONWhileFirstCopyStillProcessing(t *testing.T) {
	ft := &fakeTransport{}
	delivered := 0
	l := NewLayer([]Transport{ft}, func(remote Endpoint, m *message.Message) { delivered++ }, nil)
	remote := Endpoint{Transport: "fake", Address: "127.0.0.1", Port: 5683}

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 9}
	ft.deliver(remote, req)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 after first CON", delivered)
	}

	// A retransmission arrives before any SendReply has cached a
	// response: it must be dropped, not handed to the application
	// again.
	ft.deliver(remote, req)
	if delivered != 1 {
		t.Fatalf("delivered = %d after duplicate CON before reply cached, want still 1", delivered)
	}
	if ft.sentCount() != 0 {
		t.Fatalf("sentCount = %d, want 0 (no cached reply to resend yet)", ft.sentCount())
	}

	ack := &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: 9}
	if err := l.SendReply(remote, 9, ack); err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	// Once a reply is cached, a further duplicate is answered from the
	// cache again (the already-tested steady-state behaviour).
	ft.deliver(remote, req)
	if delivered != 1 {
		t.Fatalf("delivered = %d after reply cached, want still 1", delivered)
	}
	if ft.sentCount() != 1 {
		t.Fatalf("sentCount = %d, want 1 (cached ACK resent)", ft.sentCount())
	}
}

func TestCancelResolvesExchangeWithErrRequestCancelled(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLayer([]Transport{ft}, nil, nil)
	remote := Endpoint{Transport: "fake", Address: "127.0.0.1", Port: 5683}
	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 21}

	errCh := make(chan error, 1)
	go func() {
		_, err := l.SendConfirmable(remote, req)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	l.Cancel(remote, 21)

	select {
	case err := <-errCh:
		if err != ErrRequestCancelled {
			t.Fatalf("err = %v, want ErrRequestCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendConfirmable did not return after Cancel")
	}
}

func TestThrottleLimitsNonConfirmableToRemoteWithNoRecentCON(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLayer([]Transport{ft}, nil, nil)
	remote := Endpoint{Transport: "fake", Address: "127.0.0.1", Port: 5683}

	payload := make([]byte, 40)
	msg := &message.Message{Type: message.NonConfirmable, Code: message.GET, MessageID: 1, Payload: payload}

	start := time.Now()
	if err := l.SendNonconfirmable(remote, msg); err != nil {
		t.Fatalf("SendNonconfirmable: %v", err)
	}
	// First send for a never-seen remote exhausts its bucket, which
	// starts pre-loaded with exactly the bytes of this send, so it
	// should not itself block.
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("first SendNonconfirmable took %v, want near-instant", elapsed)
	}

	msg2 := &message.Message{Type: message.NonConfirmable, Code: message.GET, MessageID: 2, Payload: payload}
	start = time.Now()
	if err := l.SendNonconfirmable(remote, msg2); err != nil {
		t.Fatalf("SendNonconfirmable: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("second SendNonconfirmable took %v, want throttled wait", elapsed)
	}
}

func TestThrottleExemptAfterRecentCONExchange(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLayer([]Transport{ft}, nil, nil)
	remote := Endpoint{Transport: "fake", Address: "127.0.0.1", Port: 5683}

	go func() {
		req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 5}
		l.SendConfirmable(remote, req)
	}()
	time.Sleep(20 * time.Millisecond)
	ft.deliver(remote, &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: 5})
	time.Sleep(20 * time.Millisecond)

	payload := make([]byte, 500)
	for i := 0; i < 3; i++ {
		msg := &message.Message{Type: message.NonConfirmable, Code: message.GET, MessageID: uint16(100 + i), Payload: payload}
		start := time.Now()
		if err := l.SendNonconfirmable(remote, msg); err != nil {
			t.Fatalf("SendNonconfirmable: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
			t.Fatalf("send %d took %v, want no throttling after recent CON", i, elapsed)
		}
	}
}
