package observation

import (
	"testing"
	"time"

	"github.com/mnazarim/CoAP/net"
)

func TestClientAcceptsFresherAndDropsStale(t *testing.T) {
	c := &Client{}
	now := time.Now()

	accept := func(v uint32, dt time.Duration) bool {
		return c.Accept(v, now.Add(dt))
	}

	if !accept(5, 0) {
		t.Fatal("first notification (5) must be accepted")
	}
	if !accept(6, time.Second) {
		t.Fatal("6 must be accepted after 5")
	}
	if accept(4, 2*time.Second) {
		t.Fatal("4 must be dropped as stale after 6")
	}
	if !accept(7, 3*time.Second) {
		t.Fatal("7 must be accepted after 6")
	}
}

func TestClientAcceptsAfterTimestampFallback(t *testing.T) {
	c := &Client{}
	now := time.Now()
	c.Accept(10, now)
	if !c.Accept(3, now.Add(129*time.Second)) {
		t.Fatal("stale-looking counter must still be accepted after 128s elapse")
	}
}

func TestTableDeliverAdvancesCounterModuloWrap(t *testing.T) {
	tbl := NewTable()
	tbl.counters["/a"] = counterModulus - 1
	_, v := tbl.Deliver("/a")
	if v != 1 {
		t.Fatalf("Deliver() counter = %d, want wraparound to 1", v)
	}
}

func TestDeregisterAllRemovesRegistrationAcrossPaths(t *testing.T) {
	tbl := NewTable()
	remote := net.Endpoint{Transport: "udp", Address: "127.0.0.1", Port: 5683}
	token := []byte{0x01}
	tbl.Register("/a", remote, token)
	tbl.Register("/b", remote, token)

	tbl.DeregisterAll(remote, token)

	regsA, _ := tbl.Deliver("/a")
	regsB, _ := tbl.Deliver("/b")
	if len(regsA) != 0 || len(regsB) != 0 {
		t.Fatalf("registrations survived DeregisterAll: /a=%v /b=%v", regsA, regsB)
	}
}
