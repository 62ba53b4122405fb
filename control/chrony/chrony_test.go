package chrony

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRefID(t *testing.T) {
	testData := []struct {
		id   uint32
		want string
	}{
		{0, "0.0.0.0"},
		{0xc0000201, "192.0.2.1"},
		{0x0a000001, "10.0.0.1"},
		{0x47505300, "GPS"},
		{0x50505300, "PPS"},
		{0x4e4d4541, "NMEA"},
		{0x50484330, "PHC0"},
		{0x41000000, "A"},
		{0x47005300, "71.0.83.0"},
		{0x7f000001, "127.0.0.1"},
	}
	for _, test := range testData {
		if got, want := refID(test.id), test.want; got != want {
			t.Errorf("refid %#08x:\n  got: %v\n want: %v", test.id, got, want)
		}
	}
}

func TestCheckNoServer(t *testing.T) {
	// A bound UDP socket that never answers.
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c := &Checker{Addr: conn.LocalAddr().String()}
	if _, err := c.Check(ctx); err == nil {
		t.Error("expected an error talking to a silent chronyd")
	}
}
