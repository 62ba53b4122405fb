// Package chrony asks the local chronyd whether it has the system clock under control.  The clock
// never sets the system time itself; chronyd owns that.
package chrony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultAddr is chronyd's command port.
const DefaultAddr = "localhost:323"

// leapUnsynchronised is chronyd's leap status when it has no usable source.
const leapUnsynchronised = 3

// ErrUnsynchronised is returned when chronyd answers but isn't tracking anything.
var ErrUnsynchronised = errors.New("chronyd is not synchronised")

var lastOffsetGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "chrony_last_offset_seconds",
	Help: "the last offset between the system clock and chronyd's reference",
})

// Tracking is the part of chronyd's tracking report that matters to a clock.
type Tracking struct {
	RefID      string
	Stratum    int
	LeapStatus int
	RefTime    time.Time
	LastOffset float64 // seconds
}

func (t *Tracking) String() string {
	return fmt.Sprintf("ref %s stratum %d leap %d last offset %v at %s", t.RefID, t.Stratum, t.LeapStatus, t.LastOffset, t.RefTime.Format(time.RFC3339))
}

// Checker talks to chronyd.
type Checker struct {
	Addr string // DefaultAddr if empty
}

// Check asks chronyd for its tracking status.  It returns ErrUnsynchronised (along with the
// report) if chronyd is up but isn't keeping the clock in sync.
func (c *Checker) Check(ctx context.Context) (*Tracking, error) {
	addr := c.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client := chrony.Client{Sequence: 1, Connection: conn}
	res, err := client.Communicate(chrony.NewTrackingPacket())
	if err != nil {
		return nil, fmt.Errorf("get tracking info: communicate: %w", err)
	}
	reply, ok := res.(*chrony.ReplyTracking)
	if !ok {
		return nil, fmt.Errorf("tracking reply was of unexpected type %T", res)
	}
	t := &Tracking{
		RefID:      refID(uint32(reply.RefID)),
		Stratum:    int(reply.Stratum),
		LeapStatus: int(reply.LeapStatus),
		RefTime:    reply.RefTime,
		LastOffset: float64(reply.LastOffset),
	}
	lastOffsetGauge.Set(t.LastOffset)
	if t.LeapStatus == leapUnsynchronised || t.Stratum == 0 {
		return t, fmt.Errorf("%w: %v", ErrUnsynchronised, t)
	}
	return t, nil
}

// refID formats chronyd's 32-bit reference id.  Local refclocks pack a short ASCII name ("GPS",
// "PHC0") into it, zero padded on the right; NTP sources use their IPv4 address.
func refID(id uint32) string {
	b := []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	name := bytes.TrimRight(b, "\x00")
	if len(name) == 0 {
		return net.IP(b).String()
	}
	for _, c := range name {
		if !('A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9') {
			return net.IP(b).String()
		}
	}
	return string(name)
}
