// Package tzinfer finds out the local wall-clock time without being told where we are, by looking
// up our public IP address and then asking a geolocation service what time it is there.
package tzinfer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/jrockway/segment-clock/control/clock"
	"github.com/jrockway/segment-clock/control/httpget"
	"golang.org/x/net/trace"
)

const (
	// DefaultIPURL returns the caller's public address as plain text.
	DefaultIPURL = "https://ifconfig.me"
	// DefaultTimeURL returns the current time at the IP address appended to it, as JSON.
	DefaultTimeURL = "https://www.timeapi.io/api/Time/current/ip?ipAddress="
)

// Getter fetches a URL.  *httpget.Client is one.
type Getter interface {
	Get(ctx context.Context, url string) (*httpget.Response, error)
}

// Locator implements clock.Locator with two network lookups.
type Locator struct {
	Getter  Getter // httpget.DefaultClient if nil
	IPURL   string // DefaultIPURL if empty
	TimeURL string // DefaultTimeURL if empty
}

var _ clock.Locator = (*Locator)(nil)

// geoTime is the part of the time service's response we care about.  Pointers distinguish a
// missing field from a zero.
type geoTime struct {
	Year      *int   `json:"year"`
	Month     *int   `json:"month"`
	Day       *int   `json:"day"`
	Hour      *int   `json:"hour"`
	Minute    *int   `json:"minute"`
	Seconds   *int   `json:"seconds"`
	TimeZone  string `json:"timeZone"`
	DSTActive bool   `json:"dstActive"`
}

func (g *geoTime) civil() (clock.CivilTime, error) {
	fields := []struct {
		name     string
		val      *int
		min, max int
	}{
		{"year", g.Year, 1970, 9999},
		{"month", g.Month, 1, 12},
		{"day", g.Day, 1, 31},
		{"hour", g.Hour, 0, 23},
		{"minute", g.Minute, 0, 59},
		{"seconds", g.Seconds, 0, 60},
	}
	for _, f := range fields {
		if f.val == nil {
			return clock.CivilTime{}, fmt.Errorf("%w: field %q missing", httpget.ErrProtocol, f.name)
		}
		if v := *f.val; v < f.min || v > f.max {
			return clock.CivilTime{}, fmt.Errorf("%w: field %q out of range: %d", httpget.ErrProtocol, f.name, v)
		}
	}
	return clock.CivilTime{
		Year: *g.Year, Month: *g.Month, Day: *g.Day,
		Hour: *g.Hour, Minute: *g.Minute, Second: *g.Seconds,
	}, nil
}

func (l *Locator) getter() Getter {
	if l.Getter == nil {
		return httpget.DefaultClient
	}
	return l.Getter
}

// PublicIP returns our address as the outside world sees it.
func (l *Locator) PublicIP(ctx context.Context) (net.IP, error) {
	u := l.IPURL
	if u == "" {
		u = DefaultIPURL
	}
	res, err := l.getter().Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("get public ip: %w", err)
	}
	text := strings.TrimSpace(res.Text())
	ip := net.ParseIP(text)
	if ip == nil {
		return nil, fmt.Errorf("get public ip: %w: %q is not an ip address", httpget.ErrProtocol, text)
	}
	return ip, nil
}

// Locate returns the current wall-clock time at our public IP address.
func (l *Locator) Locate(ctx context.Context) (clock.CivilTime, error) {
	tr := trace.NewEventLog("tzinfer", "locate")
	defer tr.Finish()

	ip, err := l.PublicIP(ctx)
	if err != nil {
		tr.Errorf("%v", err)
		return clock.CivilTime{}, err
	}
	tr.Printf("public ip: %v", ip)

	u := l.TimeURL
	if u == "" {
		u = DefaultTimeURL
	}
	res, err := l.getter().Get(ctx, u+url.QueryEscape(ip.String()))
	if err != nil {
		tr.Errorf("get time for %v: %v", ip, err)
		return clock.CivilTime{}, fmt.Errorf("get time for %v: %w", ip, err)
	}
	var g geoTime
	if err := res.JSON(&g); err != nil {
		tr.Errorf("decode time for %v: %v", ip, err)
		return clock.CivilTime{}, fmt.Errorf("decode time for %v: %w", ip, err)
	}
	local, err := g.civil()
	if err != nil {
		tr.Errorf("decode time for %v: %v", ip, err)
		return clock.CivilTime{}, fmt.Errorf("decode time for %v: %w", ip, err)
	}
	tr.Printf("local time at %v: %v (zone %q, dst %v)", ip, local, g.TimeZone, g.DSTActive)
	return local, nil
}
