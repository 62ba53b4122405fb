// Package clock tells the time in UTC and locally, and can work out the local UTC offset by
// asking the internet what time it is where we are.
package clock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MinOffset and MaxOffset bound the UTC offsets that exist anywhere, in minutes.
	MinOffset = -12 * 60
	MaxOffset = 14 * 60
)

var (
	// ErrNoLocator is returned by Sync on a clock that was built without a Locator.
	ErrNoLocator = errors.New("no locator configured")
	// ErrImplausibleOffset is returned by Sync when the computed offset can't be a real timezone.
	ErrImplausibleOffset = errors.New("implausible utc offset")

	offsetGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "utc_offset_minutes",
		Help: "the offset between local time and utc that the clock is currently displaying",
	})
)

// CivilTime is a wall-clock reading with no timezone attached.
type CivilTime struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

func (c CivilTime) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second)
}

// Unix returns the number of seconds between the epoch and c, pretending c is in UTC.
func (c CivilTime) Unix() int64 {
	return time.Date(c.Year, time.Month(c.Month), c.Day, c.Hour, c.Minute, c.Second, 0, time.UTC).Unix()
}

// Locator finds out what the local time is, usually over the network.
type Locator interface {
	Locate(ctx context.Context) (CivilTime, error)
}

// Option configures a Clock.
type Option func(c *Clock)

// WithNow replaces time.Now as the clock's time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithLocator lets Sync work out the UTC offset with l.
func WithLocator(l Locator) Option {
	return func(c *Clock) { c.locator = l }
}

// WithOffset sets the initial UTC offset, in minutes.
func WithOffset(minutes int) Option {
	return func(c *Clock) { c.offset.Store(int32(minutes)) }
}

// Clock is a UTC time source plus an offset to local time.  Sync may be called concurrently with
// everything else.
type Clock struct {
	now     func() time.Time
	locator Locator
	offset  atomic.Int32 // minutes east of UTC
}

// New returns a Clock.  Without options it reads time.Now, has an offset of zero, and cannot Sync.
func New(opts ...Option) *Clock {
	c := &Clock{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	offsetGauge.Set(float64(c.Offset()))
	return c
}

// Now returns the current instant.  Format from one reading rather than calling this per field, so
// a second boundary can't fall between the hour and the minute.
func (c *Clock) Now() time.Time {
	return c.now()
}

// UTC returns the current time in UTC, regardless of the offset.
func (c *Clock) UTC() time.Time {
	return c.now().UTC()
}

// Local returns the current time in the local zone.
func (c *Clock) Local() time.Time {
	return c.now().In(Zone(c.Offset()))
}

// Offset returns the current UTC offset in minutes.
func (c *Clock) Offset() int {
	return int(c.offset.Load())
}

// SetOffset changes the UTC offset.
func (c *Clock) SetOffset(minutes int) {
	c.offset.Store(int32(minutes))
	offsetGauge.Set(float64(minutes))
}

// Zone returns a fixed zone for an offset, named like "UTC+05:30".
func Zone(minutes int) *time.Location {
	sign, abs := '+', minutes
	if minutes < 0 {
		sign, abs = '-', -minutes
	}
	return time.FixedZone(fmt.Sprintf("UTC%c%02d:%02d", sign, abs/60, abs%60), minutes*60)
}

// Quantize rounds a difference in seconds to the nearest 15 minutes, which is the granularity of
// every timezone in use.  Exact ties go to the even quarter hour.
func Quantize(seconds float64) int {
	return int(math.RoundToEven(seconds/900)) * 15
}

// OffsetAt returns the UTC offset implied by local being the wall-clock time at the instant utc.
func OffsetAt(local CivilTime, utc time.Time) int {
	diff := float64(local.Unix()) - float64(utc.UnixNano())/float64(time.Second)
	return Quantize(diff)
}

// Sync asks the locator for the local time and updates the offset to match.  The UTC reading is
// taken after the locator returns, so a slow lookup biases the result; quantizing to 15 minutes
// hides that unless the lookup takes minutes.  On error, the previous offset is left alone.
func (c *Clock) Sync(ctx context.Context) (int, error) {
	if c.locator == nil {
		return c.Offset(), ErrNoLocator
	}
	local, err := c.locator.Locate(ctx)
	if err != nil {
		return c.Offset(), fmt.Errorf("locate: %w", err)
	}
	utc := c.now()
	offset := OffsetAt(local, utc)
	if offset < MinOffset || offset > MaxOffset {
		u := utc.UTC()
		return c.Offset(), fmt.Errorf("%w: local time %v at %v utc (%v, day %d) gives %d minutes", ErrImplausibleOffset, local, u.Format(time.RFC3339), u.Weekday(), u.YearDay(), offset)
	}
	c.SetOffset(offset)
	return offset, nil
}
