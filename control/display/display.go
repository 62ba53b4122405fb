// Package display drives the clock's six digit segment display, and retains what it last drew for
// debugging the rest of the program without the display attached.
package display

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jrockway/segment-clock/control/segment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/gpio"
)

const (
	// Digits is the number of cells on the display.
	Digits = 6
	// Segments is the number of shared segment lines, including the indicator.
	Segments = 8
	// DefaultPulse is how long each digit stays lit per pass.
	DefaultPulse = 3 * time.Millisecond

	previewCellWidth   = 30
	previewCellHeight  = 60
	previewStroke      = 6
	previewCellSpacing = 18
	previewBorder      = 10
	previewCaption     = 20
)

var (
	writeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "display_write_seconds",
		Help:    "time taken to multiplex one full pass over every digit",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	encodingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "display_encoding_errors",
		Help: "count of writes that contained a character with no glyph",
	})
)

// Opts configures a Display.
type Opts struct {
	// Pulse is how long each digit-select line is held active.  Zero means DefaultPulse.
	Pulse time.Duration
	// Inverted lists the digits whose segment lines are active-low.
	Inverted []int
}

// Display represents the multiplexed display on my clock.  Eight segment lines (A-G plus the
// indicator dot) are shared by every digit; six digit-select lines pick which digit listens to
// them.  Only one digit is ever lit at a time; persistence of vision does the rest.
//
// The first four digits are common-anode parts from a different batch than the last two, so
// their segment lines need to be driven low to light.  That's what Opts.Inverted is for.
type Display struct {
	segments []gpio.PinOut
	digits   []gpio.PinOut
	n        int
	pulse    time.Duration
	inverted map[int]bool
	leds     []bool // indicator dot per digit; only the refresh loop touches this.

	stateMu sync.Mutex
	state   State // must hold stateMu to read or write.
}

// State is what the display was last told to show.
type State struct {
	Cells    string            // the characters in each cell, after the colon is consumed
	Patterns []segment.Pattern // logical segment patterns, including the indicator bit
}

// New returns an initialized Display, with every line driven low.  If both segments and digits
// are empty, the display runs headless; writes only update the preview.
func New(segments, digits []gpio.PinOut, opts *Opts) (*Display, error) {
	if opts == nil {
		opts = &Opts{}
	}
	d := &Display{
		segments: segments,
		digits:   digits,
		n:        Digits,
		pulse:    opts.Pulse,
		inverted: make(map[int]bool),
		leds:     make([]bool, Digits),
	}
	if d.pulse <= 0 {
		d.pulse = DefaultPulse
	}
	if len(segments) == 0 && len(digits) == 0 {
		d.segments, d.digits = nil, nil
	} else {
		if got, want := len(segments), Segments; got != want {
			return nil, fmt.Errorf("segment lines: got %d, want %d", got, want)
		}
		if got, want := len(digits), Digits; got != want {
			return nil, fmt.Errorf("digit-select lines: got %d, want %d", got, want)
		}
	}
	for _, i := range opts.Inverted {
		if i < 0 || i >= d.n {
			return nil, fmt.Errorf("inverted digit %d out of range [0, %d)", i, d.n)
		}
		d.inverted[i] = true
	}
	if err := d.Blank(); err != nil {
		return nil, fmt.Errorf("init lines: %w", err)
	}
	return d, nil
}

// Headless is true if there is no hardware attached.
func (d *Display) Headless() bool {
	return d.digits == nil && d.segments == nil
}

// layout splits text into the cells to draw.  A colon in the third position turns on the first
// digit's indicator instead of taking up a cell.  Short text is right-aligned.
func layout(text string) ([]rune, bool) {
	cells := []rune(text)
	var indicator bool
	if len(cells) > 2 && cells[2] == ':' {
		indicator = true
		cells = append(cells[:2:2], cells[3:]...)
	}
	if pad := Digits - len(cells); pad > 0 {
		cells = append([]rune(strings.Repeat(" ", pad)), cells...)
	}
	return cells, indicator
}

// Write multiplexes text onto the display once.  It takes about Digits*Pulse to return.
//
// Text longer than the display is a programming error and panics after the segment lines have
// been set up for the first digit that doesn't exist.
func (d *Display) Write(ctx context.Context, text string) error {
	start := time.Now()
	defer func() { writeLatency.Observe(time.Since(start).Seconds()) }()

	cells, indicator := layout(text)
	d.leds[0] = indicator

	patterns := make([]segment.Pattern, 0, len(cells))
	for i, c := range cells {
		p, err := segment.Encode(c)
		if err != nil {
			encodingErrors.Inc()
			return fmt.Errorf("encode digit %d: %w", i, err)
		}
		if i < len(d.leds) && d.leds[i] {
			p |= segment.Indicator
		}
		patterns = append(patterns, p)
		if err := d.pulseDigit(ctx, i, p); err != nil {
			return err
		}
	}
	d.updateState(string(cells), patterns)
	return nil
}

// lineLevel returns the level to drive for wire-order pattern p on segment line i.
func lineLevel(p segment.Pattern, i int) gpio.Level {
	return gpio.Level(p&(1<<uint(i)) != 0)
}

// pulseDigit lights one digit with logical pattern p for the pulse duration.
func (d *Display) pulseDigit(ctx context.Context, digit int, p segment.Pattern) error {
	wire := segment.Permute(p)
	if d.inverted[digit] {
		wire = ^wire
	}
	if !d.Headless() {
		for i, line := range d.segments {
			if err := line.Out(lineLevel(wire, i)); err != nil {
				return fmt.Errorf("digit %d: drive segment line %d: %w", digit, i, err)
			}
		}
	}
	if digit >= d.n {
		panic(fmt.Sprintf("display: digit %d out of range [0, %d)", digit, d.n))
	}
	if d.Headless() {
		return sleep(ctx, d.pulse)
	}
	sel := d.digits[digit]
	if err := sel.Out(gpio.High); err != nil {
		return fmt.Errorf("select digit %d: %w", digit, err)
	}
	err := sleep(ctx, d.pulse)
	if lerr := sel.Out(gpio.Low); lerr != nil {
		return fmt.Errorf("deselect digit %d: %w", digit, lerr)
	}
	if err != nil {
		return fmt.Errorf("pulse digit %d: %w", digit, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Blank turns every line off.
func (d *Display) Blank() error {
	d.updateState(strings.Repeat(" ", d.n), make([]segment.Pattern, d.n))
	if d.Headless() {
		return nil
	}
	var errs []error
	for i, line := range d.digits {
		if err := line.Out(gpio.Low); err != nil {
			errs = append(errs, fmt.Errorf("digit-select line %d: %w", i, err))
		}
	}
	for i, line := range d.segments {
		if err := line.Out(gpio.Low); err != nil {
			errs = append(errs, fmt.Errorf("segment line %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("blank display: %w", errors.Join(errs...))
	}
	return nil
}

func (d *Display) updateState(cells string, patterns []segment.Pattern) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.state = State{Cells: cells, Patterns: patterns}
}

// Snapshot returns what the display was last told to show.
func (d *Display) Snapshot() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	result := State{Cells: d.state.Cells}
	result.Patterns = append(result.Patterns, d.state.Patterns...)
	return result
}

// segmentRects returns where each of segments A-G and the indicator of a cell go in the preview,
// for a cell whose top-left corner is at o.
func segmentRects(o image.Point) [Segments]image.Rectangle {
	const w, h, t = previewCellWidth, previewCellHeight, previewStroke
	r := func(x0, y0, x1, y1 int) image.Rectangle { return image.Rect(x0, y0, x1, y1).Add(o) }
	return [Segments]image.Rectangle{
		r(t, 0, w-t, t),             // A
		r(w-t, t, w, h/2),           // B
		r(w-t, h/2, w, h-t),         // C
		r(t, h-t, w-t, h),           // D
		r(0, h/2, t, h-t),           // E
		r(0, t, t, h/2),             // F
		r(t, h/2-t/2, w-t, h/2+t/2), // G
		r(w+t/2, h-t, w+t+t/2, h),   // indicator
	}
}

// Render draws s the way it would look on the real display.
func Render(s State) *image.NRGBA {
	cells := len(s.Patterns)
	if cells == 0 {
		cells = Digits
	}
	width := 2*previewBorder + cells*previewCellWidth + (cells-1)*previewCellSpacing
	height := 2*previewBorder + previewCellHeight + previewCaption
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.NRGBA{A: 0xff}), image.Point{}, draw.Src)

	on := image.NewUniform(color.NRGBA{R: 0xff, G: 0x30, B: 0x10, A: 0xff})
	off := image.NewUniform(color.NRGBA{R: 0x20, G: 0x08, B: 0x04, A: 0xff})
	for c, p := range s.Patterns {
		o := image.Pt(previewBorder+c*(previewCellWidth+previewCellSpacing), previewBorder)
		for i, rect := range segmentRects(o) {
			src := off
			if p.Lit(i) {
				src = on
			}
			draw.Draw(img, rect, src, image.Point{}, draw.Src)
		}
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(previewBorder, height-previewBorder/2),
	}
	drawer.DrawString(fmt.Sprintf("%q", s.Cells))
	return img
}

// ServeHTTP serves the current display contents as a PNG.
func (d *Display) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	img := Render(d.Snapshot())
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, img); err != nil {
		log.Printf("encoding image: %v", err)
	}
}
