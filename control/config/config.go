// Package config reads the description of how the display is wired up.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/jrockway/segment-clock/control/display"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Wiring names the GPIO lines the display is connected to.
//
//	segments: [P9_12, P9_15, P9_23, P9_25, P9_27, P9_30, P9_41, P8_7]
//	digits: [P8_8, P8_9, P8_10, P8_11, P8_12, P8_14]
//	inverted: [0, 1, 2, 3]
//	pulse: 3ms
type Wiring struct {
	Segments []string      `yaml:"segments"` // A-G then the indicator, in logical order
	Digits   []string      `yaml:"digits"`   // left to right
	Inverted []int         `yaml:"inverted"` // digits whose segment lines are active-low
	Pulse    time.Duration `yaml:"pulse"`
}

// Parse reads wiring from YAML.  Unknown keys are an error, since a typo would otherwise leave a
// digit dark.
func Parse(data []byte) (*Wiring, error) {
	w := new(Wiring)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(w); err != nil {
		return nil, fmt.Errorf("decode wiring: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Load reads wiring from a YAML file.
func Load(filename string) (*Wiring, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read wiring: %w", err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return w, nil
}

// Validate checks that the wiring describes the display we actually have.
func (w *Wiring) Validate() error {
	if got, want := len(w.Segments), display.Segments; got != want {
		return fmt.Errorf("segments: got %d lines, want %d", got, want)
	}
	if got, want := len(w.Digits), display.Digits; got != want {
		return fmt.Errorf("digits: got %d lines, want %d", got, want)
	}
	seen := make(map[string]bool)
	for _, name := range append(append([]string{}, w.Segments...), w.Digits...) {
		if seen[name] {
			return fmt.Errorf("line %q used more than once", name)
		}
		seen[name] = true
	}
	for _, i := range w.Inverted {
		if i < 0 || i >= display.Digits {
			return fmt.Errorf("inverted: digit %d out of range [0, %d)", i, display.Digits)
		}
	}
	if w.Pulse < 0 {
		return fmt.Errorf("pulse: negative duration %v", w.Pulse)
	}
	return nil
}

// Opts returns the display options the wiring implies.
func (w *Wiring) Opts() *display.Opts {
	return &display.Opts{Pulse: w.Pulse, Inverted: w.Inverted}
}

// PinLookup finds a pin by name; gpioreg.ByName is one.
type PinLookup func(name string) gpio.PinIO

// Pins resolves the wiring's line names.  host.Init must have been called before using
// gpioreg.ByName.
func (w *Wiring) Pins(lookup PinLookup) (segments, digits []gpio.PinOut, err error) {
	if lookup == nil {
		lookup = gpioreg.ByName
	}
	resolve := func(names []string) ([]gpio.PinOut, error) {
		var result []gpio.PinOut
		for _, name := range names {
			p := lookup(name)
			if p == nil {
				return nil, fmt.Errorf("no gpio line named %q", name)
			}
			result = append(result, p)
		}
		return result, nil
	}
	if segments, err = resolve(w.Segments); err != nil {
		return nil, nil, fmt.Errorf("segments: %w", err)
	}
	if digits, err = resolve(w.Digits); err != nil {
		return nil, nil, fmt.Errorf("digits: %w", err)
	}
	return segments, digits, nil
}
