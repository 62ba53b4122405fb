package main

import (
	"context"
	"testing"
	"time"

	"github.com/jrockway/segment-clock/control/display"
)

func TestPatterns(t *testing.T) {
	d, err := display.New(nil, nil, &display.Opts{Pulse: time.Microsecond})
	if err != nil {
		t.Fatalf("new display: %v", err)
	}
	ps := patterns()
	if got, want := len(ps), 40; got != want {
		t.Errorf("pattern count:\n  got: %v\n want: %v", got, want)
	}
	for _, p := range ps {
		if err := d.Write(context.Background(), p); err != nil {
			t.Errorf("write %q: %v", p, err)
		}
	}
}
