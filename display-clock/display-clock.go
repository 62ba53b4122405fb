// Command display-clock lights every glyph on every digit in turn, to check that a wiring file
// matches the board.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jrockway/segment-clock/control/config"
	"github.com/jrockway/segment-clock/control/display"
	"periph.io/x/host/v3"
)

var (
	wiringFile = flag.String("wiring", "wiring.yaml", "yaml file describing which gpio lines drive the display")
	hold       = flag.Duration("hold", 500*time.Millisecond, "how long to show each test pattern")
)

// patterns returns the test patterns in the order they are shown.  The first lights every segment
// and the indicator, which is the one to look at if something is dark.
func patterns() []string {
	result := []string{"88:8888"}
	for _, c := range " -*0123456789abcdefghijklmnopqrstuvwxyz" {
		result = append(result, strings.Repeat(string(c), display.Digits))
	}
	return result
}

func main() {
	flag.Parse()
	if _, err := host.Init(); err != nil {
		log.Fatalf("init periph.io: %v", err)
	}
	w, err := config.Load(*wiringFile)
	if err != nil {
		log.Fatal(err)
	}
	segments, digits, err := w.Pins(nil)
	if err != nil {
		log.Fatal(err)
	}
	d, err := display.New(segments, digits, w.Opts())
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("display initialized")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

test:
	for _, p := range patterns() {
		log.Printf("showing %q", p)
		until := time.Now().Add(*hold)
		for time.Now().Before(until) {
			if err := d.Write(ctx, p); err != nil {
				log.Printf("write %q: %v", p, err)
				break test
			}
		}
	}
	log.Printf("exiting")

	if err := d.Blank(); err != nil {
		log.Printf("blank: %v", err)
	}
}
