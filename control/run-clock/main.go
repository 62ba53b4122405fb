package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrockway/segment-clock/control/chrony"
	"github.com/jrockway/segment-clock/control/clock"
	"github.com/jrockway/segment-clock/control/config"
	"github.com/jrockway/segment-clock/control/display"
	"github.com/jrockway/segment-clock/control/scheduler"
	"github.com/jrockway/segment-clock/control/tzinfer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "golang.org/x/net/trace" // for /debug/requests and /debug/events
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
)

var (
	bind          = flag.String("bind", ":8080", "address to bind for debug/metrics server")
	wiringFile    = flag.String("wiring", "", "yaml file describing which gpio lines drive the display; empty to run without a display")
	pulse         = flag.Duration("pulse", 0, "how long to light each digit per refresh; overrides the wiring file")
	resync        = flag.Duration("resync", scheduler.DefaultResyncInterval, "how often to look up the utc offset")
	resyncTimeout = flag.Duration("resync-timeout", scheduler.DefaultResyncTimeout, "how long one utc offset lookup may take")
	chronyAddr    = flag.String("chrony", chrony.DefaultAddr, "chronyd command address; empty to skip checking the system clock")
	ipURL         = flag.String("ip-url", tzinfer.DefaultIPURL, "url that returns our public ip address")
	timeURL       = flag.String("time-url", tzinfer.DefaultTimeURL, "url that the public ip is appended to, returning the local time as json")
	offset        = flag.Int("offset", 0, "utc offset in minutes to use until the first lookup succeeds")
)

func main() {
	flag.Parse()

	var segments, digits []gpio.PinOut
	opts := &display.Opts{}
	if *wiringFile != "" {
		if _, err := host.Init(); err != nil {
			log.Fatalf("init periph.io: %v", err)
		}
		w, err := config.Load(*wiringFile)
		if err != nil {
			log.Fatalf("load wiring: %v", err)
		}
		segments, digits, err = w.Pins(nil)
		if err != nil {
			log.Fatalf("resolve wiring: %v", err)
		}
		opts = w.Opts()
	} else {
		log.Printf("no wiring file; running without a display")
	}
	if *pulse > 0 {
		opts.Pulse = *pulse
	}

	ctx, cancel := context.WithCancel(context.Background())

	leds, err := display.New(segments, digits, opts)
	if err != nil {
		log.Fatalf("init display: %v", err)
	}

	http.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/display.png", http.StatusFound)
	})
	http.Handle("/display.png", leds)
	http.Handle("/metrics", promhttp.Handler())

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: *bind}
	go func() {
		log.Printf("http server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	cl := clock.New(
		clock.WithLocator(&tzinfer.Locator{IPURL: *ipURL, TimeURL: *timeURL}),
		clock.WithOffset(*offset),
	)
	sOpts := &scheduler.Opts{ResyncInterval: *resync, ResyncTimeout: *resyncTimeout}
	if *chronyAddr != "" {
		checker := &chrony.Checker{Addr: *chronyAddr}
		sOpts.TimeChecker = scheduler.CheckerFunc(func(ctx context.Context) error {
			t, err := checker.Check(ctx)
			if err != nil {
				return err
			}
			log.Printf("chronyd: %v", t)
			return nil
		})
	}
	sched := scheduler.New(leds, cl, sOpts)

	loopDoneCh := make(chan error)
	go func() {
		err := sched.Run(ctx)
		select {
		case loopDoneCh <- err:
		case <-ctx.Done():
		}
		close(loopDoneCh)
	}()

	httpAlive := true
	select {
	case err := <-httpDoneCh:
		log.Printf("http server died: %v", err)
		httpAlive = false
	case err := <-loopDoneCh:
		log.Printf("clock loop died: %v", err)
	case <-sigCh:
		log.Printf("interrupt")
	}
	signal.Stop(sigCh)
	cancel()
	// Let the refresh loop notice the cancellation before blanking, so it doesn't light a digit
	// after we've turned everything off.
	select {
	case <-loopDoneCh:
	case <-time.After(time.Second):
	}
	// Blank the display so someone looking at the clock can tell that it isn't running.
	if err := leds.Blank(); err != nil {
		log.Printf("blank display: %v", err)
	}
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		httpServer.Shutdown(tctx)
		c()
	}
	os.Exit(1)
}
