//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/slabudp/port"
	"github.com/romshark/slabudp/seqcheck"
)

// Topology:
//
//	sender  ->  listen.addr:listen.port  (ingress port)
//	            egress port              ->  forward.addr:forward.port
//
// Every datagram received on the ingress port is forwarded unchanged
// through the egress port.

type Config struct {
	Listen struct {
		Addr string      `yaml:"addr"`
		Port int         `yaml:"port"`
		Conf port.Config `yaml:"conf"`
	} `yaml:"listen"`

	Forward struct {
		Addr string      `yaml:"addr"`
		Port int         `yaml:"port"`
		Conf port.Config `yaml:"conf"`
	} `yaml:"forward"`

	// Test checks the sequence numbers of forwarded datagrams and stops
	// after Count of them.
	Test  bool   `yaml:"test"`
	Count uint64 `yaml:"count"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fListen := flag.String("a", "", "listen address override")
	fPort := flag.Int("p", 0, "listen port override")
	fDstAddr := flag.String("d", "", "forward address override")
	fDstPort := flag.Int("P", 0, "forward port override")
	fCount := flag.Uint64("n", 0, "packet count override (test mode)")
	fTest := flag.Bool("test", false, "enable test mode (override)")
	fFallback := flag.Bool("fallback", false, "fall back to kernel sockets")
	fVerbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fListen != "" {
		conf.Listen.Addr = *fListen
	}
	if *fPort != 0 {
		conf.Listen.Port = *fPort
	}
	if *fDstAddr != "" {
		conf.Forward.Addr = *fDstAddr
	}
	if *fDstPort != 0 {
		conf.Forward.Port = *fDstPort
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fTest {
		conf.Test = true
	}
	if *fFallback {
		conf.Listen.Conf.Fallback, conf.Forward.Conf.Fallback = true, true
	}
	log := logrus.StandardLogger()
	if *fVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	conf.Listen.Conf.Driver.Logger = log
	conf.Forward.Conf.Driver.Logger = log

	// Basic validation
	if conf.Listen.Port <= 0 || conf.Listen.Port > 65535 {
		return nil, fmt.Errorf("invalid listen.port %d", conf.Listen.Port)
	}
	if a, err := netip.ParseAddr(conf.Forward.Addr); err != nil || !a.Is4() {
		return nil, fmt.Errorf("invalid forward.addr %q", conf.Forward.Addr)
	}
	if conf.Forward.Port <= 0 || conf.Forward.Port > 65535 {
		return nil, fmt.Errorf("invalid forward.port %d", conf.Forward.Port)
	}
	if conf.Test && conf.Count == 0 {
		return nil, errors.New("count must be > 0 in test mode")
	}
	if err := conf.Listen.Conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := conf.Forward.Conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type Stats struct {
	Received  atomic.Uint64
	Forwarded atomic.Uint64
	Bytes     atomic.Uint64
	Errors    atomic.Uint64
}

// makeRelayHandler builds the ingress callback forwarding every batch
// through egress. In test mode each datagram is checked by checker and done
// is closed once want datagrams were forwarded.
func makeRelayHandler(
	ctx context.Context,
	egress *port.Port,
	dstPort int, dstAddr string,
	stats *Stats,
	checker *seqcheck.Checker, want uint64, done chan<- struct{},
) func([][]byte) {
	var closed bool
	return func(bufs [][]byte) {
		stats.Received.Add(uint64(len(bufs)))
		if checker != nil {
			for _, b := range bufs {
				checker.Observe(b)
			}
		}
		if err := egress.Send(ctx, bufs, dstPort, dstAddr); err != nil {
			stats.Errors.Add(1)
			if !errors.Is(err, port.ErrClosed) {
				fmt.Fprintf(os.Stderr, "forwarding: %v\n", err)
			}
			return
		}
		for _, b := range bufs {
			stats.Bytes.Add(uint64(len(b)))
		}
		n := stats.Forwarded.Add(uint64(len(bufs)))
		if done != nil && !closed && n >= want {
			closed = true
			close(done)
		}
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "RELAY CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	egress, err := port.Open(conf.Forward.Conf, port.Handlers{
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "egress pump error: %v\n", err)
		},
	})
	fatalIf(err, "opening egress port")

	var stats Stats
	var checker *seqcheck.Checker
	var done chan struct{}
	if conf.Test {
		checker = seqcheck.New(conf.Count)
		done = make(chan struct{})
	}

	ingress, err := port.Open(conf.Listen.Conf, port.Handlers{
		OnMessages: makeRelayHandler(ctx, egress,
			conf.Forward.Port, conf.Forward.Addr,
			&stats, checker, conf.Count, done),
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "ingress pump error: %v\n", err)
		},
	})
	fatalIf(err, "opening ingress port")

	lp, la, err := ingress.Bind(conf.Listen.Port, conf.Listen.Addr)
	fatalIf(err, "binding ingress")
	fmt.Fprintf(os.Stderr, "relaying %s:%d (fast=%t) -> %s:%d (fast=%t)\n",
		la, lp, ingress.Fast(), conf.Forward.Addr, conf.Forward.Port, egress.Fast())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	start := time.Now()
	select {
	case <-sig:
	case <-done:
	}

	// Cancel first so a Send blocked on backpressure returns and the
	// ingress pump can stop.
	cancel()
	fatalIf(ingress.Close(), "closing ingress port")
	fatalIf(egress.Close(), "closing egress port")
	elapsed := time.Since(start)

	fmt.Printf("finished: received=%s forwarded=%s bytes=%s errors=%d | duration=%s\n",
		humanize.Comma(int64(stats.Received.Load())),
		humanize.Comma(int64(stats.Forwarded.Load())),
		humanize.Bytes(stats.Bytes.Load()),
		stats.Errors.Load(),
		elapsed.Round(time.Millisecond),
	)

	if checker == nil {
		return
	}
	r := checker.Result()
	if r.InOrder != conf.Count {
		fmt.Fprintf(os.Stderr,
			"TEST FAILED: in order %d of %d (reordered=%d duplicates=%d malformed=%d)\n",
			r.InOrder, conf.Count, r.Reordered, r.Duplicates, r.Malformed)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "TEST PASSED: forwarded all %d packets in order\n", conf.Count)
}
