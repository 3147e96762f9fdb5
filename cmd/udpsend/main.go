//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/slabudp/port"
	"github.com/romshark/slabudp/ratelimit"
	"github.com/romshark/slabudp/seqcheck"
)

type Config struct {
	Port port.Config `yaml:"port"`

	DstAddr string `yaml:"dst-addr"`
	DstPort int    `yaml:"dst-port"`
	// PktSize is the datagram payload size, including the sequence header.
	PktSize   int    `yaml:"pkt-size"`
	BatchSize int    `yaml:"batch-size"` // Datagrams per Send call.
	RatePPS   uint64 `yaml:"rate-pps"`   // 0 = unlimited, max speed.
	Count     uint64 `yaml:"count"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fDstAddr := flag.String("d", "", "destination address")
	fDstPort := flag.Int("p", 0, "destination port")
	fPktSize := flag.Int("l", 0, "payload size override")
	fBatch := flag.Int("b", 0, "datagrams per send")
	fRate := flag.Int64("r", -1, "rate limit in PPS (<0 falls back to config)")
	fCount := flag.Uint64("n", 0, "packet count override")
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

	if *fDstAddr != "" {
		conf.DstAddr = *fDstAddr
	}
	if *fDstPort != 0 {
		conf.DstPort = *fDstPort
	}
	if *fPktSize != 0 {
		conf.PktSize = *fPktSize
	}
	if *fBatch != 0 {
		conf.BatchSize = *fBatch
	}
	if *fRate >= 0 {
		conf.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fFallback {
		conf.Port.Fallback = true
	}
	log := logrus.StandardLogger()
	if *fVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	conf.Port.Driver.Logger = log

	// Validate

	if conf.DstAddr == "" {
		return nil, errors.New("dst-addr must be set (or use -d)")
	}
	if a, err := netip.ParseAddr(conf.DstAddr); err != nil || !a.Is4() {
		return nil, fmt.Errorf("invalid dst-addr %q", conf.DstAddr)
	}
	if conf.DstPort <= 0 || conf.DstPort > 65535 {
		return nil, fmt.Errorf("invalid dst-port %d", conf.DstPort)
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.PktSize == 0 {
		conf.PktSize = 1024
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = 64
	}
	if err := conf.Port.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if conf.PktSize < seqcheck.HeaderSize || conf.PktSize > conf.Port.Driver.PacketSize {
		return nil, fmt.Errorf("pkt-size must be within %d-%d",
			seqcheck.HeaderSize, conf.Port.Driver.PacketSize)
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	p, err := port.Open(conf.Port, port.Handlers{
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "pump error: %v\n", err)
		},
	})
	fatalIf(err, "opening port")

	_, _, err = p.Bind(0, "")
	fatalIf(err, "binding")
	fmt.Fprintf(os.Stderr, "UDP TX: dst=%s:%d fast=%t\n",
		conf.DstAddr, conf.DstPort, p.Fast())

	bufs := make([][]byte, conf.BatchSize)
	for i := range bufs {
		bufs[i] = make([]byte, conf.PktSize)
	}

	ctx := context.Background()
	limiter := ratelimit.New(conf.RatePPS)
	var seq uint32
	var sent uint64

	start := time.Now()

	for sent < conf.Count {
		n := min(uint64(len(bufs)), conf.Count-sent)
		batch := bufs[:n]
		for _, buf := range batch {
			seqcheck.Stamp(buf, seq)
			seq++
		}

		limiter.ThrottleN(n) // No-op if unlimited.

		fatalIf(p.Send(ctx, batch, conf.DstPort, conf.DstAddr), "send")
		sent += n
	}

	// Close drains whatever is still in flight.
	fatalIf(p.Close(), "closing port")
	elapsed := time.Since(start)

	st := p.Stats()
	rate := float64(st.SendsCompleted) / elapsed.Seconds()

	fmt.Printf("finished: sent=%s completed=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Comma(int64(st.SendsCompleted)),
		humanize.Bytes(sent*uint64(conf.PktSize)),
		elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(rate, 0),
	)
	if st.SendErrors > 0 || st.DrainTimeouts > 0 {
		fmt.Fprintf(os.Stderr, "send errors=%d drain timeouts=%d\n",
			st.SendErrors, st.DrainTimeouts)
		os.Exit(1)
	}
}
