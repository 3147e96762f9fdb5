//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/slabudp/port"
	"github.com/romshark/slabudp/ratelimit"
	"github.com/romshark/slabudp/seqcheck"
	"github.com/romshark/slabudp/udpstat"
)

// Topology:
//
//	sender port  ->  receiver.addr:receiver.port
//
// Both ports live in this process. With the defaults they talk over the
// loopback interface.

type Config struct {
	Receiver struct {
		Addr string      `yaml:"addr"`
		Port int         `yaml:"port"` // 0 = ephemeral.
		Conf port.Config `yaml:"conf"`
	} `yaml:"receiver"`

	Sender struct {
		Conf      port.Config `yaml:"conf"`
		BatchSize int         `yaml:"batch-size"`
		RatePPS   uint64      `yaml:"rate-pps"` // 0 = unlimited, max speed.
	} `yaml:"sender"`

	PktSize int    `yaml:"pkt-size"`
	Count   uint64 `yaml:"count"`
	Test    bool   `yaml:"test"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fRate := flag.Int64("r", -1, "sender rate limit in PPS (<0 falls back to config)")
	fCount := flag.Uint64("n", 0, "packet count override")
	fPktSize := flag.Int("l", 0, "payload size override")
	fBatch := flag.Int("b", 0, "sender datagrams per send")
	fFallback := flag.Bool("fallback", false, "force kernel sockets on both ends")
	fTest := flag.Bool("test", false, "enable test mode (override)")
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

	if *fRate >= 0 {
		conf.Sender.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.PktSize = *fPktSize
	}
	if *fBatch != 0 {
		conf.Sender.BatchSize = *fBatch
	}
	if *fFallback {
		conf.Receiver.Conf.ForceFallback = true
		conf.Sender.Conf.ForceFallback = true
	}
	if *fTest {
		conf.Test = true
	}
	log := logrus.StandardLogger()
	if *fVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	conf.Receiver.Conf.Driver.Logger = log
	conf.Sender.Conf.Driver.Logger = log

	// Validate

	if conf.Receiver.Addr == "" {
		conf.Receiver.Addr = "127.0.0.1"
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.Test && conf.Count > 1<<32 {
		return nil, errors.New("test mode supports at most 2^32 packets")
	}
	if conf.PktSize == 0 {
		conf.PktSize = 1024
	}
	if conf.Sender.BatchSize == 0 {
		conf.Sender.BatchSize = 64
	}
	if err := conf.Receiver.Conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	if err := conf.Sender.Conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if conf.PktSize < seqcheck.HeaderSize || conf.PktSize > conf.Sender.Conf.Driver.PacketSize {
		return nil, fmt.Errorf("pkt-size must be within %d-%d",
			seqcheck.HeaderSize, conf.Sender.Conf.Driver.PacketSize)
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
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	Elapsed atomic.Int64
}

func runStatsPrinter(ctx context.Context, stats *Stats) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var lastTxPkts, lastTxBytes uint64
	var lastRxPkts, lastRxBytes uint64
	lastTime := time.Now()

	for {
		var now time.Time
		select {
		case <-ctx.Done():
			return
		case now = <-t.C:
		}
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		txPkts := stats.TxPackets.Load()
		rxPkts := stats.RxPackets.Load()
		txBytes := stats.TxBytes.Load()
		rxBytes := stats.RxBytes.Load()

		txPPS := uint64(float64(txPkts-lastTxPkts) / dt)
		rxPPS := uint64(float64(rxPkts-lastRxPkts) / dt)
		txMbps := float64((txBytes-lastTxBytes)*8) / 1e6 / dt
		rxMbps := float64((rxBytes-lastRxBytes)*8) / 1e6 / dt

		lastTxPkts, lastTxBytes = txPkts, txBytes
		lastRxPkts, lastRxBytes = rxPkts, rxBytes

		fmt.Printf(
			"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
			txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
		)
	}
}

func runSender(
	ctx context.Context, conf *Config, dstPort int, stats *Stats,
) (fast bool) {
	p, err := port.Open(conf.Sender.Conf, port.Handlers{
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "sender pump error: %v\n", err)
		},
	})
	fatalIf(err, "opening sender port")
	defer func() { fatalIf(p.Close(), "closing sender port") }()

	bufs := make([][]byte, conf.Sender.BatchSize)
	for i := range bufs {
		bufs[i] = make([]byte, conf.PktSize)
	}

	limiter := ratelimit.New(conf.Sender.RatePPS)
	var seq uint32

	start := time.Now()

	for stats.TxPackets.Load() < conf.Count {
		n := min(uint64(len(bufs)), conf.Count-stats.TxPackets.Load())
		batch := bufs[:n]
		for _, buf := range batch {
			seqcheck.Stamp(buf, seq)
			seq++
		}

		limiter.ThrottleN(n) // No-op if unlimited.

		err := p.Send(ctx, batch, dstPort, conf.Receiver.Addr)
		fatalIf(err, "send")

		stats.TxPackets.Add(n)
		stats.TxBytes.Add(n * uint64(conf.PktSize))
	}

	stats.Elapsed.Store(time.Since(start).Nanoseconds())
	return p.Fast()
}

// waitReceived waits until want packets arrived or none arrived for idle.
func waitReceived(stats *Stats, want uint64, idle time.Duration) {
	fmt.Fprintf(os.Stderr, "waiting up to %s of silence for the receiver...\n", idle)
	last := stats.RxPackets.Load()
	deadline := time.Now().Add(idle)
	for time.Now().Before(deadline) {
		cur := stats.RxPackets.Load()
		if cur >= want {
			return
		}
		if cur != last {
			last = cur
			deadline = time.Now().Add(idle)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func printFinalReport(stats *Stats, checker *seqcheck.Checker) {
	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()

	var drops uint64
	if txPackets > rxPackets {
		drops = txPackets - rxPackets
	}
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)
	if checker != nil {
		r := checker.Result()
		p.Printf(" In order:          %d\n", r.InOrder)
		p.Printf(" Reordered:         %d\n", r.Reordered)
		p.Printf(" Duplicates:        %d\n", r.Duplicates)
		p.Printf(" Malformed:         %d\n", r.Malformed)
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

	udpBefore, err := udpstat.Snapshot(udpstat.All...)
	fatalIf(err, "taking UDP stats (before)")

	var stats Stats
	var checker *seqcheck.Checker
	if conf.Test {
		checker = seqcheck.New(conf.Count)
	}

	receiver, err := port.Open(conf.Receiver.Conf, port.Handlers{
		OnMessages: func(bufs [][]byte) {
			for _, buf := range bufs {
				stats.RxBytes.Add(uint64(len(buf)))
				if checker != nil {
					checker.Observe(buf)
				}
			}
			stats.RxPackets.Add(uint64(len(bufs)))
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "receiver pump error: %v\n", err)
		},
	})
	fatalIf(err, "opening receiver port")

	rxPort, rxAddr, err := receiver.Bind(conf.Receiver.Port, conf.Receiver.Addr)
	fatalIf(err, "binding receiver")
	fmt.Fprintf(os.Stderr, "RX on %s:%d (fast=%t)\n", rxAddr, rxPort, receiver.Fast())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runStatsPrinter(ctx, &stats)

	txFast := runSender(ctx, conf, rxPort, &stats)
	fmt.Fprintf(os.Stderr, "TX done (fast=%t)\n", txFast)

	waitReceived(&stats, conf.Count, time.Second)
	cancel()
	fatalIf(receiver.Close(), "closing receiver port")

	printFinalReport(&stats, checker)

	udpAfter, err := udpstat.Snapshot(udpstat.All...)
	fatalIf(err, "taking UDP stats (after)")

	fmt.Fprintln(os.Stderr)
	fatalIf(udpstat.Print(os.Stderr, udpAfter.Since(udpBefore)),
		"printing UDP stats diff")
	fmt.Fprintln(os.Stderr)

	if checker == nil {
		return
	}
	r := checker.Result()
	if missing := r.Missing(conf.Count); missing > 0 || r.Duplicates > 0 || r.Malformed > 0 {
		fmt.Fprintf(os.Stderr,
			"TEST FAILED: missing=%d duplicates=%d malformed=%d\n",
			missing, r.Duplicates, r.Malformed)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "TEST PASSED: received all %d packets (%d reordered)\n",
		conf.Count, r.Reordered)
}
