//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/slabudp/driver"
	"github.com/romshark/slabudp/port"
)

func main() {
	fAddr := flag.String("a", "0.0.0.0", "bind address")
	fPort := flag.Int("p", 0, "bind port")
	fPktSize := flag.Int("l", driver.DefaultPacketSize, "max datagram size")
	fSlots := flag.Int("s", driver.DefaultRecvMinSlots, "minimum receive slots")
	fGroup := flag.String("g", "", "multicast group to join")
	fFallback := flag.Bool("fallback", true, "fall back to kernel sockets")
	fVerbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *fPort == 0 {
		fmt.Fprint(os.Stderr, "missing -p port\n")
		os.Exit(1)
	}

	log := logrus.StandardLogger()
	if *fVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var totalPackets atomic.Uint64
	var totalBytes atomic.Uint64

	p, err := port.Open(port.Config{
		Driver: driver.Config{
			PacketSize:   *fPktSize,
			RecvMinSlots: *fSlots,
			ReuseAddr:    true,
			Logger:       log,
		},
		Fallback: *fFallback,
	}, port.Handlers{
		OnMessage: func(buf []byte) {
			totalPackets.Add(1)
			totalBytes.Add(uint64(len(buf)))
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "receive error: %v\n", err)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening port: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()

	boundPort, boundAddr, err := p.Bind(*fPort, *fAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "binding: %v\n", err)
		os.Exit(1)
	}
	if *fGroup != "" {
		if err := p.AddMembership(*fGroup, ""); err != nil {
			fmt.Fprintf(os.Stderr, "joining %s: %v\n", *fGroup, err)
			os.Exit(1)
		}
	}

	fmt.Fprintf(os.Stderr,
		"UDP RX: addr=%s:%d fast=%t packet_size=%d\n",
		boundAddr, boundPort, p.Fast(), *fPktSize,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)

	lastTime := time.Now()

	for {
		select {
		case <-sig:
			fmt.Fprintln(os.Stderr, "closing...")
			return
		case now := <-ticker.C:
			elapsed := now.Sub(lastTime).Seconds()

			pkts := totalPackets.Load()
			bytes := totalBytes.Load()

			pps := float64(pkts-lastPackets) / elapsed
			mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6

			maxPPS = max(maxPPS, pps)
			maxMbps = max(maxMbps, mbps)

			fmt.Printf(
				"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
				pkts, pps, mbps, maxPPS, maxMbps,
			)

			lastPackets = pkts
			lastBytes = bytes
			lastTime = now
		}
	}
}
