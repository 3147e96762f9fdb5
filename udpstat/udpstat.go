// Package udpstat reads the kernel UDP counters from /proc/net/snmp.
package udpstat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultPath is the procfs file holding the counters.
const DefaultPath = "/proc/net/snmp"

var ErrNoUDPSection = errors.New("no Udp section found")

type Counter int

const (
	InDatagrams Counter = iota
	NoPorts
	InErrors
	OutDatagrams
	RcvbufErrors
	SndbufErrors
)

// All lists every known counter in display order.
var All = []Counter{InDatagrams, NoPorts, InErrors, OutDatagrams, RcvbufErrors, SndbufErrors}

func (c Counter) String() string {
	switch c {
	case InDatagrams:
		return "InDatagrams"
	case NoPorts:
		return "NoPorts"
	case InErrors:
		return "InErrors"
	case OutDatagrams:
		return "OutDatagrams"
	case RcvbufErrors:
		return "RcvbufErrors"
	case SndbufErrors:
		return "SndbufErrors"
	}
	return ""
}

// Stats holds counter values.
type Stats map[Counter]uint64

// Snapshot reads the given counters (all when none are given) from
// DefaultPath.
func Snapshot(counters ...Counter) (Stats, error) {
	f, err := os.Open(DefaultPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, counters...)
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for ctr, v := range s {
		out[ctr] = v - old[ctr]
	}
	return out
}

// Parse reads the "Udp:" header and value lines of an snmp file.
// Counters missing from the input are reported as 0.
func Parse(r io.Reader, counters ...Counter) (Stats, error) {
	if len(counters) == 0 {
		counters = All
	}

	var header []string
	found := make(Stats, len(counters))

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != "Udp:" {
			continue
		}
		if header == nil {
			header = fields[1:]
			continue
		}

		values := fields[1:]
		if len(values) != len(header) {
			return nil, fmt.Errorf("udp counters: %d names, %d values", len(header), len(values))
		}
		for _, ctr := range counters {
			for i, name := range header {
				if name != ctr.String() {
					continue
				}
				v, err := strconv.ParseUint(values[i], 10, 64)
				if err != nil {
					return nil, fmt.Errorf("parsing %s: %w", name, err)
				}
				found[ctr] = v
			}
		}
		break
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, ErrNoUDPSection
	}

	// ensure all counters exist
	for _, ctr := range counters {
		if _, ok := found[ctr]; !ok {
			found[ctr] = 0
		}
	}
	return found, nil
}

func Print(w io.Writer, s Stats) error {
	if _, err := fmt.Fprintln(w, "kernel UDP counters:"); err != nil {
		return err
	}
	for _, ctr := range All {
		v, ok := s[ctr]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "  %-13s %s\n", ctr, humanize.Comma(int64(v))); err != nil {
			return err
		}
	}
	return nil
}
