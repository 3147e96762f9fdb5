package udpstat_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/slabudp/udpstat"
)

const snmp = `Ip: Forwarding DefaultTTL InReceives
Ip: 1 64 9001
Udp: InDatagrams NoPorts InErrors OutDatagrams RcvbufErrors SndbufErrors InCsumErrors IgnoredMulti MemErrors
Udp: 1234567 12 3 7654321 2 0 0 5 0
UdpLite: InDatagrams NoPorts InErrors OutDatagrams RcvbufErrors SndbufErrors InCsumErrors IgnoredMulti MemErrors
UdpLite: 9 9 9 9 9 9 9 9 9
`

func TestParse(t *testing.T) {
	s, err := udpstat.Parse(strings.NewReader(snmp))
	require.NoError(t, err)
	assert.Equal(t, udpstat.Stats{
		udpstat.InDatagrams:  1234567,
		udpstat.NoPorts:      12,
		udpstat.InErrors:     3,
		udpstat.OutDatagrams: 7654321,
		udpstat.RcvbufErrors: 2,
		udpstat.SndbufErrors: 0,
	}, s)
}

func TestParseSubset(t *testing.T) {
	s, err := udpstat.Parse(strings.NewReader(snmp), udpstat.InDatagrams, udpstat.RcvbufErrors)
	require.NoError(t, err)
	assert.Equal(t, udpstat.Stats{
		udpstat.InDatagrams:  1234567,
		udpstat.RcvbufErrors: 2,
	}, s)
}

func TestParseErrors(t *testing.T) {
	_, err := udpstat.Parse(strings.NewReader("Ip: Forwarding\nIp: 1\n"))
	assert.ErrorIs(t, err, udpstat.ErrNoUDPSection)

	_, err = udpstat.Parse(strings.NewReader("Udp: InDatagrams NoPorts\nUdp: 1\n"))
	assert.Error(t, err)

	_, err = udpstat.Parse(strings.NewReader("Udp: InDatagrams\nUdp: many\n"))
	assert.Error(t, err)
}

func TestSince(t *testing.T) {
	old := udpstat.Stats{udpstat.InDatagrams: 10, udpstat.OutDatagrams: 5}
	now := udpstat.Stats{udpstat.InDatagrams: 25, udpstat.OutDatagrams: 5, udpstat.NoPorts: 1}
	assert.Equal(t, udpstat.Stats{
		udpstat.InDatagrams:  15,
		udpstat.OutDatagrams: 0,
		udpstat.NoPorts:      1,
	}, now.Since(old))
}

func TestPrint(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, udpstat.Print(&b, udpstat.Stats{
		udpstat.InDatagrams:  1234567,
		udpstat.RcvbufErrors: 2,
	}))
	assert.Equal(t, "kernel UDP counters:\n"+
		"  InDatagrams   1,234,567\n"+
		"  RcvbufErrors  2\n", b.String())
}

func TestSnapshot(t *testing.T) {
	s, err := udpstat.Snapshot()
	if err != nil {
		t.Skipf("skipping: %v", err)
	}
	assert.Len(t, s, len(udpstat.All))
}
