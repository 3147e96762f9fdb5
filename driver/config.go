package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedNetwork   = errors.New("only udp4 is supported")
	ErrInvalidPacketSize    = errors.New("packet size out of range")
	ErrInvalidSlotCount     = errors.New("minimum slot count must be > 0")
	ErrInvalidBatchSize     = errors.New("batch size must be > 0")
	ErrInvalidRegistration  = errors.New("registration must be best-effort, required or off")
	ErrInvalidState         = errors.New("operation not allowed in the current state")
	ErrInvalidAddress       = errors.New("invalid IPv4 address")
	ErrInvalidPort          = errors.New("port out of range")
	ErrNoDestinationAddress = errors.New("destination address must be set")
)

const (
	DefaultNetwork        = "udp4"
	DefaultPacketSize     = 1500
	DefaultRecvMinSlots   = 16384
	DefaultSendMinSlots   = 16384
	DefaultBatchSize      = 1000
	DefaultDrainTimeout   = 10 * time.Second
	DefaultFirstSendDelay = 20 * time.Millisecond

	// MaxPacketSize is the largest UDP payload over IPv4.
	MaxPacketSize = 65507
)

// Registration controls whether slabs are pinned with the kernel through
// the ring's fixed buffer table. Receives and sends address the slabs
// through msghdr/iovec and never name a fixed buffer, so registration only
// pins the memory; the data path behaves the same with it off.
// best-effort continues unpinned when the kernel refuses (typically
// RLIMIT_MEMLOCK), required fails New instead.
type Registration string

const (
	RegistrationBestEffort Registration = "best-effort"
	RegistrationRequired   Registration = "required"
	RegistrationOff        Registration = "off"
)

type Config struct {
	// Network must be "udp4".
	Network string `yaml:"network"`
	// ReuseAddr sets SO_REUSEADDR before binding.
	ReuseAddr bool `yaml:"reuse-addr"`
	// PacketSize is the slot size of the receive and send pools and the
	// largest datagram the driver moves. Larger sends are truncated.
	PacketSize int `yaml:"packet-size"`
	// RecvMinSlots and SendMinSlots are lower bounds; the actual counts are
	// rounded up to fill whole pages.
	RecvMinSlots int `yaml:"recv-min-slots"`
	SendMinSlots int `yaml:"send-min-slots"`
	// BatchSize caps the completions reaped per ProcessCompletions call.
	BatchSize int `yaml:"batch-size"`
	// DrainTimeout bounds how long Close waits for in-flight sends.
	// Negative means don't wait.
	DrainTimeout time.Duration `yaml:"drain-timeout"`
	// FirstSendDelay is slept once after the very first send is submitted.
	// Negative disables it.
	FirstSendDelay time.Duration `yaml:"first-send-delay"`
	Registration   Registration  `yaml:"registration"`
	// DropOversize attaches a socket filter that drops datagrams larger than
	// PacketSize in the kernel instead of delivering them truncated.
	DropOversize bool `yaml:"drop-oversize"`

	Logger logrus.FieldLogger `yaml:"-"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.Network != "udp4" {
		return fmt.Errorf("%w: %q", ErrUnsupportedNetwork, c.Network)
	}
	if c.PacketSize == 0 {
		c.PacketSize = DefaultPacketSize
	}
	if c.PacketSize < 0 || c.PacketSize > MaxPacketSize {
		return fmt.Errorf("%w: %d (1-%d)", ErrInvalidPacketSize, c.PacketSize, MaxPacketSize)
	}
	if c.RecvMinSlots == 0 {
		c.RecvMinSlots = DefaultRecvMinSlots
	}
	if c.SendMinSlots == 0 {
		c.SendMinSlots = DefaultSendMinSlots
	}
	if c.RecvMinSlots < 0 || c.SendMinSlots < 0 {
		return ErrInvalidSlotCount
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 0 {
		return ErrInvalidBatchSize
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.FirstSendDelay == 0 {
		c.FirstSendDelay = DefaultFirstSendDelay
	}
	switch c.Registration {
	case "":
		c.Registration = RegistrationBestEffort
	case RegistrationBestEffort, RegistrationRequired, RegistrationOff:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRegistration, c.Registration)
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return nil
}

// State is the driver lifecycle state. Transitions only move forward.
type State uint32

const (
	Uninitialized State = iota
	Initialized
	Bound
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Bound:
		return "bound"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Stats is a point-in-time snapshot of the driver counters.
type Stats struct {
	State State

	RecvPackets   uint64
	RecvBytes     uint64
	RecvErrors    uint64
	RecvTruncated uint64
	Rearmed       uint64

	SendsSubmitted uint64
	SendsCompleted uint64
	SendErrors     uint64
	// SendTruncated counts buffers cut to the packet size by PrepareSend.
	SendTruncated uint64
	InFlight      int

	DrainTimeouts uint64
}
