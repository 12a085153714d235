// Package iop is the host end of the register command channel. A Channel gives one
// connector of the I/O processor the iic.Device capability set.
package iop

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"iopiic/host/serial"
	"iopiic/iic"
	"iopiic/protocol"
)

// Connector ids. Id 0 is the XADC header and carries no switch.
const (
	MinConnector = 1
	MaxConnector = 4
)

const DefaultResponseTimeout = time.Second

var (
	ErrInvalidConnector = errors.New("iop: valid connector ids are 1 - 4")
	ErrUnexpectedReply  = errors.New("iop: unexpected reply")
)

var logger = log.WithField("component", "iop")

// StatusError is a non-ok status returned by the bridge.
type StatusError struct {
	Op   string
	Code string
}

func (e *StatusError) Error() string {
	return "iop: " + e.Op + ": " + e.Code
}

// Transport is the part of protocol.HostTransport a Link needs.
type Transport interface {
	SendCommand(cmdID uint16, args func(output protocol.OutputBuffer)) error
	ReceiveResponse(timeout time.Duration) (*protocol.Message, error)
	DiscardResponses() int
}

// Link is one connection to the bridge, shared by the channels of all connectors.
// Request/response pairs are serialized on it.
type Link struct {
	mu      sync.Mutex
	t       Transport
	closer  io.Closer
	timeout time.Duration
}

func NewLink(t Transport) *Link {
	l := &Link{t: t, timeout: DefaultResponseTimeout}
	if c, ok := t.(io.Closer); ok {
		l.closer = c
	}
	return l
}

// Dial opens the serial port described by cfg and starts a transport on it.
func Dial(cfg *serial.Config) (*Link, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	logger.WithField("device", cfg.Device).Info("link open")
	return NewLink(protocol.NewHostTransport(port)), nil
}

// SetResponseTimeout bounds the wait for each reply.
func (l *Link) SetResponseTimeout(d time.Duration) {
	l.mu.Lock()
	l.timeout = d
	l.mu.Unlock()
}

func (l *Link) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Channel returns the command channel of one connector.
func (l *Link) Channel(connector int) (*Channel, error) {
	if connector < MinConnector || connector > MaxConnector {
		return nil, errors.Wrapf(ErrInvalidConnector, "got %d", connector)
	}
	return &Channel{link: l, connector: uint32(connector)}, nil
}

// Channel implements iic.Device for one connector.
type Channel struct {
	link      *Link
	connector uint32
}

var _ iic.Device = (*Channel)(nil)

func (c *Channel) Connector() int { return int(c.connector) }

func (c *Channel) Start() error {
	return c.request("start", protocol.CmdStart, nil)
}

func (c *Channel) ApplyPinConfiguration(cfg iic.SwitchConfig) error {
	roles := make([]byte, len(cfg))
	for i, r := range cfg {
		roles[i] = byte(r)
	}
	return c.request("load_switch_config", protocol.CmdSwitchConfig, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQBytes(output, roles)
	})
}

// WriteRegister is acknowledged by the link but not answered by the bridge.
func (c *Channel) WriteRegister(addr, value uint32) error {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()

	err := c.link.t.SendCommand(protocol.CmdWriteReg, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, c.connector)
		protocol.EncodeVLQUint(output, addr)
		protocol.EncodeVLQUint(output, value)
	})
	return errors.Wrap(err, "write_reg")
}

func (c *Channel) ReadRegister(addr uint32) (uint32, error) {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()

	c.discardStale()
	err := c.link.t.SendCommand(protocol.CmdReadReg, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, c.connector)
		protocol.EncodeVLQUint(output, addr)
	})
	if err != nil {
		return 0, errors.Wrap(err, "read_reg")
	}

	id, payload, err := c.awaitReply()
	if err != nil {
		return 0, errors.Wrap(err, "read_reg")
	}
	switch id {
	case protocol.RespReadReg:
		gotAddr, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return 0, errors.Wrap(err, "read_reg: decode addr")
		}
		value, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return 0, errors.Wrap(err, "read_reg: decode value")
		}
		if gotAddr != addr {
			return 0, errors.Wrapf(ErrUnexpectedReply, "read_reg: asked 0x%08x, got 0x%08x", addr, gotAddr)
		}
		return value, nil
	case protocol.RespStatus:
		code, err := protocol.DecodeVLQString(&payload)
		if err != nil {
			return 0, errors.Wrap(err, "read_reg: decode status")
		}
		return 0, &StatusError{Op: "read_reg", Code: code}
	default:
		return 0, errors.Wrapf(ErrUnexpectedReply, "read_reg: %s", protocol.CommandName(id))
	}
}

// request sends a command that the bridge answers with a status reply.
func (c *Channel) request(op string, cmdID uint16, args func(output protocol.OutputBuffer)) error {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()

	c.discardStale()
	err := c.link.t.SendCommand(cmdID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, c.connector)
		if args != nil {
			args(output)
		}
	})
	if err != nil {
		return errors.Wrap(err, op)
	}

	id, payload, err := c.awaitReply()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if id != protocol.RespStatus {
		return errors.Wrapf(ErrUnexpectedReply, "%s: %s", op, protocol.CommandName(id))
	}
	code, err := protocol.DecodeVLQString(&payload)
	if err != nil {
		return errors.Wrapf(err, "%s: decode status", op)
	}
	if code != protocol.StatusOK {
		return &StatusError{Op: op, Code: code}
	}
	logger.WithFields(log.Fields{"connector": c.connector, "op": op}).Debug("ok")
	return nil
}

// awaitReply returns the id and remaining payload of the next reply for this connector.
func (c *Channel) awaitReply() (uint16, []byte, error) {
	for {
		msg, err := c.link.t.ReceiveResponse(c.link.timeout)
		if err != nil {
			return 0, nil, err
		}
		payload := msg.Payload
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return 0, nil, errors.Wrap(err, "decode reply id")
		}
		connector, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return 0, nil, errors.Wrap(err, "decode reply connector")
		}
		if connector != c.connector {
			logger.WithField("connector", connector).Debug("reply for another connector skipped")
			continue
		}
		return uint16(id), payload, nil
	}
}

func (c *Channel) discardStale() {
	if n := c.link.t.DiscardResponses(); n > 0 {
		logger.WithField("count", n).Debug("stale replies discarded")
	}
}
