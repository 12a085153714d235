// Package iic drives the IIC controller of an I/O processor through its memory-mapped
// registers. Every transaction is polled; no interrupts are used.
package iic

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

// DefaultSettleDelay is the pause that lets the controller finish a state change.
const DefaultSettleDelay = time.Millisecond

var logger = log.WithField("component", "iic")

// Device is the command channel into the I/O processor that owns the controller.
// Start must be called before any register access.
type Device interface {
	Start() error
	ApplyPinConfiguration(cfg SwitchConfig) error
	WriteRegister(addr, value uint32) error
	ReadRegister(addr uint32) (uint32, error)
}

// Config selects the connector pins and the peripheral a Master talks to.
type Config struct {
	Connector   int
	SCL         int
	SDA         int
	Address     uint8         // 7-bit peripheral address
	SettleDelay time.Duration // zero means DefaultSettleDelay
}

// Master is an IIC bus master bound to one peripheral.
//
// Send and Receive are not safe for concurrent use; the controller is a single shared
// resource and callers must serialize transactions. Tx serializes itself.
type Master struct {
	dev       Device
	regs      Registers
	pins      SwitchConfig
	connector int
	addr      uint8
	settle    time.Duration
	sleep     func(time.Duration)
	log       *log.Entry

	txMu sync.Mutex
}

var _ drivers.I2C = (*Master)(nil)

// New validates cfg, starts the device and routes the SCL/SDA pins.
func New(dev Device, cfg Config) (*Master, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if cfg.Address > 0x7F {
		return nil, ErrAddressRange
	}
	pins, err := NewSwitchConfig(cfg.SCL, cfg.SDA)
	if err != nil {
		return nil, err
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}

	m := &Master{
		dev:       dev,
		regs:      RegistersAt(BaseAddr),
		pins:      pins,
		connector: cfg.Connector,
		addr:      cfg.Address,
		settle:    settle,
		sleep:     time.Sleep,
		log: logger.WithFields(log.Fields{
			"connector": cfg.Connector,
			"addr":      cfg.Address,
		}),
	}

	if err := dev.Start(); err != nil {
		return nil, errors.Wrap(err, "start I/O processor")
	}
	if err := dev.ApplyPinConfiguration(pins); err != nil {
		return nil, errors.Wrap(err, "load switch config")
	}
	m.log.WithFields(log.Fields{"scl": cfg.SCL, "sda": cfg.SDA}).Debug("pins routed")
	return m, nil
}

// Address returns the 7-bit peripheral address.
func (m *Master) Address() uint8 { return m.addr }

// Connector returns the connector id the master was built for.
func (m *Master) Connector() int { return m.connector }

// Registers returns the controller register addresses.
func (m *Master) Registers() Registers { return m.regs }

// Pins returns the switch configuration applied at construction.
func (m *Master) Pins() SwitchConfig { return m.pins }

// Send writes data to the peripheral and ends the transfer with a STOP.
// An empty data slice only addresses the peripheral.
func (m *Master) Send(data []byte) error {
	return m.send(m.addr, data)
}

// Receive reads exactly n bytes from the peripheral. On timeout no bytes are returned.
func (m *Master) Receive(n int) ([]byte, error) {
	return m.receive(m.addr, n)
}

// Tx implements drivers.I2C: an optional write transfer followed by an optional read
// transfer, each a complete transaction with its own STOP.
func (m *Master) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return ErrAddressRange
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if len(w) > 0 {
		if err := m.send(uint8(addr), w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		buf, err := m.receive(uint8(addr), len(r))
		if err != nil {
			return err
		}
		copy(r, buf)
	}
	return nil
}

// enable brings the core into a known ready-to-transmit state.
func (m *Master) enable() error {
	steps := [...]struct {
		reg, val uint32
	}{
		{m.regs.Control, crDisable},
		{m.regs.RxDepth, rfdMax},
		{m.regs.Control, crTxFifoReset},
		{m.regs.Control, crEnable},
	}
	for _, s := range steps {
		if err := m.write(s.reg, s.val); err != nil {
			return err
		}
	}
	m.sleep(m.settle)
	return nil
}

func (m *Master) send(addr uint8, data []byte) error {
	if err := m.enable(); err != nil {
		return err
	}

	// address with START, write direction
	if err := m.write(m.regs.Transmit, dtrStart|uint32(addr)<<1); err != nil {
		return err
	}

	for i, b := range data {
		word := uint32(b)
		if i == len(data)-1 {
			word |= dtrStop
		}
		if err := m.write(m.regs.Transmit, word); err != nil {
			return err
		}
		if err := m.poll("writing IIC", func(sr uint32) bool { return sr&srTxFifoEmpty != 0 }); err != nil {
			m.log.WithField("sent", i).Warn(err)
			return err
		}
	}

	m.sleep(m.settle)
	m.log.WithField("len", len(data)).Debug("sent")
	return nil
}

func (m *Master) receive(addr uint8, n int) ([]byte, error) {
	if n < 0 || n > maxReceive {
		return nil, errors.Errorf("iic: receive count %d outside 0..%d", n, maxReceive)
	}

	if err := m.write(m.regs.Control, crTxFifoReset); err != nil {
		return nil, err
	}
	if err := m.write(m.regs.RxDepth, rfdOne); err != nil {
		return nil, err
	}
	if err := m.write(m.regs.Transmit, dtrStart|dtrRead|uint32(addr)<<1); err != nil {
		return nil, err
	}

	cr := uint32(crReceive)
	if n == 1 {
		cr |= crTxAck
	}
	if err := m.write(m.regs.Control, cr); err != nil {
		return nil, err
	}
	m.sleep(m.settle)

	// read n bytes, then STOP
	if err := m.write(m.regs.Transmit, dtrStop+uint32(n)); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, n)
	for len(buf) < n {
		switch n - len(buf) {
		case 1:
			if err := m.write(m.regs.Control, crEnable); err != nil {
				return nil, err
			}
		case 2:
			cur, err := m.read(m.regs.Control)
			if err != nil {
				return nil, err
			}
			if err := m.write(m.regs.Control, cur|crTxAck); err != nil {
				return nil, err
			}
		}

		if err := m.poll("reading IIC", func(sr uint32) bool { return sr&srRxFifoEmpty == 0 }); err != nil {
			m.log.WithField("received", len(buf)).Warn(err)
			return nil, err
		}

		v, err := m.read(m.regs.Receive)
		if err != nil {
			return nil, err
		}
		buf = append(buf, byte(v&0xFF))
	}

	m.sleep(m.settle)
	m.log.WithField("len", n).Debug("received")
	return buf, nil
}

// poll reads the status register until done reports true or the budget runs out.
func (m *Master) poll(op string, done func(sr uint32) bool) error {
	for i := 0; i < pollBudget; i++ {
		sr, err := m.read(m.regs.Status)
		if err != nil {
			return err
		}
		if done(sr) {
			return nil
		}
	}
	return &TimeoutError{Op: op, Polls: pollBudget}
}

func (m *Master) write(addr, val uint32) error {
	if err := m.dev.WriteRegister(addr, val); err != nil {
		return errors.Wrapf(err, "write register 0x%08x", addr)
	}
	return nil
}

func (m *Master) read(addr uint32) (uint32, error) {
	v, err := m.dev.ReadRegister(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "read register 0x%08x", addr)
	}
	return v, nil
}
