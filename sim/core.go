// Package sim models the I/O processor's IIC controller in memory so the bus master can
// run without hardware. Transfers complete as soon as the controller is enabled; a
// missing or failing peripheral stalls the TX FIFO the way an unacknowledged address does.
package sim

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"iopiic/iic"
)

var (
	ErrNotStarted = errors.New("sim: device not started")
	ErrUnmapped   = errors.New("sim: address outside the IIC controller")

	errNack = errors.New("sim: peripheral did not acknowledge")
)

const (
	crEnable      = 0x01
	crTxFifoReset = 0x02

	srRxFifoEmpty = 0x40
	srTxFifoEmpty = 0x80

	dtrStart = 0x100
	dtrStop  = 0x200
	dtrRead  = 0x01

	regWindow = 0x200
)

var logger = log.WithField("component", "sim")

// Peripheral is a device on the simulated bus. Each call is one complete transfer.
type Peripheral interface {
	Write(data []byte) error
	Read(n int) ([]byte, error)
}

// Core implements iic.Device on top of a register model of the controller.
type Core struct {
	mu sync.Mutex

	started bool
	pins    iic.SwitchConfig
	routed  bool
	bus     map[uint8]Peripheral

	cr  uint32
	rfd uint32

	txFifo  []uint32
	stalled bool
	rxFifo  []byte

	// current transfer
	target  Peripheral
	addr    uint8
	reading bool
	active  bool
	pending []byte

	writes int
	reads  int
}

var _ iic.Device = (*Core)(nil)

func NewCore() *Core {
	return &Core{bus: make(map[uint8]Peripheral)}
}

// Attach places p on the bus at the 7-bit address addr.
func (c *Core) Attach(addr uint8, p Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus[addr&0x7F] = p
}

func (c *Core) Detach(addr uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bus, addr&0x7F)
}

func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

// ApplyPinConfiguration stores the switch config. The bus only works when exactly one pin
// carries SCL and one carries SDA.
func (c *Core) ApplyPinConfiguration(cfg iic.SwitchConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	var scl, sda int
	for _, r := range cfg {
		switch r {
		case iic.RoleSCL:
			scl++
		case iic.RoleSDA:
			sda++
		}
	}
	c.pins = cfg
	c.routed = scl == 1 && sda == 1
	logger.WithField("routed", c.routed).Debugf("switch config %v", cfg)
	return nil
}

// Pins returns the last applied switch config.
func (c *Core) Pins() iic.SwitchConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pins
}

// Accesses returns the number of register writes and reads served.
func (c *Core) Accesses() (writes, reads int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes, c.reads
}

func (c *Core) WriteRegister(addr, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := c.offset(addr)
	if err != nil {
		return err
	}
	c.writes++

	switch off {
	case iic.OffsetCR:
		c.cr = value
		if value&crTxFifoReset != 0 {
			c.txFifo = nil
			c.stalled = false
		}
		if value&crEnable == 0 {
			c.reset()
		}
	case iic.OffsetRFD:
		c.rfd = value & 0x0F
	case iic.OffsetDTR:
		c.txFifo = append(c.txFifo, value&0x3FF)
	default:
		logger.Debugf("write to read-only or unmodelled register 0x%x", addr)
	}
	c.run()
	return nil
}

func (c *Core) ReadRegister(addr uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := c.offset(addr)
	if err != nil {
		return 0, err
	}
	c.reads++

	switch off {
	case iic.OffsetCR:
		return c.cr, nil
	case iic.OffsetRFD:
		return c.rfd, nil
	case iic.OffsetSR:
		var sr uint32
		if len(c.txFifo) == 0 && !c.stalled {
			sr |= srTxFifoEmpty
		}
		if len(c.rxFifo) == 0 {
			sr |= srRxFifoEmpty
		}
		return sr, nil
	case iic.OffsetDRR:
		if len(c.rxFifo) == 0 {
			return 0, nil
		}
		b := c.rxFifo[0]
		c.rxFifo = c.rxFifo[1:]
		return uint32(b), nil
	default:
		return 0, nil
	}
}

func (c *Core) offset(addr uint32) (uint32, error) {
	if !c.started {
		return 0, ErrNotStarted
	}
	if addr < iic.BaseAddr || addr >= iic.BaseAddr+regWindow {
		return 0, errors.Wrapf(ErrUnmapped, "0x%08x", addr)
	}
	return addr - iic.BaseAddr, nil
}

// reset drops the transfer in progress and both FIFOs.
func (c *Core) reset() {
	c.txFifo = nil
	c.rxFifo = nil
	c.stalled = false
	c.active = false
	c.target = nil
	c.pending = nil
}

// run drains the TX FIFO while the controller is enabled.
func (c *Core) run() {
	for c.cr&crEnable != 0 && !c.stalled && len(c.txFifo) > 0 {
		word := c.txFifo[0]
		if !c.step(word) {
			c.stalled = true
			logger.WithField("addr", c.addr).Debug("transfer stalled")
			return
		}
		c.txFifo = c.txFifo[1:]
	}
}

// step executes one TX FIFO word and reports whether the bus accepted it.
func (c *Core) step(word uint32) bool {
	if word&dtrStart != 0 {
		c.addr = uint8(word>>1) & 0x7F
		c.reading = word&dtrRead != 0
		c.pending = nil
		c.target = c.bus[c.addr]
		c.active = c.routed && c.target != nil
		return c.active
	}
	if !c.active {
		return false
	}

	if c.reading {
		if word&dtrStop == 0 {
			return true
		}
		data, err := c.target.Read(int(word & 0xFF))
		if err != nil {
			logger.WithError(err).WithField("addr", c.addr).Debug("peripheral read failed")
			return false
		}
		c.rxFifo = append(c.rxFifo, data...)
		c.active = false
		return true
	}

	c.pending = append(c.pending, byte(word))
	if word&dtrStop != 0 {
		data := c.pending
		c.pending = nil
		c.active = false
		if err := c.target.Write(data); err != nil {
			logger.WithError(err).WithField("addr", c.addr).Debug("peripheral write failed")
			return false
		}
	}
	return true
}
