package iic

// Memory map of the IIC controller inside the I/O processor.
const (
	BaseAddr = 0x40800000

	OffsetCR  = 0x100 // control
	OffsetSR  = 0x104 // status
	OffsetDTR = 0x108 // data transmit (TX FIFO)
	OffsetDRR = 0x10C // data receive (RX FIFO)
	OffsetRFD = 0x120 // RX FIFO programmable depth
)

// Control register bits.
const (
	crDisable      = 0x00
	crEnable       = 0x01
	crTxFifoReset  = 0x02
	crMasterSelect = 0x04 // generates START when set, auto-triggered receive
	crTxAck        = 0x10 // NACK the next byte, STOP after it

	crReceive = crEnable | crMasterSelect
)

// Status register bits.
const (
	srRxFifoEmpty = 0x40
	srTxFifoEmpty = 0x80
)

// Data transmit framing bits.
const (
	dtrStart = 0x100
	dtrStop  = 0x200
	dtrRead  = 0x01

	// byte count of a read fits the low byte of the STOP word
	maxReceive = 0xFF
)

// RX FIFO depth values.
const (
	rfdMax = 0x0F
	rfdOne = 0x00
)

// pollBudget bounds every status poll loop.
const pollBudget = 100

// Registers holds the absolute addresses of the controller registers.
type Registers struct {
	Status   uint32
	Transmit uint32
	Control  uint32
	RxDepth  uint32
	Receive  uint32
}

// RegistersAt derives the register set of a controller mapped at base.
func RegistersAt(base uint32) Registers {
	return Registers{
		Status:   base + OffsetSR,
		Transmit: base + OffsetDTR,
		Control:  base + OffsetCR,
		RxDepth:  base + OffsetRFD,
		Receive:  base + OffsetDRR,
	}
}
