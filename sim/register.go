package sim

import "sync"

// RegisterPeripheral is a 256-byte register file with an auto-incrementing pointer, the
// layout most IIC sensors and EEPROMs use. The first byte of a write sets the pointer;
// the rest are stored from there. Reads start at the pointer.
type RegisterPeripheral struct {
	mu   sync.Mutex
	mem  [256]byte
	ptr  uint8
	nack bool
}

func NewRegisterPeripheral() *RegisterPeripheral {
	return &RegisterPeripheral{}
}

// Set loads initial register contents starting at reg.
func (p *RegisterPeripheral) Set(reg uint8, data ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range data {
		p.mem[uint8(int(reg)+i)] = b
	}
}

// Get returns n registers starting at reg without moving the pointer.
func (p *RegisterPeripheral) Get(reg uint8, n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = p.mem[uint8(int(reg)+i)]
	}
	return out
}

// SetNack makes every following transfer fail, as a peripheral held in reset would.
func (p *RegisterPeripheral) SetNack(nack bool) {
	p.mu.Lock()
	p.nack = nack
	p.mu.Unlock()
}

func (p *RegisterPeripheral) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nack {
		return errNack
	}
	if len(data) == 0 {
		return nil
	}
	p.ptr = data[0]
	for _, b := range data[1:] {
		p.mem[p.ptr] = b
		p.ptr++
	}
	return nil
}

func (p *RegisterPeripheral) Read(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nack {
		return nil, errNack
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = p.mem[p.ptr]
		p.ptr++
	}
	return out, nil
}
