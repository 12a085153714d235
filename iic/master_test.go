package iic

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"tinygo.org/x/drivers"
)

const testAddr = 0x48

var regs = RegistersAt(BaseAddr)

type opKind byte

const (
	opWrite opKind = 'w'
	opRead  opKind = 'r'
	opSleep opKind = 's'
)

type op struct {
	kind opKind
	addr uint32
	val  uint32
}

// mockDevice records every register access and plays back scripted status and RX data.
type mockDevice struct {
	started  bool
	pins     []SwitchConfig
	ops      []op
	srReads  int
	status   func(read int) uint32
	rx       []byte
	regs     map[uint32]uint32
	writeErr error
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		regs:   make(map[uint32]uint32),
		status: func(int) uint32 { return srTxFifoEmpty },
	}
}

func (d *mockDevice) Start() error {
	d.started = true
	return nil
}

func (d *mockDevice) ApplyPinConfiguration(cfg SwitchConfig) error {
	if !d.started {
		return errors.New("pins applied before start")
	}
	d.pins = append(d.pins, cfg)
	return nil
}

func (d *mockDevice) WriteRegister(addr, value uint32) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.ops = append(d.ops, op{opWrite, addr, value})
	d.regs[addr] = value
	return nil
}

func (d *mockDevice) ReadRegister(addr uint32) (uint32, error) {
	var v uint32
	switch addr {
	case regs.Status:
		v = d.status(d.srReads)
		d.srReads++
	case regs.Receive:
		if len(d.rx) > 0 {
			v = uint32(d.rx[0]) | 0xA500 // upper bits must be masked off
			d.rx = d.rx[1:]
		}
	default:
		v = d.regs[addr]
	}
	d.ops = append(d.ops, op{opRead, addr, v})
	return v, nil
}

func (d *mockDevice) writes() []op {
	var out []op
	for _, o := range d.ops {
		if o.kind == opWrite {
			out = append(out, o)
		}
	}
	return out
}

func (d *mockDevice) count(kind opKind, addr uint32) int {
	n := 0
	for _, o := range d.ops {
		if o.kind == kind && o.addr == addr {
			n++
		}
	}
	return n
}

func newTestMaster(t *testing.T, dev *mockDevice) *Master {
	t.Helper()
	m, err := New(dev, Config{Connector: 1, SCL: 2, SDA: 6, Address: testAddr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.sleep = func(d time.Duration) {
		dev.ops = append(dev.ops, op{kind: opSleep, val: uint32(d)})
	}
	return m
}

func w(addr, val uint32) op { return op{opWrite, addr, val} }

func TestRegistersAt(t *testing.T) {
	want := Registers{
		Status:   0x40800104,
		Transmit: 0x40800108,
		Control:  0x40800100,
		RxDepth:  0x40800120,
		Receive:  0x4080010C,
	}
	if got := RegistersAt(BaseAddr); got != want {
		t.Errorf("RegistersAt = %+v, want %+v", got, want)
	}
}

func TestSwitchConfigAllPairs(t *testing.T) {
	for scl := 0; scl < PinCount; scl++ {
		for sda := 0; sda < PinCount; sda++ {
			if scl == sda {
				continue
			}
			cfg, err := NewSwitchConfig(scl, sda)
			if err != nil {
				t.Fatalf("NewSwitchConfig(%d, %d) failed: %v", scl, sda, err)
			}
			var nSCL, nSDA, nGPIO int
			for i, r := range cfg {
				switch r {
				case RoleSCL:
					nSCL++
					if i != scl {
						t.Errorf("SCL at %d, want %d", i, scl)
					}
				case RoleSDA:
					nSDA++
					if i != sda {
						t.Errorf("SDA at %d, want %d", i, sda)
					}
				case RoleGPIO:
					nGPIO++
				default:
					t.Errorf("unexpected role %v at %d", r, i)
				}
			}
			if nSCL != 1 || nSDA != 1 || nGPIO != 6 {
				t.Errorf("pins (%d, %d): got %d scl, %d sda, %d gpio", scl, sda, nSCL, nSDA, nGPIO)
			}
		}
	}
}

func TestNewRejectsInvalidPins(t *testing.T) {
	tests := []struct {
		name     string
		scl, sda int
	}{
		{"scl out of range", 8, 0},
		{"sda out of range", 0, 8},
		{"negative scl", -1, 3},
		{"shared pin", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newMockDevice()
			_, err := New(dev, Config{SCL: tt.scl, SDA: tt.sda, Address: testAddr})
			if !errors.Is(err, ErrInvalidPin) {
				t.Fatalf("expected ErrInvalidPin, got %v", err)
			}
			var pe *PinError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *PinError, got %T", err)
			}
			if dev.started || len(dev.pins) != 0 {
				t.Error("device touched despite invalid pins")
			}
		})
	}
}

func TestNewRejectsWideAddress(t *testing.T) {
	if _, err := New(newMockDevice(), Config{SCL: 0, SDA: 1, Address: 0x80}); err != ErrAddressRange {
		t.Errorf("expected ErrAddressRange, got %v", err)
	}
}

func TestNewStartsThenRoutesPins(t *testing.T) {
	dev := newMockDevice()
	m := newTestMaster(t, dev)

	if !dev.started {
		t.Fatal("device not started")
	}
	if len(dev.pins) != 1 {
		t.Fatalf("expected one pin configuration, got %d", len(dev.pins))
	}
	want := SwitchConfig{RoleGPIO, RoleGPIO, RoleSCL, RoleGPIO, RoleGPIO, RoleGPIO, RoleSDA, RoleGPIO}
	if dev.pins[0] != want {
		t.Errorf("pins = %v, want %v", dev.pins[0], want)
	}
	if m.Pins() != want {
		t.Errorf("Pins() = %v, want %v", m.Pins(), want)
	}
	if len(dev.ops) != 0 {
		t.Errorf("construction touched registers: %v", dev.ops)
	}
}

func TestIdenticalConfigsDeriveIdenticalState(t *testing.T) {
	devA, devB := newMockDevice(), newMockDevice()
	a := newTestMaster(t, devA)
	b := newTestMaster(t, devB)

	if a.Registers() != b.Registers() {
		t.Errorf("registers differ: %+v vs %+v", a.Registers(), b.Registers())
	}
	if !reflect.DeepEqual(devA.pins, devB.pins) {
		t.Errorf("role sequences differ: %v vs %v", devA.pins, devB.pins)
	}
}

func TestSendEmpty(t *testing.T) {
	dev := newMockDevice()
	m := newTestMaster(t, dev)

	if err := m.Send(nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	want := []op{
		w(regs.Control, 0x00),
		w(regs.RxDepth, 0x0F),
		w(regs.Control, 0x02),
		w(regs.Control, 0x01),
		{kind: opSleep, val: uint32(DefaultSettleDelay)},
		w(regs.Transmit, 0x100|testAddr<<1),
		{kind: opSleep, val: uint32(DefaultSettleDelay)},
	}
	if !reflect.DeepEqual(dev.ops, want) {
		t.Errorf("ops =\n%v\nwant\n%v", dev.ops, want)
	}
}

func TestSendData(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		dtr  []uint32
	}{
		{"single byte carries stop", []byte{0xAB}, []uint32{0x2AB}},
		{"stop only on last", []byte{0x10, 0x20, 0x30}, []uint32{0x10, 0x20, 0x230}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newMockDevice()
			m := newTestMaster(t, dev)
			if err := m.Send(tt.data); err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			// Every data write is followed by one status poll.
			var dtr []uint32
			for i, o := range dev.ops {
				if o.kind != opWrite || o.addr != regs.Transmit || o.val&dtrStart != 0 {
					continue
				}
				dtr = append(dtr, o.val)
				next := dev.ops[i+1]
				if next.kind != opRead || next.addr != regs.Status {
					t.Errorf("write 0x%x not followed by status poll: %v", o.val, next)
				}
			}
			if !reflect.DeepEqual(dtr, tt.dtr) {
				t.Errorf("data words = %#x, want %#x", dtr, tt.dtr)
			}
			if got := dev.count(opRead, regs.Status); got != len(tt.data) {
				t.Errorf("status polls = %d, want %d", got, len(tt.data))
			}
		})
	}
}

func TestSendWaitsForFifoEmpty(t *testing.T) {
	dev := newMockDevice()
	dev.status = func(read int) uint32 {
		if read < 7 {
			return 0
		}
		return srTxFifoEmpty
	}
	m := newTestMaster(t, dev)
	if err := m.Send([]byte{0x01}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := dev.count(opRead, regs.Status); got != 8 {
		t.Errorf("status polls = %d, want 8", got)
	}
}

func TestSendTimeout(t *testing.T) {
	dev := newMockDevice()
	dev.status = func(int) uint32 { return 0 }
	m := newTestMaster(t, dev)

	err := m.Send([]byte{0x10, 0x20, 0x30})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Op != "writing IIC" {
		t.Errorf("unexpected timeout error %#v", err)
	}
	if got := dev.count(opRead, regs.Status); got != pollBudget {
		t.Errorf("status polls = %d, want %d", got, pollBudget)
	}
	// address word plus the first data byte only
	if got := dev.count(opWrite, regs.Transmit); got != 2 {
		t.Errorf("DTR writes = %d, want 2", got)
	}
	if last := dev.ops[len(dev.ops)-1]; last.kind == opSleep {
		t.Error("settle delay ran after timeout")
	}
}

func TestReceiveSingleByte(t *testing.T) {
	dev := newMockDevice()
	dev.rx = []byte{0x5A}
	m := newTestMaster(t, dev)

	got, err := m.Receive(1)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !reflect.DeepEqual(got, []byte{0x5A}) {
		t.Errorf("Receive = %#x, want [0x5a]", got)
	}

	want := []op{
		w(regs.Control, 0x02),
		w(regs.RxDepth, 0x00),
		w(regs.Transmit, 0x101|testAddr<<1),
		w(regs.Control, 0x15),
		w(regs.Transmit, 0x201),
		w(regs.Control, 0x01),
	}
	if !reflect.DeepEqual(dev.writes(), want) {
		t.Errorf("writes =\n%v\nwant\n%v", dev.writes(), want)
	}
}

func TestReceiveTwoArmsStopEarly(t *testing.T) {
	dev := newMockDevice()
	dev.rx = []byte{0x01, 0x02}
	m := newTestMaster(t, dev)

	got, err := m.Receive(2)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !reflect.DeepEqual(got, []byte{0x01, 0x02}) {
		t.Errorf("Receive = %#x", got)
	}

	want := []op{
		w(regs.Control, 0x02),
		w(regs.RxDepth, 0x00),
		w(regs.Transmit, 0x101|testAddr<<1),
		w(regs.Control, 0x05),
		{kind: opSleep, val: uint32(DefaultSettleDelay)},
		w(regs.Transmit, 0x202),
		{opRead, regs.Control, 0x05},
		w(regs.Control, 0x15),
		{opRead, regs.Status, srTxFifoEmpty},
		{opRead, regs.Receive, 0xA501},
		w(regs.Control, 0x01),
		{opRead, regs.Status, srTxFifoEmpty},
		{opRead, regs.Receive, 0xA502},
		{kind: opSleep, val: uint32(DefaultSettleDelay)},
	}
	if !reflect.DeepEqual(dev.ops, want) {
		t.Errorf("ops =\n%v\nwant\n%v", dev.ops, want)
	}
}

func TestReceiveFive(t *testing.T) {
	dev := newMockDevice()
	dev.rx = []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x42}
	m := newTestMaster(t, dev)

	got, err := m.Receive(5)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if want := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x42}; !reflect.DeepEqual(got, want) {
		t.Errorf("Receive = %#x, want %#x", got, want)
	}
	if got := dev.count(opRead, regs.Control); got != 1 {
		t.Errorf("control read-modify-writes = %d, want 1", got)
	}
	if got := dev.count(opRead, regs.Receive); got != 5 {
		t.Errorf("DRR reads = %d, want 5", got)
	}
}

func TestReceiveZero(t *testing.T) {
	dev := newMockDevice()
	m := newTestMaster(t, dev)

	got, err := m.Receive(0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Receive(0) returned %d bytes", len(got))
	}
	if _, err := m.Receive(-1); err == nil {
		t.Error("expected error for negative count")
	}
	if _, err := m.Receive(256); err == nil {
		t.Error("expected error for a count wider than the DTR byte field")
	}
}

func TestReceiveTimeout(t *testing.T) {
	dev := newMockDevice()
	dev.rx = []byte{0x01, 0x02, 0x03}
	dev.status = func(read int) uint32 {
		if read == 0 {
			return 0
		}
		return srRxFifoEmpty
	}
	m := newTestMaster(t, dev)

	got, err := m.Receive(3)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got != nil {
		t.Errorf("partial result returned: %#x", got)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Op != "reading IIC" {
		t.Errorf("unexpected timeout error %#v", err)
	}
	if got := dev.count(opRead, regs.Status); got != 1+pollBudget {
		t.Errorf("status polls = %d, want %d", got, 1+pollBudget)
	}
}

func TestDeviceErrorsAreWrapped(t *testing.T) {
	boom := errors.New("link down")
	dev := newMockDevice()
	m := newTestMaster(t, dev)
	dev.writeErr = boom

	err := m.Send([]byte{0x01})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped device error, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("device error reported as timeout")
	}
}

func TestTxImplementsDriversI2C(t *testing.T) {
	dev := newMockDevice()
	dev.rx = []byte{0x12, 0x34}
	m := newTestMaster(t, dev)

	var bus drivers.I2C = m
	r := make([]byte, 2)
	if err := bus.Tx(0x50, []byte{0x07}, r); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if r[0] != 0x12 || r[1] != 0x34 {
		t.Errorf("Tx read %#x", r)
	}

	var addrWords []uint32
	for _, o := range dev.writes() {
		if o.addr == regs.Transmit && o.val&dtrStart != 0 {
			addrWords = append(addrWords, o.val)
		}
	}
	if want := []uint32{0x100 | 0x50<<1, 0x101 | 0x50<<1}; !reflect.DeepEqual(addrWords, want) {
		t.Errorf("address words = %#x, want %#x", addrWords, want)
	}

	if err := bus.Tx(0x80, nil, r); err != ErrAddressRange {
		t.Errorf("expected ErrAddressRange, got %v", err)
	}
}

func TestRoleString(t *testing.T) {
	if RoleSDA.String() != "sda" || RoleSCL.String() != "scl" || RoleGPIO.String() != "gpio" {
		t.Error("unexpected role names")
	}
	if got := Role(3).String(); got != "role(3)" {
		t.Errorf("Role(3).String() = %q", got)
	}
}

func TestErrorMessages(t *testing.T) {
	_, err := NewSwitchConfig(-1, 3)
	if err == nil || err.Error() != "iic: invalid scl pin -1: valid pins are 0 - 7" {
		t.Errorf("PinError = %v", err)
	}
	te := &TimeoutError{Op: "reading IIC", Polls: pollBudget}
	if got := te.Error(); got != "iic: timeout when reading IIC after 100 polls" {
		t.Errorf("TimeoutError = %q", got)
	}
}
