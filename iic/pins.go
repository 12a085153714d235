package iic

import "strconv"

// Role is a switch code routing one connector pin to a function of the I/O processor.
type Role uint8

const (
	RoleGPIO Role = 0 // general digital I/O
	RoleSCL  Role = 8
	RoleSDA  Role = 9
)

func (r Role) String() string {
	switch r {
	case RoleGPIO:
		return "gpio"
	case RoleSCL:
		return "scl"
	case RoleSDA:
		return "sda"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

// PinCount is the number of switchable pins on a connector.
const PinCount = 8

// SwitchConfig is the ordered role assignment for all connector pins.
type SwitchConfig [PinCount]Role

// NewSwitchConfig places SCL and SDA on the given pins and leaves every other pin as GPIO.
func NewSwitchConfig(scl, sda int) (SwitchConfig, error) {
	var cfg SwitchConfig
	if err := checkPin("scl", scl); err != nil {
		return cfg, err
	}
	if err := checkPin("sda", sda); err != nil {
		return cfg, err
	}
	if scl == sda {
		return cfg, &PinError{Name: "sda", Pin: sda, Reason: "shared with scl"}
	}
	for i := range cfg {
		switch i {
		case sda:
			cfg[i] = RoleSDA
		case scl:
			cfg[i] = RoleSCL
		default:
			cfg[i] = RoleGPIO
		}
	}
	return cfg, nil
}

func checkPin(name string, pin int) error {
	if pin < 0 || pin >= PinCount {
		return &PinError{Name: name, Pin: pin, Reason: "valid pins are 0 - 7"}
	}
	return nil
}
