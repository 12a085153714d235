package iic

import (
	"errors"
	"strconv"
)

var (
	// ErrInvalidPin is matched by every *PinError.
	ErrInvalidPin = errors.New("iic: invalid pin")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("iic: timeout")

	ErrAddressRange = errors.New("iic: bus address must fit in 7 bits")
	ErrNilDevice    = errors.New("iic: nil device")
)

// PinError reports a rejected SCL/SDA pin selection.
type PinError struct {
	Name   string
	Pin    int
	Reason string
}

func (e *PinError) Error() string {
	return "iic: invalid " + e.Name + " pin " + strconv.Itoa(e.Pin) + ": " + e.Reason
}

func (e *PinError) Is(target error) bool { return target == ErrInvalidPin }

// TimeoutError reports a FIFO that did not reach the expected state within the poll budget.
// An absent peripheral and a slow one are indistinguishable here.
type TimeoutError struct {
	Op    string // "writing IIC" or "reading IIC"
	Polls int
}

func (e *TimeoutError) Error() string {
	return "iic: timeout when " + e.Op + " after " + strconv.Itoa(e.Polls) + " polls"
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
