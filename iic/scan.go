package iic

import "github.com/pkg/errors"

// Scan range. Addresses outside it are reserved on the bus.
const (
	ScanFirst uint8 = 0x08
	ScanLast  uint8 = 0x77
)

// Scan probes every address in [first, last] with a one-byte read and returns the ones
// that answered. An address-only write never polls the controller, so it cannot tell
// an absent peripheral from a present one.
func (m *Master) Scan(first, last uint8) ([]uint8, error) {
	if last > 0x7F || first > last {
		return nil, ErrAddressRange
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	var found []uint8
	for a := int(first); a <= int(last); a++ {
		_, err := m.receive(uint8(a), 1)
		switch {
		case err == nil:
			found = append(found, uint8(a))
		case errors.Is(err, ErrTimeout):
		default:
			return found, errors.Wrapf(err, "probe 0x%02x", a)
		}
	}
	m.log.WithField("found", len(found)).Debug("scan done")
	return found, nil
}
