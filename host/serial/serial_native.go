package serial

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

var logger = log.WithField("component", "serial")

// NativePort wraps a tarm/serial port.
type NativePort struct {
	port   *serial.Port
	cfg    *Config
	closed int32
}

func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, errors.New("serial: nil config")
	}
	if cfg.Device == "" {
		return nil, errors.New("serial: no device given")
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Device)
	}
	logger.WithFields(log.Fields{"device": cfg.Device, "baud": cfg.Baud}).Debug("port open")
	return &NativePort{port: port, cfg: cfg}, nil
}

// Read reports an expired read timeout as (0, nil). The port only returns io.EOF
// once it has been closed.
func (p *NativePort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err == io.EOF && atomic.LoadInt32(&p.closed) == 0 {
		return n, nil
	}
	if err != nil && atomic.LoadInt32(&p.closed) != 0 {
		return n, io.EOF
	}
	return n, err
}

func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *NativePort) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	return p.port.Close()
}

// Flush discards unread input and unsent output.
func (p *NativePort) Flush() error {
	return p.port.Flush()
}
