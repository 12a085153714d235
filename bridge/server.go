// Package bridge serves the register command channel on the I/O processor side. Each
// connector is backed by an iic.Device; the host drives it through host/iop.
package bridge

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"iopiic/iic"
	"iopiic/protocol"
)

var logger = log.WithField("component", "bridge")

// Server dispatches channel commands to the devices it owns.
type Server struct {
	mu      sync.Mutex
	devices map[uint32]iic.Device

	registry  *CommandRegistry
	transport *protocol.Transport
	input     *protocol.FifoBuffer
	output    *protocol.ScratchOutput
}

func NewServer() *Server {
	s := &Server{
		devices:  make(map[uint32]iic.Device),
		registry: NewCommandRegistry(),
		input:    protocol.NewFifoBuffer(protocol.MessageMax),
		output:   protocol.NewScratchOutput(),
	}
	s.transport = protocol.NewTransport(s.output, s.handleCommand)
	s.transport.SetResetCallback(func() {
		logger.Info("host reset detected")
	})

	for _, c := range []struct {
		id      uint16
		format  string
		handler CommandHandler
	}{
		{protocol.CmdStart, "connector=%c", s.handleStart},
		{protocol.CmdSwitchConfig, "connector=%c roles=%*s", s.handleSwitchConfig},
		{protocol.CmdWriteReg, "connector=%c addr=%u value=%u", s.handleWriteReg},
		{protocol.CmdReadReg, "connector=%c addr=%u", s.handleReadReg},
	} {
		if err := s.registry.Register(c.id, protocol.CommandName(c.id), c.format, c.handler); err != nil {
			panic(err)
		}
	}
	for _, r := range []struct {
		id     uint16
		format string
	}{
		{protocol.RespReadReg, "connector=%c addr=%u value=%u"},
		{protocol.RespStatus, "connector=%c code=%*s"},
	} {
		if err := s.registry.RegisterResponse(r.id, protocol.CommandName(r.id), r.format); err != nil {
			panic(err)
		}
	}
	return s
}

// Attach serves dev on the given connector.
func (s *Server) Attach(connector uint32, dev iic.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[connector] = dev
}

// Registry exposes the command table.
func (s *Server) Registry() *CommandRegistry { return s.registry }

// Serve processes frames from rw until it reports an error. io.EOF ends it cleanly.
func (s *Server) Serve(rw io.ReadWriter) error {
	buf := make([]byte, 256)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			if w := s.input.Write(buf[:n]); w < n {
				logger.WithField("dropped", n-w).Warn("input overflow")
			}
			s.transport.Receive(s.input)
			if out := s.output.Result(); len(out) > 0 {
				_, werr := rw.Write(out)
				s.output.Reset()
				if werr != nil {
					return errors.Wrap(werr, "write reply")
				}
			}
		}
		if err == io.EOF || err == io.ErrClosedPipe {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read")
		}
	}
}

func (s *Server) handleCommand(cmdID uint16, data *[]byte) error {
	cmd, ok := s.registry.GetCommand(cmdID)
	if ok {
		logger.WithField("cmd", cmd.Name).Debug("dispatch")
	}
	return s.registry.Dispatch(cmdID, data)
}

func (s *Server) device(connector uint32) (iic.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[connector]
	return dev, ok
}

func (s *Server) handleStart(data *[]byte) error {
	connector, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	dev, ok := s.device(connector)
	if !ok {
		s.sendStatus(connector, protocol.StatusUnknownConnector)
		return nil
	}
	s.sendResult(connector, dev.Start())
	return nil
}

func (s *Server) handleSwitchConfig(data *[]byte) error {
	connector, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	roles, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	dev, ok := s.device(connector)
	if !ok {
		s.sendStatus(connector, protocol.StatusUnknownConnector)
		return nil
	}
	if len(roles) != iic.PinCount {
		s.sendStatus(connector, protocol.StatusInvalidParams)
		return nil
	}
	var cfg iic.SwitchConfig
	for i, r := range roles {
		cfg[i] = iic.Role(r)
	}
	s.sendResult(connector, dev.ApplyPinConfiguration(cfg))
	return nil
}

// handleWriteReg is fire-and-forget: failures are logged, never answered.
func (s *Server) handleWriteReg(data *[]byte) error {
	connector, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	addr, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	dev, ok := s.device(connector)
	if !ok {
		logger.WithField("connector", connector).Warn("write to unknown connector")
		return nil
	}
	if err := dev.WriteRegister(addr, value); err != nil {
		logger.WithError(err).WithField("addr", addr).Warn("register write failed")
	}
	return nil
}

func (s *Server) handleReadReg(data *[]byte) error {
	connector, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	addr, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	dev, ok := s.device(connector)
	if !ok {
		s.sendStatus(connector, protocol.StatusUnknownConnector)
		return nil
	}
	value, err := dev.ReadRegister(addr)
	if err != nil {
		logger.WithError(err).WithField("addr", addr).Warn("register read failed")
		s.sendStatus(connector, protocol.StatusError)
		return nil
	}
	s.transport.SendCommand(protocol.RespReadReg, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, connector)
		protocol.EncodeVLQUint(output, addr)
		protocol.EncodeVLQUint(output, value)
	})
	return nil
}

func (s *Server) sendResult(connector uint32, err error) {
	if err != nil {
		logger.WithError(err).WithField("connector", connector).Warn("command failed")
		s.sendStatus(connector, protocol.StatusError)
		return
	}
	s.sendStatus(connector, protocol.StatusOK)
}

func (s *Server) sendStatus(connector uint32, code string) {
	s.transport.SendCommand(protocol.RespStatus, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, connector)
		protocol.EncodeVLQString(output, code)
	})
}
