package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"iopiic/bridge"
	"iopiic/host/iop"
	"iopiic/host/serial"
	"iopiic/iic"
	"iopiic/protocol"
	"iopiic/sim"
)

// openBus builds a master on the configured connector, either over the serial link or on
// a simulated controller with register peripherals at the configured address and at simAddrs.
func openBus(c *cli.Context, simAddrs ...uint8) (*iic.Master, func(), error) {
	if c.GlobalBool("sim") {
		m, err := iic.New(newSimCore(simAddrs...), settings.IIC())
		return m, func() {}, err
	}

	link, err := iop.Dial(&settings.Serial)
	if err != nil {
		return nil, nil, err
	}
	link.SetResponseTimeout(settings.ResponseTimeout)
	closeLink := func() {
		if err := link.Close(); err != nil {
			log.WithError(err).Debug("close link")
		}
	}

	ch, err := link.Channel(settings.Connector)
	if err != nil {
		closeLink()
		return nil, nil, err
	}
	m, err := iic.New(ch, settings.IIC())
	if err != nil {
		closeLink()
		return nil, nil, err
	}
	return m, closeLink, nil
}

func newSimCore(extra ...uint8) *sim.Core {
	core := sim.NewCore()
	core.Attach(uint8(settings.Address), sim.NewRegisterPeripheral())
	for _, a := range extra {
		core.Attach(a, sim.NewRegisterPeripheral())
	}
	return core
}

func sendAction(c *cli.Context) error {
	data, err := parseBytes(c.Args())
	if err != nil {
		return err
	}
	m, done, err := openBus(c)
	if err != nil {
		return err
	}
	defer done()
	return m.Send(data)
}

func recvAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("recv: expected a byte count")
	}
	n, err := strconv.Atoi(c.Args().First())
	if err != nil || n < 0 {
		return errors.Errorf("recv: bad count %q", c.Args().First())
	}
	m, done, err := openBus(c)
	if err != nil {
		return err
	}
	defer done()

	data, err := m.Receive(n)
	if err != nil {
		return err
	}
	fmt.Println(formatBytes(data))
	return nil
}

func txAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("tx: expected a read count")
	}
	n, err := strconv.Atoi(c.Args().First())
	if err != nil || n < 0 {
		return errors.Errorf("tx: bad count %q", c.Args().First())
	}
	w, err := parseBytes(c.Args().Tail())
	if err != nil {
		return err
	}
	m, done, err := openBus(c)
	if err != nil {
		return err
	}
	defer done()

	r := make([]byte, n)
	if err := m.Tx(uint16(m.Address()), w, r); err != nil {
		return err
	}
	if n > 0 {
		fmt.Println(formatBytes(r))
	}
	return nil
}

func scanAction(c *cli.Context) error {
	m, done, err := openBus(c)
	if err != nil {
		return err
	}
	defer done()

	found, err := m.Scan(iic.ScanFirst, iic.ScanLast)
	if err != nil {
		return err
	}
	for _, a := range found {
		fmt.Printf("0x%02x\n", a)
	}
	return nil
}

func serveAction(c *cli.Context) error {
	port, err := serial.Open(&settings.Serial)
	if err != nil {
		return err
	}

	srv := bridge.NewServer()
	for id := iop.MinConnector; id <= iop.MaxConnector; id++ {
		srv.Attach(uint32(id), newSimCore())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		port.Close()
	}()

	log.WithField("device", settings.Serial.Device).Info("serving")
	err = srv.Serve(port)
	port.Close()
	return err
}

func dictAction(c *cli.Context) error {
	fmt.Print(dictionary())
	return nil
}

// dictionary is the bridge command table headed by the channel version.
func dictionary() string {
	return "version " + protocol.Version + "\n" + bridge.NewServer().Registry().Dictionary()
}

// parseByte accepts decimal, 0x hex and 0 octal.
func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Errorf("bad byte %q", s)
	}
	return byte(v), nil
}

// parseBytes accepts bytes as separate arguments or comma separated.
func parseBytes(args []string) ([]byte, error) {
	var out []byte
	for _, arg := range args {
		for _, f := range strings.Split(arg, ",") {
			if f == "" {
				continue
			}
			b, err := parseByte(f)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func formatBytes(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02x", b)
	}
	return strings.Join(parts, " ")
}
