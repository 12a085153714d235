package main

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"iopiic/config"
)

// settings is filled in by before and read by every command.
var settings *config.Config

func main() {
	app := cli.NewApp()

	app.Name = "iicctl"
	app.Version = "0.1.0"
	app.Usage = "drive an IIC peripheral through the I/O processor's IIC controller"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "device, d",
			Usage: "serial device of the I/O processor bridge",
		},
		cli.IntFlag{
			Name:  "baud",
			Usage: "serial baud rate",
		},
		cli.IntFlag{
			Name:  "connector",
			Usage: "connector id (1-4)",
		},
		cli.IntFlag{
			Name:  "scl",
			Usage: "connector pin carrying SCL (0-7)",
		},
		cli.IntFlag{
			Name:  "sda",
			Usage: "connector pin carrying SDA (0-7)",
		},
		cli.StringFlag{
			Name:  "addr, a",
			Usage: "7-bit peripheral address, e.g. 0x1d",
		},
		cli.BoolFlag{
			Name:  "sim",
			Usage: "use an in-process simulated controller instead of the serial link",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "log register traffic",
		},
	}

	app.Before = before
	app.Commands = []cli.Command{
		{
			Name:      "send",
			Usage:     "write bytes to the peripheral",
			ArgsUsage: "BYTE...",
			Action:    sendAction,
		},
		{
			Name:      "recv",
			Usage:     "read bytes from the peripheral",
			ArgsUsage: "COUNT",
			Action:    recvAction,
		},
		{
			Name:      "tx",
			Usage:     "write bytes, then read COUNT bytes",
			ArgsUsage: "COUNT BYTE...",
			Action:    txAction,
		},
		{
			Name:   "scan",
			Usage:  "list the addresses that answer a one-byte read",
			Action: scanAction,
		},
		{
			Name:   "serve",
			Usage:  "serve the bridge on --device with simulated controllers behind every connector",
			Action: serveAction,
		},
		{
			Name:  "accel",
			Usage: "sample an ADXL345 accelerometer at 0x53 through the tinygo driver",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "samples, n", Value: 1, Usage: "number of samples"},
				cli.DurationFlag{Name: "interval", Value: 10 * time.Millisecond, Usage: "time between samples"},
			},
			Action: accelAction,
		},
		{
			Name:   "dict",
			Usage:  "print the bridge command table",
			Action: dictAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func before(c *cli.Context) error {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	v := config.New()
	if c.IsSet("device") {
		v.Set(config.KeyDevice, c.String("device"))
	}
	if c.IsSet("baud") {
		v.Set(config.KeyBaud, c.Int("baud"))
	}
	if c.IsSet("connector") {
		v.Set(config.KeyConnector, c.Int("connector"))
	}
	if c.IsSet("scl") {
		v.Set(config.KeySCL, c.Int("scl"))
	}
	if c.IsSet("sda") {
		v.Set(config.KeySDA, c.Int("sda"))
	}
	if c.IsSet("addr") {
		addr, err := parseByte(c.String("addr"))
		if err != nil {
			return err
		}
		v.Set(config.KeyAddress, int(addr))
	}
	if c.Bool("debug") {
		v.Set(config.KeyDebug, true)
	}

	cfg, err := config.Load(v, c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	settings = cfg
	return nil
}
