package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli"
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/adxl345"
)

const (
	// Raw ADXL345 counts in full-resolution mode.
	adxl345CountsPerG = 256
	// address the adxl345 driver talks to
	adxl345Addr = 0x53
)

// sampleAccel configures an ADXL345 on bus and takes n raw samples.
func sampleAccel(bus drivers.I2C, n int, every time.Duration) [][3]int32 {
	sensor := adxl345.New(bus)
	sensor.Configure()
	defer sensor.Halt()

	samples := make([][3]int32, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			time.Sleep(every)
		}
		x, y, z := sensor.ReadRawAcceleration()
		samples = append(samples, [3]int32{int32(x), int32(y), int32(z)})
	}
	return samples
}

func accelAction(c *cli.Context) error {
	m, done, err := openBus(c, adxl345Addr)
	if err != nil {
		return err
	}
	defer done()

	for _, s := range sampleAccel(m, c.Int("samples"), c.Duration("interval")) {
		fmt.Printf("x=%6d y=%6d z=%6d  (%.3fg %.3fg %.3fg)\n", s[0], s[1], s[2],
			float64(s[0])/adxl345CountsPerG, float64(s[1])/adxl345CountsPerG, float64(s[2])/adxl345CountsPerG)
	}
	return nil
}
