// Package config loads iicctl settings from a file and IOPIIC_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"iopiic/host/iop"
	"iopiic/host/serial"
	"iopiic/iic"
)

// EnvPrefix is prepended to every key: iic.scl is read from IOPIIC_IIC_SCL.
const EnvPrefix = "IOPIIC"

// Keys, grouped the way they appear in the file.
const (
	KeyDevice          = "serial.device"
	KeyBaud            = "serial.baud"
	KeyReadTimeout     = "serial.read_timeout"
	KeyResponseTimeout = "serial.response_timeout"
	KeyConnector       = "iic.connector"
	KeySCL             = "iic.scl"
	KeySDA             = "iic.sda"
	KeyAddress         = "iic.address"
	KeySettleDelay     = "iic.settle_delay"
	KeyDebug           = "core.debug"
)

type Config struct {
	Serial          serial.Config
	ResponseTimeout time.Duration

	Connector   int
	SCL         int
	SDA         int
	Address     int
	SettleDelay time.Duration

	Debug bool
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDevice, "/dev/ttyUSB0")
	v.SetDefault(KeyBaud, serial.DefaultBaud)
	v.SetDefault(KeyReadTimeout, 100*time.Millisecond)
	v.SetDefault(KeyResponseTimeout, iop.DefaultResponseTimeout)
	v.SetDefault(KeyConnector, iop.MinConnector)
	v.SetDefault(KeySCL, 2)
	v.SetDefault(KeySDA, 3)
	v.SetDefault(KeyAddress, 0)
	v.SetDefault(KeySettleDelay, iic.DefaultSettleDelay)
	v.SetDefault(KeyDebug, false)
	return v
}

// Load reads path (if not empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := &Config{
		Serial: serial.Config{
			Device:      v.GetString(KeyDevice),
			Baud:        v.GetInt(KeyBaud),
			ReadTimeout: v.GetDuration(KeyReadTimeout),
		},
		ResponseTimeout: v.GetDuration(KeyResponseTimeout),
		Connector:       v.GetInt(KeyConnector),
		SCL:             v.GetInt(KeySCL),
		SDA:             v.GetInt(KeySDA),
		Address:         v.GetInt(KeyAddress),
		SettleDelay:     v.GetDuration(KeySettleDelay),
		Debug:           v.GetBool(KeyDebug),
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills values a file set to zero where zero is not usable.
func applyDefaults(cfg *Config) {
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = serial.DefaultBaud
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = iop.DefaultResponseTimeout
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = iic.DefaultSettleDelay
	}
}

// Validate checks the values that are not checked again further down.
// Pins are validated by iic.New.
func (c *Config) Validate() error {
	if c.Connector < iop.MinConnector || c.Connector > iop.MaxConnector {
		return errors.Wrapf(iop.ErrInvalidConnector, "config: connector %d", c.Connector)
	}
	if c.Address < 0 || c.Address > 0x7F {
		return errors.Wrapf(iic.ErrAddressRange, "config: address 0x%x", c.Address)
	}
	if c.Serial.Baud < 0 {
		return errors.Errorf("config: negative baud %d", c.Serial.Baud)
	}
	return nil
}

// IIC returns the bus master settings.
func (c *Config) IIC() iic.Config {
	return iic.Config{
		Connector:   c.Connector,
		SCL:         c.SCL,
		SDA:         c.SDA,
		Address:     uint8(c.Address),
		SettleDelay: c.SettleDelay,
	}
}
