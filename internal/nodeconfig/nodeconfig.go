// Package nodeconfig loads and saves the settings file of a radio node. The
// file is JSON5, so it may carry comments and trailing commas.
package nodeconfig

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flynn/json5"

	"github.com/michcald/rfm9x"
)

type Hardware struct {
	// SPI is the spidev path.
	SPI        string `json:"spi"`
	SPIClockHz int    `json:"spi_clock_hz"`
	// Pins use BCM numbering; 0 means not connected.
	ResetPin int `json:"reset_pin"`
	IRQPin   int `json:"irq_pin"`
	LEDPin   int `json:"led_pin"`
}

type Console struct {
	// Port is the serial device for host commands. Empty reads stdin.
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

type Config struct {
	Address     int     `json:"address"`
	Frequency   float64 `json:"frequency"`
	TxPower     int     `json:"tx_power"`
	ModemConfig int     `json:"modem_config"`
	AutoAck     bool    `json:"auto_ack"`
	ReceiveAll  bool    `json:"receive_all"`

	CADTimeoutMs   int `json:"cad_timeout_ms"`
	RetryTimeoutMs int `json:"retry_timeout_ms"`
	TxDelayMs      int `json:"tx_delay_ms"`

	// Key is a hex AES key (16, 24 or 32 bytes). Empty disables encryption.
	Key string `json:"key"`

	Hardware    Hardware `json:"hardware"`
	Console     Console  `json:"console"`
	JournalPath string   `json:"journal_path"`
	// Reply is the payload returned to relay requests that end at this node.
	Reply    string `json:"reply"`
	LogLevel string `json:"log_level"`
}

// Default returns the settings used when no file exists.
func Default() Config {
	return Config{
		Address:        1,
		Frequency:      433.3,
		TxPower:        14,
		ModemConfig:    0,
		AutoAck:        true,
		RetryTimeoutMs: 300,
		Hardware: Hardware{
			SPI:        "/dev/spidev0.0",
			SPIClockHz: 5000000,
			IRQPin:     25,
		},
		Console:     Console{Baud: 38400},
		JournalPath: "journal.db",
		Reply:       "ok",
		LogLevel:    "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Validate reports every out of range setting.
func (c Config) Validate() error {
	var errs []error
	if c.Address < 0 || c.Address > 254 {
		errs = append(errs, fmt.Errorf("invalid address %d, supports 0-254", c.Address))
	}
	if c.Frequency < 420 || c.Frequency > 450 {
		errs = append(errs, fmt.Errorf("invalid frequency %.2f, supports 420-450MHz", c.Frequency))
	}
	if c.TxPower < 5 || c.TxPower > 23 {
		errs = append(errs, fmt.Errorf("invalid tx_power %d, supports 5-23", c.TxPower))
	}
	if _, ok := rfm9x.ModemConfigByIndex(c.ModemConfig); !ok {
		errs = append(errs, fmt.Errorf("invalid modem_config %d, supports 0-4", c.ModemConfig))
	}
	if c.CADTimeoutMs < 0 || c.RetryTimeoutMs < 0 || c.TxDelayMs < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Key != "" {
		if _, err := c.key(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c Config) key() ([]byte, error) {
	k, err := hex.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	switch len(k) {
	case 16, 24, 32:
		return k, nil
	}
	return nil, fmt.Errorf("invalid key length %d, supports 16, 24 or 32 bytes", len(k))
}

// Save validates c and atomically replaces path. The file is written as
// plain JSON, which Load reads back as JSON5.
func (c Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// RadioConfig maps the settings onto the driver configuration. Handler and
// Journal are left for the caller.
func (c Config) RadioConfig() (rfm9x.RadioConfig, error) {
	modem, ok := rfm9x.ModemConfigByIndex(c.ModemConfig)
	if !ok {
		return rfm9x.RadioConfig{}, fmt.Errorf("invalid modem_config %d", c.ModemConfig)
	}
	rc := rfm9x.RadioConfig{
		Address:      rfm9x.Address(c.Address),
		Frequency:    c.Frequency,
		TxPower:      c.TxPower,
		ModemConfig:  modem,
		ReceiveAll:   c.ReceiveAll,
		AutoAck:      c.AutoAck,
		CADTimeout:   time.Duration(c.CADTimeoutMs) * time.Millisecond,
		RetryTimeout: time.Duration(c.RetryTimeoutMs) * time.Millisecond,
		TxDelay:      time.Duration(c.TxDelayMs) * time.Millisecond,
	}
	if c.Key != "" {
		k, err := c.key()
		if err != nil {
			return rfm9x.RadioConfig{}, err
		}
		if rc.Cipher, err = rfm9x.NewAESCipher(k); err != nil {
			return rfm9x.RadioConfig{}, err
		}
	}
	return rc, nil
}
