package rfm9x

// SX127x register addresses used by the driver (LoRa page).
const (
	_REG_FIFO               = 0x00
	_REG_OP_MODE            = 0x01
	_REG_FRF_MSB            = 0x06
	_REG_FRF_MID            = 0x07
	_REG_FRF_LSB            = 0x08
	_REG_PA_CONFIG          = 0x09
	_REG_FIFO_ADDR_PTR      = 0x0D
	_REG_FIFO_TX_BASE_ADDR  = 0x0E
	_REG_FIFO_RX_BASE_ADDR  = 0x0F
	_REG_FIFO_RX_CURRENT    = 0x10
	_REG_IRQ_FLAGS          = 0x12
	_REG_RX_NB_BYTES        = 0x13
	_REG_PKT_SNR_VALUE      = 0x19
	_REG_PKT_RSSI_VALUE     = 0x1A
	_REG_MODEM_CONFIG1      = 0x1D
	_REG_MODEM_CONFIG2      = 0x1E
	_REG_PREAMBLE_MSB       = 0x20
	_REG_PREAMBLE_LSB       = 0x21
	_REG_PAYLOAD_LENGTH     = 0x22
	_REG_MODEM_CONFIG3      = 0x26
	_REG_DIO_MAPPING1       = 0x40
	_REG_PA_DAC             = 0x4D
)

// Register access bit: set for writes, clear for reads.
const _SPI_WRITE = 0x80

// OpMode values.
const (
	_LONG_RANGE_MODE = 0x80
	_MODE_SLEEP      = 0x00
	_MODE_STDBY      = 0x01
	_MODE_TX         = 0x03
	_MODE_RXCONT     = 0x05
	_MODE_CAD        = 0x07
)

// DIO0 mapping for each completion interrupt.
const (
	_DIO0_RX_DONE  = 0x00
	_DIO0_TX_DONE  = 0x40
	_DIO0_CAD_DONE = 0x80
)

// IRQ flag bits.
const (
	IRQRxDone      = 0x40
	IRQTxDone      = 0x08
	IRQCadDone     = 0x04
	IRQCadDetected = 0x01
)

const (
	_PA_DAC_ENABLE  = 0x07
	_PA_DAC_DISABLE = 0x04
	_PA_SELECT      = 0x80
)

const (
	_FXOSC = 32000000.0
	_FSTEP = _FXOSC / 524288
)

// _FIFO_SIZE is the usable size of the transceiver FIFO for one frame.
const _FIFO_SIZE = 255

// Mode is the transceiver operating mode.
type Mode byte

const (
	ModeSleep Mode = _MODE_SLEEP
	// ModeStandby is the idle mode used between operations.
	ModeStandby Mode = _MODE_STDBY
	// ModeTransmit is transient, the interrupt handler returns to standby on TxDone.
	ModeTransmit Mode = _MODE_TX
	// ModeReceive is continuous reception.
	ModeReceive Mode = _MODE_RXCONT
	// ModeCAD is transient, the interrupt handler returns to standby on CadDone.
	ModeCAD Mode = _MODE_CAD
	// modeUnknown forces the first setMode to write the register.
	modeUnknown Mode = 0xFF
)

func (m Mode) String() string {
	switch m {
	case ModeSleep:
		return "sleep"
	case ModeStandby:
		return "standby"
	case ModeTransmit:
		return "transmit"
	case ModeReceive:
		return "receive"
	case ModeCAD:
		return "cad"
	default:
		return "unknown"
	}
}

// ModemConfig is a named bandwidth/coding-rate/spreading-factor preset.
type ModemConfig byte

const (
	// Bw125Cr45Sf128 is 125kHz, 4/5, SF7. Default medium range.
	Bw125Cr45Sf128 ModemConfig = iota
	// Bw500Cr45Sf128 is 500kHz, 4/5, SF7. Fast and short range.
	Bw500Cr45Sf128
	// Bw31_25Cr48Sf512 is 31.25kHz, 4/8, SF9. Slow and long range.
	Bw31_25Cr48Sf512
	// Bw125Cr48Sf4096 is 125kHz, 4/8, SF12 with low data rate optimisation. Slow and long range.
	Bw125Cr48Sf4096
	// Bw125Cr45Sf2048 is 125kHz, 4/5, SF11. Slow and long range.
	Bw125Cr45Sf2048
)

var modemConfigRegs = [...][3]byte{
	Bw125Cr45Sf128:   {0x72, 0x74, 0x04},
	Bw500Cr45Sf128:   {0x92, 0x74, 0x04},
	Bw31_25Cr48Sf512: {0x48, 0x94, 0x04},
	Bw125Cr48Sf4096:  {0x78, 0xc4, 0x0c},
	Bw125Cr45Sf2048:  {0x72, 0xb4, 0x04},
}

// Registers returns the raw ModemConfig1/2/3 values for the preset.
func (m ModemConfig) Registers() [3]byte {
	if int(m) >= len(modemConfigRegs) {
		return modemConfigRegs[Bw125Cr45Sf128]
	}
	return modemConfigRegs[m]
}

// Valid reports whether m names one of the presets.
func (m ModemConfig) Valid() bool {
	return int(m) < len(modemConfigRegs)
}

func (m ModemConfig) String() string {
	switch m {
	case Bw125Cr45Sf128:
		return "bw125cr45sf128"
	case Bw500Cr45Sf128:
		return "bw500cr45sf128"
	case Bw31_25Cr48Sf512:
		return "bw31.25cr48sf512"
	case Bw125Cr48Sf4096:
		return "bw125cr48sf4096"
	case Bw125Cr45Sf2048:
		return "bw125cr45sf2048"
	default:
		return "unknown"
	}
}

// ModemConfigByIndex maps a persisted preset index (0..4) to a ModemConfig.
func ModemConfigByIndex(i int) (ModemConfig, bool) {
	if i < 0 || i >= len(modemConfigRegs) {
		return 0, false
	}
	return ModemConfig(i), true
}
