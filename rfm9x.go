package rfm9x

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRetries is the number of retransmissions used by the relay engine.
	DefaultRetries = 3

	defaultFrequency             = 433.3
	defaultTxPower               = 14
	defaultRetryTimeout          = 300 * time.Millisecond
	defaultWaitPacketSentTimeout = 200 * time.Millisecond
	defaultEventBuffer           = 16
	defaultPreambleLength        = 8
)

type RadioConfig struct {
	// Address is this node's address, 0 to 254.
	Address Address
	// Frequency is the carrier frequency in MHz.
	// Defaults to 433.3 if not provided.
	Frequency float64
	// TxPower is the transmit power in dBm, clamped to 5..23.
	// Defaults to 14 if not provided.
	TxPower int
	// ModemConfig selects the bandwidth, coding rate and spreading factor.
	// Defaults to Bw125Cr45Sf128.
	ModemConfig ModemConfig
	// ReceiveAll accepts broadcast frames. Without it broadcasts are swallowed
	// by the relay interception step like any frame addressed to another node.
	ReceiveAll bool
	// AutoAck answers plain direct frames addressed to this node with an Ack.
	AutoAck bool
	// Cipher encrypts payloads when set.
	Cipher Cipher
	// Handler receives delivered frames and supplies relay replies.
	Handler ReceiveHandler
	// Journal records protocol events. Optional.
	Journal Recorder
	// CADTimeout bounds the channel activity check before each transmission.
	// Zero disables the check.
	CADTimeout time.Duration
	// RetryTimeout is the base ack wait window, extended by up to 100% random jitter.
	// Defaults to 300ms if not provided.
	RetryTimeout time.Duration
	// WaitPacketSentTimeout bounds the wait for a previous transmission to finish.
	// Defaults to 200ms if not provided.
	WaitPacketSentTimeout time.Duration
	// TxDelay is slept before every transmission so the peer can turn around to receive.
	TxDelay time.Duration
	// EventBuffer is the capacity of the interrupt to foreground event channel.
	// Defaults to 16 if not provided.
	EventBuffer int
}

type HardwareConfig struct {
	RadioConfig
	// Reset is the transceiver reset pin. Optional.
	Reset Pin
	// IRQ is connected to DIO0. Optional: without it the caller must invoke
	// HandleInterrupt from its own interrupt source.
	IRQ Pin
}

// Stats are running counters maintained by the interrupt handler and the send path.
type Stats struct {
	Received      uint64 // frames decoded
	Dropped       uint64 // frames discarded as invalid or undecryptable
	Intercepted   uint64 // frames for other nodes swallowed by relay interception
	AcksSent      uint64
	TxCompleted   uint64
	EventsDropped uint64 // events lost because the foreground did not drain in time
}

type counters struct {
	received, dropped, intercepted, acksSent, txCompleted, eventsDropped atomic.Uint64
}

// Device is an SX127x LoRa transceiver running the addressed ack/relay protocol.
type Device struct {
	config  HardwareConfig
	conn    SPI
	closer  io.Closer
	journal Recorder

	// mu guards the bus, the mode field and resumeRx.
	mu       sync.Mutex
	mode     Mode
	resumeRx bool
	scratch  [_FIFO_SIZE + 1]byte

	// irqMu serializes interrupt handling.
	irqMu sync.Mutex

	// opMu serializes foreground operations and guards inbox.
	opMu  sync.Mutex
	inbox inbox

	events  chan event
	txDone  chan struct{}
	cadDone chan bool

	lastID atomic.Uint32
	closed atomic.Bool
	stats  counters

	jitter func() float64
	now    func() time.Time
}

// NewWithHardware creates and initializes a driver over the provided bus and pins.
// The radio is left in standby; call Listen to start receiving.
func NewWithHardware(c HardwareConfig, conn SPI) (*Device, error) {
	if c.Address == BroadcastAddress {
		return nil, fmt.Errorf("%w: address 255 is reserved for broadcast", ErrPkg)
	}
	if c.Frequency == 0 {
		c.Frequency = defaultFrequency
	}
	if c.TxPower == 0 {
		c.TxPower = defaultTxPower
	}
	if !c.ModemConfig.Valid() {
		return nil, fmt.Errorf("%w: unknown modem config %d", ErrPkg, c.ModemConfig)
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = defaultRetryTimeout
	}
	if c.WaitPacketSentTimeout == 0 {
		c.WaitPacketSentTimeout = defaultWaitPacketSentTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}

	dev := &Device{
		config:  c,
		conn:    conn,
		journal: c.Journal,
		mode:    modeUnknown,
		events:  make(chan event, c.EventBuffer),
		txDone:  make(chan struct{}, 1),
		cadDone: make(chan bool, 1),
		jitter:  rand.Float64,
		now:     time.Now,
	}
	if dev.journal == nil {
		dev.journal = nopRecorder{}
	}

	logger().Info("Initializing SX127x SPI communication...")

	if c.Reset != nil {
		c.Reset.Out(Low)
		time.Sleep(10 * time.Millisecond)
		c.Reset.Out(High)
		time.Sleep(10 * time.Millisecond)
	}

	dev.mu.Lock()
	err := dev.init()
	dev.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if c.IRQ != nil {
		c.IRQ.In(PullDown)
		if err := c.IRQ.Watch(RisingEdge, dev.HandleInterrupt); err != nil {
			dev.mu.Lock()
			dev.setMode(ModeSleep)
			dev.mu.Unlock()
			return nil, fmt.Errorf("failed to watch IRQ pin: %w", err)
		}
	} else {
		logger().Warn("IRQ pin not configured, HandleInterrupt must be called externally")
	}

	logger().Info("SX127x initialized in LoRa mode. Ready to operate.")
	dev.journal.Record("LoRa Set!")
	return dev, nil
}

// init programs the radio. Call with mu held.
func (d *Device) init() error {
	d.writeRegister(_REG_OP_MODE, _MODE_SLEEP|_LONG_RANGE_MODE)
	time.Sleep(10 * time.Millisecond)

	if v := d.readRegister(_REG_OP_MODE); v != _MODE_SLEEP|_LONG_RANGE_MODE {
		return fmt.Errorf("%w: op mode reads back %#02x, check wiring/power", ErrNotDetected, v)
	}
	d.mode = ModeSleep

	d.writeRegister(_REG_FIFO_TX_BASE_ADDR, 0)
	d.writeRegister(_REG_FIFO_RX_BASE_ADDR, 0)
	d.setMode(ModeStandby)

	d.applyModemConfig(d.config.ModemConfig)
	d.writeRegister(_REG_PREAMBLE_MSB, 0)
	d.writeRegister(_REG_PREAMBLE_LSB, defaultPreambleLength)
	d.applyFrequency(d.config.Frequency)
	d.config.TxPower = d.applyTxPower(d.config.TxPower)
	return nil
}

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return fmt.Sprintf("SX127x(Address=%d, Frequency=%.2fMHz, TxPower=%ddBm, Modem=%s, Mode=%s, AutoAck=%v, ReceiveAll=%v)",
		d.config.Address,
		d.config.Frequency,
		d.config.TxPower,
		d.config.ModemConfig,
		d.mode,
		d.config.AutoAck,
		d.config.ReceiveAll,
	)
}

// Address returns this node's address.
func (d *Device) Address() Address {
	return d.config.Address
}

// Close puts the radio to sleep, stops interrupt handling and releases the bus.
// This method is concurrent safe.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}

	d.mu.Lock()
	d.setMode(ModeSleep)
	d.mu.Unlock()
	logger().Info("SX127x put to sleep.")

	if d.config.IRQ != nil {
		d.config.IRQ.Unwatch()
	}
	if d.closer != nil {
		if err := d.closer.Close(); err != nil {
			logger().Warn("Failed to close SPI port")
			return err
		}
		logger().Info("SPI bus closed.")
	}
	return nil
}

// Stats returns a snapshot of the driver counters.
func (d *Device) Stats() Stats {
	return Stats{
		Received:      d.stats.received.Load(),
		Dropped:       d.stats.dropped.Load(),
		Intercepted:   d.stats.intercepted.Load(),
		AcksSent:      d.stats.acksSent.Load(),
		TxCompleted:   d.stats.txCompleted.Load(),
		EventsDropped: d.stats.eventsDropped.Load(),
	}
}

// --- Register interface ---

func (d *Device) spiTransfer(n int) []byte {
	slice := d.scratch[:n]
	if err := d.conn.Tx(slice, slice); err != nil {
		logger().Error("SPI Transfer Error")
		clear(slice)
	}
	return slice[1:]
}

// writeRegister writes one or more bytes starting at reg. The SX127x auto-increments
// the address except for the FIFO register.
func (d *Device) writeRegister(reg byte, data ...byte) {
	d.scratch[0] = reg | _SPI_WRITE
	copy(d.scratch[1:], data)
	d.spiTransfer(1 + len(data))
}

func (d *Device) readRegister(reg byte) byte {
	return d.readRegisterN(reg, 1)[0]
}

// readRegisterN reads n bytes starting at reg into a fresh slice.
func (d *Device) readRegisterN(reg byte, n int) []byte {
	d.scratch[0] = reg &^ _SPI_WRITE
	clear(d.scratch[1 : 1+n])
	data := d.spiTransfer(1 + n)
	out := make([]byte, n)
	copy(out, data)
	return out
}

// --- State machine ---

// setMode switches the operating mode and remaps DIO0 to the completion
// interrupt of that mode. It is a no-op when already in mode. Call with mu held.
func (d *Device) setMode(mode Mode) {
	if d.mode == mode {
		return
	}

	switch mode {
	case ModeTransmit:
		d.writeRegister(_REG_DIO_MAPPING1, _DIO0_TX_DONE)
	case ModeReceive:
		d.writeRegister(_REG_DIO_MAPPING1, _DIO0_RX_DONE)
	case ModeCAD:
		d.writeRegister(_REG_DIO_MAPPING1, _DIO0_CAD_DONE)
	}

	d.writeRegister(_REG_OP_MODE, byte(mode)|_LONG_RANGE_MODE)
	d.mode = mode
}

// Mode returns the current operating mode.
// This method is concurrent safe.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Sleep puts the radio into its lowest power mode.
// This method is concurrent safe.
func (d *Device) Sleep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setMode(ModeSleep)
}

// Standby idles the radio.
// This method is concurrent safe.
func (d *Device) Standby() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setMode(ModeStandby)
}

// Listen puts the radio into continuous receive.
// This method is concurrent safe.
func (d *Device) Listen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setMode(ModeReceive)
}

// --- Configuration ---

// SetFrequency changes the carrier frequency, given in MHz.
// This method is concurrent safe.
func (d *Device) SetFrequency(mhz float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.mode
	d.setMode(ModeStandby)
	d.applyFrequency(mhz)
	d.config.Frequency = mhz
	d.restoreMode(prev)
}

// SetTxPower configures the PA for dBm, clamped to 5..23, and returns the value applied.
// This method is concurrent safe.
func (d *Device) SetTxPower(dBm int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.mode
	d.setMode(ModeStandby)
	d.config.TxPower = d.applyTxPower(dBm)
	d.restoreMode(prev)
	return d.config.TxPower
}

// SetModemConfig switches to another preset.
// This method is concurrent safe.
func (d *Device) SetModemConfig(m ModemConfig) error {
	if !m.Valid() {
		return fmt.Errorf("%w: unknown modem config %d", ErrPkg, m)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.mode
	d.setMode(ModeStandby)
	d.applyModemConfig(m)
	d.config.ModemConfig = m
	d.restoreMode(prev)
	return nil
}

// restoreMode returns to a steady mode after reconfiguration. Transient modes
// are not resumed. Call with mu held.
func (d *Device) restoreMode(prev Mode) {
	if prev == ModeReceive || prev == ModeSleep {
		d.setMode(prev)
	}
}

func (d *Device) applyModemConfig(m ModemConfig) {
	regs := m.Registers()
	d.writeRegister(_REG_MODEM_CONFIG1, regs[0])
	d.writeRegister(_REG_MODEM_CONFIG2, regs[1])
	d.writeRegister(_REG_MODEM_CONFIG3, regs[2])
}

// frequencyRegister converts MHz to the 24-bit Frf value in units of FXOSC/2^19.
func frequencyRegister(mhz float64) uint32 {
	return uint32(math.Round(mhz * 1e6 / _FSTEP))
}

func (d *Device) applyFrequency(mhz float64) {
	frf := frequencyRegister(mhz)
	d.writeRegister(_REG_FRF_MSB, byte(frf>>16), byte(frf>>8), byte(frf))
}

// applyTxPower programs the PA_BOOST output. Below 20dBm the PA DAC runs in
// its default mode and the register value is offset by 3.
func (d *Device) applyTxPower(dBm int) int {
	dBm = min(max(dBm, 5), 23)
	applied := dBm
	if dBm < 20 {
		d.writeRegister(_REG_PA_DAC, _PA_DAC_ENABLE)
		dBm -= 3
	} else {
		d.writeRegister(_REG_PA_DAC, _PA_DAC_DISABLE)
	}
	d.writeRegister(_REG_PA_CONFIG, _PA_SELECT|byte(max(dBm-5, 0)))
	return applied
}
