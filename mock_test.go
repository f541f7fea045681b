package rfm9x

import (
	"bytes"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Mocks ---

// mockPin records its configuration and lets tests fire the watched edge.
type mockPin struct {
	mu      sync.Mutex
	level   Level
	pull    Pull
	out     bool
	handler func()

	watchErr error
}

func (m *mockPin) Out(l Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = true
	m.level = l
	return nil
}

func (m *mockPin) In(pull Pull) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = false
	m.pull = pull
	return nil
}

func (m *mockPin) Read() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *mockPin) Watch(edge Edge, handler func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchErr != nil {
		return m.watchErr
	}
	m.handler = handler
	return nil
}

func (m *mockPin) Unwatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = nil
	return nil
}

func (m *mockPin) watched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}

// fire runs the watched handler on the calling goroutine.
func (m *mockPin) fire() {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h()
	}
}

// mockSPIConn is a register file with SX127x FIFO semantics: FIFO access goes
// through the FIFO address pointer, other registers auto-increment, and
// writing IRQ flags clears the written bits. Entering TX hands the FIFO
// contents to the ether; entering CAD completes the check asynchronously.
type mockSPIConn struct {
	mu     sync.Mutex
	regs   [0x80]byte
	fifo   [256]byte
	writes [][]byte // every write transaction, register byte included

	dead      bool // reads return zeros, as with no chip on the bus
	cadBusy   bool
	cadSilent bool // CAD never completes
	rssi, snr byte

	irq   *mockPin
	ether *ether
}

func (m *mockSPIConn) Tx(w, r []byte) error {
	w = slices.Clone(w)
	reg := w[0] &^ _SPI_WRITE
	data := w[1:]

	m.mu.Lock()
	defer m.mu.Unlock()

	if w[0]&_SPI_WRITE == 0 {
		for i := range data {
			switch {
			case m.dead:
				r[1+i] = 0
			case reg == _REG_FIFO:
				r[1+i] = m.fifo[m.regs[_REG_FIFO_ADDR_PTR]]
				m.regs[_REG_FIFO_ADDR_PTR]++
			default:
				r[1+i] = m.regs[int(reg)+i]
			}
		}
		return nil
	}

	m.writes = append(m.writes, w)
	for i, b := range data {
		switch {
		case reg == _REG_FIFO:
			m.fifo[m.regs[_REG_FIFO_ADDR_PTR]] = b
			m.regs[_REG_FIFO_ADDR_PTR]++
		case reg == _REG_IRQ_FLAGS:
			m.regs[reg] &^= b
		default:
			m.regs[int(reg)+i] = b
		}
	}
	if reg == _REG_OP_MODE {
		m.modeChanged(data[0] &^ _LONG_RANGE_MODE)
	}
	return nil
}

// modeChanged reacts to an op mode write. Call with mu held.
func (m *mockSPIConn) modeChanged(mode byte) {
	switch mode {
	case _MODE_TX:
		if m.ether != nil {
			m.ether.queue <- transmission{from: m, data: slices.Clone(m.fifo[:m.regs[_REG_PAYLOAD_LENGTH]])}
		}
	case _MODE_CAD:
		if m.cadSilent {
			return
		}
		flags := byte(IRQCadDone)
		if m.cadBusy {
			flags |= IRQCadDetected
		}
		go m.raise(flags)
	}
}

// raise sets IRQ flags and fires DIO0.
func (m *mockSPIConn) raise(flags byte) {
	m.mu.Lock()
	m.regs[_REG_IRQ_FLAGS] |= flags
	m.mu.Unlock()
	if m.irq != nil {
		m.irq.fire()
	}
}

func (m *mockSPIConn) receiving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[_REG_OP_MODE]&^_LONG_RANGE_MODE == _MODE_RXCONT
}

// load puts a received packet in the FIFO and raises RxDone.
func (m *mockSPIConn) load(packet []byte) {
	m.mu.Lock()
	copy(m.fifo[:], packet)
	m.regs[_REG_FIFO_RX_CURRENT] = 0
	m.regs[_REG_RX_NB_BYTES] = byte(len(packet))
	m.regs[_REG_PKT_RSSI_VALUE] = m.rssi
	m.regs[_REG_PKT_SNR_VALUE] = m.snr
	m.mu.Unlock()
	m.raise(IRQRxDone)
}

func (m *mockSPIConn) reg(r byte) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[r]
}

func (m *mockSPIConn) wrote(w ...byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, got := range m.writes {
		if bytes.Equal(got, w) {
			return true
		}
	}
	return false
}

func (m *mockSPIConn) resetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

// transmission is one packet on air.
type transmission struct {
	from *mockSPIConn
	data []byte
}

// ether links mock radios. Packets are delivered one at a time after a short
// airtime to every radio in continuous receive, then the sender gets TxDone.
type ether struct {
	airtime time.Duration
	queue   chan transmission
	done    chan struct{}

	mu     sync.Mutex
	radios []*mockSPIConn
	log    []transmission
}

func newEther(t *testing.T) *ether {
	e := &ether{
		airtime: 5 * time.Millisecond,
		queue:   make(chan transmission, 1024),
		done:    make(chan struct{}),
	}
	go e.run()
	t.Cleanup(func() { close(e.done) })
	return e
}

func (e *ether) attach(m *mockSPIConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m.ether = e
	e.radios = append(e.radios, m)
}

func (e *ether) run() {
	for {
		select {
		case <-e.done:
			return
		case tx := <-e.queue:
			time.Sleep(e.airtime)
			e.mu.Lock()
			e.log = append(e.log, tx)
			radios := slices.Clone(e.radios)
			e.mu.Unlock()

			for _, r := range radios {
				if r != tx.from && r.receiving() {
					r.load(tx.data)
				}
			}
			tx.from.raise(IRQTxDone)
		}
	}
}

// sent returns the frames put on air by m.
func (e *ether) sent(m *mockSPIConn) []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Frame
	for _, tx := range e.log {
		if tx.from != m {
			continue
		}
		if f, err := DecodeFrame(tx.data); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// mockJournal collects recorded lines.
type mockJournal struct {
	mu    sync.Mutex
	lines []string
}

func (j *mockJournal) Record(text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, text)
}

func (j *mockJournal) contains(s string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, l := range j.lines {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

// testNode is a device wired to mocks.
type testNode struct {
	*Device
	spi *mockSPIConn
	irq *mockPin
	jnl *mockJournal
}

// newTestNode creates a device on e with fast timeouts and no jitter.
func newTestNode(t *testing.T, e *ether, rc RadioConfig) *testNode {
	t.Helper()
	irq := &mockPin{}
	spi := &mockSPIConn{irq: irq, rssi: 100}
	jnl := &mockJournal{}
	if e != nil {
		e.attach(spi)
	}
	if rc.RetryTimeout == 0 {
		rc.RetryTimeout = 50 * time.Millisecond
	}
	rc.Journal = jnl

	dev, err := NewWithHardware(HardwareConfig{RadioConfig: rc, IRQ: irq}, spi)
	if err != nil {
		t.Fatalf("NewWithHardware failed: %v", err)
	}
	dev.jitter = func() float64 { return 0 }
	t.Cleanup(func() { dev.Close() })
	return &testNode{Device: dev, spi: spi, irq: irq, jnl: jnl}
}

// serveRelay runs the relay engine of n until the test ends.
func (n *testNode) serveRelay(t *testing.T) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				_ = n.RelayCheckRepeat()
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

// messageLog is a ReceiveHandler that records deliveries.
type messageLog struct {
	mu    sync.Mutex
	msgs  []ReceivedMessage
	reply []byte
}

func (l *messageLog) OnReceive(msg ReceivedMessage) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
	return l.reply
}

func (l *messageLog) received() []ReceivedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.msgs)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
