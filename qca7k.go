// Copyright 2020 by Thorsten von Eicken, see LICENSE file

// The qca7k package interfaces with a Qualcomm Atheros QCA7000 HomePlug
// GreenPHY powerline modem connected to an SPI bus.
//
// The QCA7000 behaves like an Ethernet-to-powerline converter: the host
// pushes raw Ethernet frames into the modem's write buffer and pulls
// received frames out of its read buffer, each frame wrapped in a small
// framing envelope. The driver is fully interrupt driven and requires that
// the modem's interrupt pin be connected to an interrupt capable GPIO pin.
// The receive interface is a channel of frames with a small amount of
// buffering; transmission goes through Send, which queues the frame for the
// service goroutine.
//
// All SPI traffic is performed by a single service goroutine: the GPIO
// interrupt and transmit requests merely wake it up. The goroutine also
// maintains the link synchronization state machine, which drives the modem
// through soft/hard resets until the signature register reads back correctly
// and the write buffer is empty.
//
// The SPI port must be connected at 12Mhz max in mode 3. The QCA7000's
// 16-bit command phase is carried in the first two bytes of each transfer.
//
// The driver does not look inside the Ethernet payloads: there is no MAC
// filtering, no checksum validation beyond the framing envelope, and no
// retransmission. It is a best-effort pipe and upper layers provide
// reliability. Errors on the SPI bus itself are treated as fatal: the rx
// channel is closed and the error is recorded where it can be retrieved
// using the Error function. The client code will have to create a fresh
// object to re-establish communication.
package qca7k

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/spi"
)

const txQueueCap = 25 // queued tx frames before Send starts dropping
const rxQueueCap = 25 // queued rx frames before the service loop drops

// Sync check periods for the service loop: while the link is up a slow
// keepalive suffices, while it is down the state machine is poked often.
const (
	highCheckTime = 15 * time.Second
	lowCheckTime  = time.Second
)

// resetTimeout is the number of sync polls spent waiting for the CPU_ON
// interrupt after a reset before the reset is reissued.
const resetTimeout = 500

// SyncState is the link synchronization state of the host<->modem link,
// independent of data-plane traffic.
type SyncState int

const (
	SyncUnknown SyncState = iota
	SyncCPUOn
	SyncReady
	SyncReset
	SyncSoftReset
	SyncHardReset
	SyncWaitReset
	syncUpdate // pseudo-event: re-validate the current state
)

func (s SyncState) String() string {
	switch s {
	case SyncUnknown:
		return "unknown"
	case SyncCPUOn:
		return "cpu-on"
	case SyncReady:
		return "ready"
	case SyncReset:
		return "reset"
	case SyncSoftReset:
		return "soft-reset"
	case SyncHardReset:
		return "hard-reset"
	case SyncWaitReset:
		return "wait-reset"
	}
	return "invalid"
}

// Stats are the packet and error counters maintained by the service
// goroutine. Counters are monotonic and wrap at 32 bits.
type Stats struct {
	RxPackets   uint32
	RxBytes     uint32
	RxErrors    uint32
	RxDropped   uint32
	TxPackets   uint32
	TxBytes     uint32
	TxErrors    uint32
	TxDropped   uint32
	DeviceReset uint32
	ReadBufErr  uint32
	WriteBufErr uint32
}

// Frame is a received Ethernet frame. The payload slice is backed by a
// buffer owned by whoever pops the frame off the rx channel.
type Frame struct {
	Payload []byte
	At      time.Time // time the frame came off the wire
}

// txFrame is an outbound frame: the payload sits at offset HeaderLen of buf
// with FooterLen bytes of slack after it, so header and footer can be
// written in place.
type txFrame struct {
	buf     []byte
	dataLen int // payload length, already padded to MinPayload
}

// LogPrintf is a function used by the driver to print logging info.
type LogPrintf func(format string, v ...interface{})

// Opts contains options used when initializing a Modem.
type Opts struct {
	// ResetPin is the modem's hardware reset line (active low). When set
	// it is toggled once during New. The sync state machine's hard reset
	// only drives it when DriveReset is also set: the handshake normally
	// recovers from the delay alone, but a genuinely wedged modem needs
	// the pin.
	ResetPin   gpio.PinOut
	DriveReset bool
	// SyncWait bounds how long New waits for the link to come up,
	// default 60s.
	SyncWait time.Duration
	Logger   LogPrintf // function to use for logging
}

// Modem represents a QCA7000 attached to an SPI port.
type Modem struct {
	RxChan <-chan *Frame // channel of received frames

	// configuration
	spi        spi.Conn    // SPI device to access the modem
	intrPin    gpio.PinIO  // interrupt pin, rising edge
	resetPin   gpio.PinOut // optional hardware reset line
	driveReset bool        // drive resetPin from the sync hard reset
	log        LogPrintf   // function to use for logging

	sync.Mutex           // guards err, stats and syncState for outside readers
	err        error     // persistent error
	stats      Stats     // counters, written by the service goroutine
	syncState  SyncState // link state, written by the service goroutine

	// service goroutine state
	resetCount int              // sync polls spent in wait-reset
	dec        Decoder          // framing decoder, one per link
	scratch    [HeaderLen]byte  // staging for header and footer reads
	rxBuf      []byte           // buffer the next frame is assembled into
	rxAvail    int              // unread bytes left in the modem's read buffer
	txq        []*txFrame       // frames awaiting write-buffer credit
	intrCnt    int              // count interrupts

	txChan    chan *txFrame
	rxChan    chan *Frame
	intrChan  chan struct{} // interrupt notification, capacity 1
	readyChan chan struct{} // closed when the link first reaches ready
	readyOnce sync.Once
}

// New initializes a QCA7000 modem given an spi.Conn and an interrupt pin,
// performs the initial hardware reset, and spawns the service goroutine. It
// returns once the synchronization state machine has brought the link up, or
// with an error if that takes longer than Opts.SyncWait.
func New(conn spi.Conn, intr gpio.PinIO, opts Opts) (*Modem, error) {
	m := &Modem{
		spi: conn, intrPin: intr,
		resetPin:   opts.ResetPin,
		driveReset: opts.DriveReset,
		syncState:  SyncUnknown,
		log:        func(format string, v ...interface{}) {},
	}
	if opts.Logger != nil {
		m.log = func(format string, v ...interface{}) {
			opts.Logger("qca7k: "+format, v...)
		}
	}

	if err := intr.In(gpio.PullNoChange, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("qca7k: error initializing interrupt pin: %s", err)
	}

	// Reset the modem the way power-up does; the sync state machine takes
	// it from there once the CPU_ON interrupt arrives.
	if m.resetPin != nil {
		m.resetPin.Out(gpio.Low)
		time.Sleep(100 * time.Millisecond)
		m.resetPin.Out(gpio.High)
	}

	m.rxChan = make(chan *Frame, rxQueueCap)
	m.txChan = make(chan *txFrame, txQueueCap)
	m.intrChan = make(chan struct{}, 1)
	m.readyChan = make(chan struct{})
	m.RxChan = m.rxChan

	go m.intrLoop()
	go m.worker()

	wait := opts.SyncWait
	if wait == 0 {
		wait = 60 * time.Second
	}
	select {
	case <-m.readyChan:
	case <-time.After(wait):
		err := fmt.Errorf("qca7k: modem did not sync within %v", wait)
		m.setErr(err) // shuts the service goroutines down
		return nil, err
	}
	if err := m.Error(); err != nil {
		return nil, err
	}
	return m, nil
}

// Send queues an Ethernet frame for transmission. Frames shorter than the
// Ethernet minimum are zero-padded, frames longer than the maximum are
// dropped. Send never blocks: if the transmit queue is full the frame is
// dropped and counted.
func (m *Modem) Send(data []byte) {
	if len(data) > MaxPayload {
		m.log("tx frame too long (%d)", len(data))
		m.count(func(s *Stats) { s.TxDropped++ })
		return
	}
	n := len(data)
	if n < MinPayload {
		n = MinPayload
	}
	buf := make([]byte, FrameOverhead+n)
	copy(buf[HeaderLen:], data)
	select {
	case m.txChan <- &txFrame{buf: buf, dataLen: n}:
	default:
		m.log("tx queue full, dropping %d byte frame", len(data))
		m.count(func(s *Stats) { s.TxDropped++ })
	}
}

// Stats returns a snapshot of the packet and error counters.
func (m *Modem) Stats() Stats {
	m.Lock()
	defer m.Unlock()
	return m.stats
}

// Sync returns the current link synchronization state.
func (m *Modem) Sync() SyncState {
	m.Lock()
	defer m.Unlock()
	return m.syncState
}

// Ready is a shorthand for Sync() == SyncReady.
func (m *Modem) Ready() bool { return m.Sync() == SyncReady }

// Error returns any persistent error that may have been encountered.
func (m *Modem) Error() error {
	m.Lock()
	defer m.Unlock()
	return m.err
}

// count applies a counter update under the lock.
func (m *Modem) count(f func(*Stats)) {
	m.Lock()
	f(&m.stats)
	m.Unlock()
}

func (m *Modem) setErr(err error) {
	m.Lock()
	if m.err == nil {
		m.err = err
	}
	m.Unlock()
}

func (m *Modem) setSync(s SyncState) {
	m.Lock()
	m.syncState = s
	m.Unlock()
	if s == SyncReady {
		m.readyOnce.Do(func() { close(m.readyChan) })
	}
}

//===== register and burst I/O

// xfer performs one SPI transfer; a bus error is fatal and recorded.
func (m *Modem) xfer(w, r []byte) {
	if m.err != nil {
		return
	}
	if err := m.spi.Tx(w, r); err != nil {
		m.setErr(fmt.Errorf("qca7k: spi: %s", err))
	}
}

// readReg reads one internal 16-bit register and returns its value.
func (m *Modem) readReg(reg uint16) uint16 {
	var w, r [4]byte
	binary.BigEndian.PutUint16(w[:2], SPI_READ|SPI_INTERNAL|reg)
	m.xfer(w[:], r[:])
	return binary.BigEndian.Uint16(r[2:4])
}

// writeReg writes one internal 16-bit register, value big-endian on the wire.
func (m *Modem) writeReg(reg, value uint16) {
	var w, r [4]byte
	binary.BigEndian.PutUint16(w[:2], SPI_WRITE|SPI_INTERNAL|reg)
	binary.BigEndian.PutUint16(w[2:4], value)
	m.xfer(w[:], r[:])
}

// cmd issues a bare command word with no data phase in either direction,
// used for the modem's soft-handshake opcodes.
func (m *Modem) cmd(word uint16) {
	var w, r [2]byte
	binary.BigEndian.PutUint16(w[:], word)
	m.xfer(w[:], r[:])
}

// writeBurst pushes a fully framed envelope into the modem's external
// buffer. The caller has written REG_BFR_SIZE beforehand. It returns the
// payload length, excluding the envelope overhead.
func (m *Modem) writeBurst(buf []byte) int {
	w := make([]byte, 2+len(buf))
	r := make([]byte, 2+len(buf))
	binary.BigEndian.PutUint16(w[:2], SPI_WRITE|SPI_EXTERNAL)
	copy(w[2:], buf)
	m.xfer(w, r)
	return len(buf) - FrameOverhead
}

// readBurst pulls len(dst) bytes out of the modem's external buffer and
// keeps the local count of buffered bytes in step. The original driver had
// separate "blocking" and "burst" reads that did the same thing; one is
// plenty here.
func (m *Modem) readBurst(dst []byte) int {
	m.writeReg(REG_BFR_SIZE, uint16(len(dst)))
	w := make([]byte, 2+len(dst))
	r := make([]byte, 2+len(dst))
	binary.BigEndian.PutUint16(w[:2], SPI_READ|SPI_EXTERNAL)
	m.xfer(w, r)
	copy(dst, r[2:])
	m.rxAvail -= len(dst)
	return len(dst)
}

//===== transmit path

// txBurst writes the envelope around the queued payload and bursts it out.
func (m *Modem) txBurst(t *txFrame) int {
	PutHeader(t.buf, uint16(t.dataLen))
	PutFooter(t.buf[HeaderLen+t.dataLen:])
	m.writeReg(REG_BFR_SIZE, uint16(t.dataLen+FrameOverhead))
	return m.writeBurst(t.buf)
}

// transmit sends at most one frame from the head of the tx queue, provided
// the modem's write buffer has room for it. If it doesn't, the head stays
// queued and -1 is returned; the frame is retried on the next service
// iteration.
func (m *Modem) transmit() int {
	wrbufAvailable := m.readReg(REG_WRBUF_SPC_AVA)

	if len(m.txq) == 0 {
		return 0
	}
	t := m.txq[0]
	if int(wrbufAvailable) < t.dataLen+FrameOverhead {
		m.log("tx deferred, %d bytes of credit for %d byte frame",
			wrbufAvailable, t.dataLen+FrameOverhead)
		return -1
	}
	m.txq = m.txq[1:]

	written := m.txBurst(t)
	m.count(func(s *Stats) {
		s.TxPackets++
		s.TxBytes += uint32(written)
	})
	return 0
}

// flushTxq drops all queued tx frames. This happens when the link has gone
// down: the frames would be stale by the time it recovers.
func (m *Modem) flushTxq() {
	n := len(m.txq)
	m.txq = m.txq[:0]
drain:
	for {
		select {
		case <-m.txChan:
			n++
		default:
			break drain
		}
	}
	if n > 0 {
		m.log("flushed %d tx frames", n)
	}
}

// pumpTxq moves queued Send frames into the service goroutine's queue.
func (m *Modem) pumpTxq() {
	for {
		select {
		case t := <-m.txChan:
			m.txq = append(m.txq, t)
		default:
			return
		}
	}
}

//===== receive path

// feedScratch runs staged header or footer bytes through the decoder.
// Framing errors reset the decoder and are counted; the hunt for the next
// preamble continues with the remaining bytes.
func (m *Modem) feedScratch(b []byte) {
	for _, c := range b {
		if _, err := m.dec.Feed(c, m.rxBuf); err != nil {
			m.log("rx framing: %s", err)
			m.count(func(s *Stats) {
				s.RxErrors++
				s.RxDropped++
			})
		}
	}
}

// receive drains the modem's read buffer through the framing decoder and
// pushes completed frames onto the rx channel. It returns -1 if the modem
// still holds at least as many bytes as the decoder needs for its next step
// (the loop stops with that much left only after an SPI error), 0 otherwise;
// a remainder smaller than that waits for the next interrupt and gives 0.
func (m *Modem) receive() int {
	m.rxAvail = int(m.readReg(REG_RDBUF_BYTE_AVA))

	if m.rxBuf == nil {
		m.rxBuf = make([]byte, MaxPayload)
	}

	for m.err == nil && m.rxAvail >= m.dec.BytesRequired() {
		switch m.dec.NextAction() {
		case FindHeader:
			n := m.dec.BytesRequired()
			m.readBurst(m.scratch[:n])
			m.feedScratch(m.scratch[:n])

		case CopyFrame:
			// Burst the payload straight into the frame buffer.
			n := m.dec.BytesRequired()
			m.dec.Advance(m.readBurst(m.rxBuf[m.dec.offset : m.dec.offset+n]))

		case CheckFooter:
			n := m.dec.BytesRequired()
			m.readBurst(m.scratch[:n])
			m.feedScratch(m.scratch[:n])

		case FrameComplete:
			f := &Frame{Payload: m.rxBuf[:m.dec.length], At: time.Now()}
			m.count(func(s *Stats) {
				s.RxPackets++
				s.RxBytes += uint32(m.dec.length)
			})
			select {
			case m.rxChan <- f:
			default:
				m.log("rx queue full, dropping %d byte frame", m.dec.length)
				m.count(func(s *Stats) { s.RxDropped++ })
			}
			// The frame owns its buffer now, start a fresh one.
			m.rxBuf = make([]byte, MaxPayload)
			m.dec.Reset()
		}
	}

	if m.rxAvail >= m.dec.BytesRequired() {
		m.log("could not receive all frames, %d bytes left", m.rxAvail)
		return -1
	}
	return 0
}

//===== sync state machine

// qca7kSync drives the link synchronization state machine. An event other
// than the update pseudo-event overrides the current state. The machine then
// runs until it either reaches ready or has initiated a reset and needs to
// hand control back to the service loop so the CPU_ON interrupt can be
// observed.
func (m *Modem) qca7kSync(event SyncState) {
	if event != syncUpdate {
		m.setSync(event)
	}

	for m.err == nil {
		switch m.syncState {
		case SyncCPUOn:
			// Read the signature twice: the first read after the
			// modem boots can be garbage.
			m.readReg(REG_SIGNATURE)
			if m.readReg(REG_SIGNATURE) != GOOD_SIGNATURE {
				m.setSync(SyncHardReset)
				break
			}
			// The write buffer must be completely empty before
			// the link counts as up.
			if m.readReg(REG_WRBUF_SPC_AVA) != HW_BUF_LEN {
				m.setSync(SyncSoftReset)
				break
			}
			m.log("sync: ready")
			m.setSync(SyncReady)
			return

		case SyncUnknown, SyncReset:
			if m.readReg(REG_SIGNATURE) == GOOD_SIGNATURE {
				m.setSync(SyncSoftReset)
			} else {
				m.setSync(SyncHardReset)
			}

		case SyncSoftReset:
			m.log("sync: soft reset")
			config := m.readReg(REG_SPI_CONFIG)
			m.writeReg(REG_SPI_CONFIG, config|SLAVE_RESET_BIT)
			m.resetCount = 0
			m.setSync(SyncWaitReset)
			return

		case SyncHardReset:
			m.log("sync: hard reset")
			if m.driveReset && m.resetPin != nil {
				m.resetPin.Out(gpio.Low)
			}
			time.Sleep(100 * time.Millisecond)
			if m.driveReset && m.resetPin != nil {
				m.resetPin.Out(gpio.High)
			}
			m.resetCount = 0
			m.setSync(SyncWaitReset)
			return

		case SyncWaitReset:
			// Awaiting the CPU_ON interrupt; one count per sync
			// poll. If it never comes, start over.
			m.resetCount++
			if m.resetCount < resetTimeout {
				return
			}
			m.log("sync: reset timed out, retrying")
			m.setSync(SyncReset)

		default: // SyncReady
			if m.readReg(REG_SIGNATURE) == GOOD_SIGNATURE {
				return
			}
			m.log("sync: lost signature")
			m.setSync(SyncHardReset)
		}
	}
}

//===== service loop

// startIntrHandling masks the modem's interrupts and returns the pending
// causes.
func (m *Modem) startIntrHandling() uint16 {
	m.writeReg(REG_INTR_ENABLE, 0)
	return m.readReg(REG_INTR_CAUSE)
}

// endIntrHandling acknowledges the handled causes and unmasks the sources
// the driver cares about.
func (m *Modem) endIntrHandling(cause uint16) {
	m.writeReg(REG_INTR_CAUSE, cause)
	m.writeReg(REG_INTR_ENABLE, INT_CPU_ON|INT_PKT_AVLBL|INT_RDBUF_ERR|INT_WRBUF_ERR)
}

// handleIntr services one modem interrupt. On the error paths the causes
// remain masked; the subsequent re-sync brings the modem back up with a
// clean slate.
func (m *Modem) handleIntr() {
	m.intrCnt++
	cause := m.startIntrHandling()

	if cause&INT_CPU_ON != 0 {
		m.log("modem cpu on")
		m.qca7kSync(SyncCPUOn)
		m.count(func(s *Stats) { s.DeviceReset++ })
		if m.syncState != SyncReady {
			return
		}
	}

	if cause&INT_RDBUF_ERR != 0 {
		m.log("read buffer error")
		m.count(func(s *Stats) { s.ReadBufErr++ })
		m.qca7kSync(SyncReset)
		return
	}

	if cause&INT_WRBUF_ERR != 0 {
		m.log("write buffer error")
		m.count(func(s *Stats) { s.WriteBufErr++ })
		m.qca7kSync(SyncReset)
		return
	}

	if m.syncState == SyncReady && cause&INT_PKT_AVLBL != 0 {
		m.receive()
	}

	m.endIntrHandling(cause)
}

// worker is the service goroutine: the only place SPI transfers happen. Each
// iteration waits for an interrupt, a transmit request, or the sync check
// timeout, then processes receive before transmit so that a full read buffer
// never waits behind queued tx frames.
func (m *Modem) worker() {
	for m.Error() == nil {
		period := lowCheckTime
		if m.syncState == SyncReady {
			period = highCheckTime
		}

		select {
		case <-m.intrChan:
			m.handleIntr()

		case t := <-m.txChan:
			m.txq = append(m.txq, t)

		case <-time.After(period):
			m.qca7kSync(syncUpdate)
			if m.syncState != SyncReady {
				m.log("sync update failed, state %s", m.syncState)
				m.flushTxq()
				continue
			}
		}

		m.pumpTxq()
		if m.syncState == SyncReady && len(m.txq) > 0 {
			m.transmit()
		}
	}

	m.log("service goroutine exiting: %s", m.Error())
	// Signal to clients that something is amiss.
	close(m.rxChan)
	m.intrPin.In(gpio.PullNoChange, gpio.NoEdge)
}

// intrLoop converts interrupt pin edges into notifications for the worker.
// It posts a single token and returns to waiting; all real work runs in the
// worker. Modeled after the hardware ISR, which only sets a notification
// bit.
func (m *Modem) intrLoop() {
	notify := func() {
		select {
		case m.intrChan <- struct{}{}:
		default:
		}
	}
	// Make sure we're not missing an initial edge due to a race condition.
	if m.intrPin.Read() == gpio.High {
		notify()
	}
	for m.Error() == nil {
		if m.intrPin.WaitForEdge(time.Second) {
			if m.intrPin.Read() == gpio.High {
				notify()
			}
		} else if m.intrPin.Read() == gpio.High {
			// WaitForEdge can time out with the pin active when
			// the edge was dropped by the kernel; don't get stuck.
			notify()
		}
	}
	m.log("interrupt goroutine exiting")
}
