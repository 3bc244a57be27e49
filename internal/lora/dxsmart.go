package lora

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/at"
	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/recovery"
)

// Lifecycle states.
const (
	StateUninitialized = "uninitialized"
	StateInitializing  = "initializing"
	StateInitiated     = "initiated"
	StateStarting      = "starting"
	StateStarted       = "started"
	StateStopping      = "stopping"
	StateStopped       = "stopped"
	StateError         = "error"
)

// Lifecycle events.
const (
	evInit      = "init"
	evInitiated = "initiated"
	evStart     = "start"
	evStarted   = "started"
	evStop      = "stop"
	evStopped   = "stopped"
	evFail      = "fail"
)

// pollIn is the #XPOLL flag bit signalling readable data.
const pollIn = 0x01

// ATMode tracks whether the module is in AT command mode or transparent mode.
type ATMode int32

const (
	ATModeOff ATMode = iota
	ATModeOn
	ATModeUnknown
)

func (m ATMode) String() string {
	switch m {
	case ATModeOff:
		return "off"
	case ATModeOn:
		return "on"
	case ATModeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("at_mode(%d)", int32(m))
	}
}

type timeouts struct {
	normal  time.Duration
	slow    time.Duration
	connect time.Duration
}

var defaultTimeouts = timeouts{
	normal:  time.Second,
	slow:    2 * time.Second,
	connect: 10 * time.Second,
}

type poller struct {
	listener *at.Listener
	stop     chan struct{}
	done     chan struct{}
}

// DxSmartLR02 drives a DX-Smart LR02 module. Operations are queued and run
// one at a time; configuration commands are bracketed by entering and
// leaving AT mode.
type DxSmartLR02 struct {
	settings  Settings
	at        *at.Support
	queue     *action.Queue
	lifecycle *fsm.FSM
	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeouts  timeouts
	data      event.Event[Packet]
	ready     *action.Action[struct{}]

	mu          sync.Mutex
	atMode      ATMode
	conns       map[ConnectionIndex]struct{}
	pollPending bool
	poller      *poller
	closed      bool
}

// NewDxSmartLR02 creates the driver and queues module initialization.
func NewDxSmartLR02(link io.ReadWriter, settings Settings, logger *slog.Logger, m *metrics.Metrics) *DxSmartLR02 {
	return newDxSmartLR02(link, settings, logger, m, defaultTimeouts)
}

func newDxSmartLR02(link io.ReadWriter, settings Settings, logger *slog.Logger, m *metrics.Metrics, t timeouts) *DxSmartLR02 {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultSettings().PollInterval
	}
	d := &DxSmartLR02{
		settings: settings,
		logger:   logging.Component(logger, "lora"),
		metrics:  m,
		timeouts: t,
		atMode:   ATModeOff,
		conns:    make(map[ConnectionIndex]struct{}),
	}
	d.at = at.New(link, d.logger)
	d.queue = action.NewQueue(d.logger)
	d.queue.SetDepthHook(m.SetQueueDepth)
	d.lifecycle = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: evInit, Src: []string{StateUninitialized}, Dst: StateInitializing},
			{Name: evInitiated, Src: []string{StateInitializing}, Dst: StateInitiated},
			{Name: evStart, Src: []string{StateInitiated, StateStopped, StateError}, Dst: StateStarting},
			{Name: evStarted, Src: []string{StateStarting}, Dst: StateStarted},
			{Name: evStop, Src: []string{StateInitiated, StateStarted, StateStopped, StateError}, Dst: StateStopping},
			{Name: evStopped, Src: []string{StateStopping}, Dst: StateStopped},
			{Name: evFail, Src: []string{StateInitializing, StateStarting, StateStopping}, Dst: StateError},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.logger.Debug("modem state changed", "from", e.Src, logging.KeyState, e.Dst)
			},
		},
	)
	d.ready = action.Enqueue(d.queue, "init", d.initialize)
	return d
}

// Ready completes when the queued initialization finishes.
func (d *DxSmartLR02) Ready() *action.Action[struct{}] {
	return d.ready
}

// State returns the lifecycle state.
func (d *DxSmartLR02) State() string {
	return d.lifecycle.Current()
}

// ATMode returns the tracked AT mode.
func (d *DxSmartLR02) ATMode() ATMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.atMode
}

// Settings returns the settings the driver was created with.
func (d *DxSmartLR02) Settings() Settings {
	return d.settings
}

// Connections returns the open connection handles in ascending order.
func (d *DxSmartLR02) Connections() []ConnectionIndex {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectionsLocked()
}

// DataEvent emits packets received on open connections.
func (d *DxSmartLR02) DataEvent() event.Source[Packet] {
	return &d.data
}

func (d *DxSmartLR02) initialize(ctx context.Context) (struct{}, error) {
	if err := d.transition(ctx, evInit); err != nil {
		return struct{}{}, err
	}
	serialCmds, err := d.settings.Serial.Commands()
	if err != nil {
		d.fail(ctx)
		return struct{}{}, err
	}

	stages := []action.Stage{d.enterAT(), d.command("AT", d.timeouts.normal)}
	stages = append(stages, d.commands(serialCmds...)...)
	stages = append(stages, d.commands(d.settings.PSP.Commands()...)...)
	stages = append(stages, d.commands(
		addressCommand(d.settings.Address),
		channelCommand(d.settings.Channel),
		flagCommand("AT+CRC", d.settings.CRCCheck),
		flagCommand("AT+IQ", d.settings.IQSignalInversion),
	)...)
	stages = append(stages, d.exitAT())
	return struct{}{}, d.runLifecycle(ctx, "init", evInitiated, stages...)
}

// Start brings the module online and begins polling open connections.
// Starting a started module succeeds without touching the link.
func (d *DxSmartLR02) Start() *action.Action[struct{}] {
	return action.Enqueue(d.queue, "start", func(ctx context.Context) (struct{}, error) {
		if d.lifecycle.Is(StateStarted) {
			return struct{}{}, nil
		}
		if err := d.transition(ctx, evStart); err != nil {
			return struct{}{}, err
		}
		if err := d.runLifecycle(ctx, "start", evStarted, d.enterAT(), d.exitAT()); err != nil {
			return struct{}{}, err
		}
		d.startPoller()
		return struct{}{}, nil
	})
}

// Stop resets the module. Open connections are forgotten.
func (d *DxSmartLR02) Stop() *action.Action[struct{}] {
	return action.Enqueue(d.queue, "stop", func(ctx context.Context) (struct{}, error) {
		d.stopPoller()
		if err := d.transition(ctx, evStop); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, d.runLifecycle(ctx, "stop", evStopped,
			d.enterAT(),
			d.command("AT+RESET", d.timeouts.slow),
			d.exitAT(),
			action.Local("clear_connections", d.clearConnections),
		)
	})
}

// SetPowerSaveParam applies radio parameters.
func (d *DxSmartLR02) SetPowerSaveParam(psp PowerSaveParam) *action.Action[struct{}] {
	return d.configure("set_power_save_param", psp.Commands()...)
}

// SetAddress sets the module address.
func (d *DxSmartLR02) SetAddress(addr uint16) *action.Action[struct{}] {
	return d.configure("set_address", addressCommand(addr))
}

// SetChannel sets the radio channel. Channels above MaxChannel are rejected
// without queueing.
func (d *DxSmartLR02) SetChannel(ch uint8) *action.Action[struct{}] {
	if ch > MaxChannel {
		return action.Failed[struct{}](ErrChannelOutOfRange)
	}
	return d.configure("set_channel", channelCommand(ch))
}

// SetCRCCheck enables or disables payload CRC checking.
func (d *DxSmartLR02) SetCRCCheck(on bool) *action.Action[struct{}] {
	return d.configure("set_crc_check", flagCommand("AT+CRC", on))
}

// SetIQSignalInversion enables or disables IQ inversion.
func (d *DxSmartLR02) SetIQSignalInversion(on bool) *action.Action[struct{}] {
	return d.configure("set_iq_inversion", flagCommand("AT+IQ", on))
}

// PowerOff is not available on this module.
func (d *DxSmartLR02) PowerOff() *action.Action[struct{}] {
	return action.Failed[struct{}](ErrNotSupported)
}

// OpenNetwork opens a socket to host:port and returns its handle.
func (d *DxSmartLR02) OpenNetwork(proto protocol.Protocol, host string, port uint16) *action.Action[ConnectionIndex] {
	var sockType int
	switch proto {
	case protocol.ProtocolTCP:
		sockType = 1
	case protocol.ProtocolUDP:
		sockType = 2
	default:
		return action.Failed[ConnectionIndex](fmt.Errorf("%w: %s", ErrUnsupportedProtocol, proto))
	}

	return action.Enqueue(d.queue, "open_network", func(ctx context.Context) (ConnectionIndex, error) {
		conn := InvalidConnection
		err := d.run(ctx, "open_network",
			action.Stage{Name: "socket", Run: func(ctx context.Context) error {
				lines, err := d.exchange(ctx, fmt.Sprintf("AT#XSOCKET=1,%d,0", sockType), at.WaitFor("OK", d.timeouts.slow))
				if err != nil {
					return err
				}
				conn, err = parseHandle(lines, "#XSOCKET")
				return err
			}},
			action.Stage{Name: "connect", Run: func(ctx context.Context) error {
				cmd := fmt.Sprintf(`AT#XCONNECT=%d,"%s",%d`, conn, host, port)
				lines, err := d.exchange(ctx, cmd, at.WaitFor("OK", d.timeouts.connect))
				if err != nil {
					return err
				}
				line, ok := at.Find(lines, "#XCONNECT")
				if !ok {
					return fmt.Errorf("lora: no connect status for connection %d", conn)
				}
				fields, err := at.ParseResponse(line, "#XCONNECT")
				if err != nil {
					return err
				}
				if len(fields) == 0 || fields[len(fields)-1] != "1" {
					return fmt.Errorf("lora: connect to %s:%d refused: %s", host, port, line)
				}
				return nil
			}},
			action.Local("register", func() { d.addConnection(conn) }),
		)
		if err != nil {
			if conn != InvalidConnection {
				d.closeSocket(context.WithoutCancel(ctx), conn)
			}
			return InvalidConnection, err
		}
		d.logger.Info("modem connection opened",
			logging.KeyConnIdx, conn,
			logging.KeyTransport, proto.String(),
			logging.KeyAddress, fmt.Sprintf("%s:%d", host, port))
		return conn, nil
	})
}

// CloseNetwork closes an open connection.
func (d *DxSmartLR02) CloseNetwork(conn ConnectionIndex) *action.Action[struct{}] {
	return action.Enqueue(d.queue, "close_network", func(ctx context.Context) (struct{}, error) {
		if !d.hasConnection(conn) {
			return struct{}{}, fmt.Errorf("%w: %d", ErrUnknownConnection, conn)
		}
		err := d.run(ctx, "close_network", d.command(fmt.Sprintf("AT#XCLOSE=%d", conn), d.timeouts.slow))
		d.removeConnection(conn)
		return struct{}{}, err
	})
}

// WritePacket sends data on an open connection.
func (d *DxSmartLR02) WritePacket(conn ConnectionIndex, data []byte) *action.Action[struct{}] {
	if len(data) > MTU {
		return action.Failed[struct{}](ErrPacketTooLarge)
	}
	payload := hex.EncodeToString(data)
	return action.Enqueue(d.queue, "write_packet", func(ctx context.Context) (struct{}, error) {
		if !d.hasConnection(conn) {
			return struct{}{}, fmt.Errorf("%w: %d", ErrUnknownConnection, conn)
		}
		cmd := fmt.Sprintf(`AT#XSEND=%d,"%s"`, conn, payload)
		if err := d.run(ctx, "write_packet", d.command(cmd, d.timeouts.slow)); err != nil {
			return struct{}{}, err
		}
		d.metrics.RecordLoRaPacket("out")
		return struct{}{}, nil
	})
}

// Close stops polling, fails queued operations and closes the link.
func (d *DxSmartLR02) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stopPoller()
	err := d.at.Close()
	d.queue.Close()
	return err
}

// configure runs cmds inside AT mode.
func (d *DxSmartLR02) configure(name string, cmds ...string) *action.Action[struct{}] {
	return action.Enqueue(d.queue, name, func(ctx context.Context) (struct{}, error) {
		stages := []action.Stage{d.enterAT()}
		stages = append(stages, d.commands(cmds...)...)
		stages = append(stages, d.exitAT())
		return struct{}{}, d.run(ctx, name, stages...)
	})
}

// run executes stages as one pipeline. When a failure leaves the module
// outside transparent mode, ExitAT is attempted before returning.
func (d *DxSmartLR02) run(ctx context.Context, name string, stages ...action.Stage) error {
	err := action.NewPipeline(name, stages...).Run(ctx)
	if err == nil {
		return nil
	}
	d.logger.Warn("modem operation failed", "operation", name, logging.KeyError, err)
	if d.ATMode() != ATModeOff {
		if xerr := d.exitAT().Run(context.WithoutCancel(ctx)); xerr != nil {
			d.logger.Debug("leaving AT mode after failure", logging.KeyError, xerr)
		}
	}
	return err
}

// runLifecycle runs stages and then fires done. A failure moves the
// lifecycle to error.
func (d *DxSmartLR02) runLifecycle(ctx context.Context, name, done string, stages ...action.Stage) error {
	stages = append(stages, action.Stage{
		Name: "mark_" + done,
		Run:  func(ctx context.Context) error { return d.transition(ctx, done) },
	})
	if err := d.run(ctx, name, stages...); err != nil {
		d.fail(ctx)
		return err
	}
	return nil
}

func (d *DxSmartLR02) transition(ctx context.Context, ev string) error {
	if err := d.lifecycle.Event(ctx, ev); err != nil {
		return fmt.Errorf("lora: %s from state %s: %w", ev, d.lifecycle.Current(), err)
	}
	return nil
}

func (d *DxSmartLR02) fail(ctx context.Context) {
	if d.lifecycle.Can(evFail) {
		_ = d.lifecycle.Event(context.WithoutCancel(ctx), evFail)
	}
}

func (d *DxSmartLR02) enterAT() action.Stage {
	return action.Stage{Name: "enter_at", Run: func(ctx context.Context) error {
		switch d.ATMode() {
		case ATModeOn:
			return nil
		case ATModeUnknown:
			if d.probe(ctx) {
				d.setATMode(ATModeOn)
				return nil
			}
		}
		if _, err := d.exchange(ctx, "+++", at.WaitFor("Entry AT", d.timeouts.normal)); err != nil {
			d.desync("enter", err)
			return err
		}
		d.setATMode(ATModeOn)
		return nil
	}}
}

func (d *DxSmartLR02) exitAT() action.Stage {
	return action.Stage{Name: "exit_at", Run: func(ctx context.Context) error {
		switch d.ATMode() {
		case ATModeOff:
			return nil
		case ATModeUnknown:
			if !d.probe(ctx) {
				d.setATMode(ATModeOff)
				return nil
			}
		}
		_, err := d.exchange(ctx, "+++",
			at.WaitFor("Exit AT", d.timeouts.normal),
			at.WaitFor("Power on", d.timeouts.normal))
		if err != nil {
			d.desync("exit", err)
			return err
		}
		d.setATMode(ATModeOff)
		return nil
	}}
}

// probe reports whether the module answers AT, which it only does in AT mode.
func (d *DxSmartLR02) probe(ctx context.Context) bool {
	_, err := d.exchange(ctx, "AT", at.WaitFor("OK", d.timeouts.normal))
	return err == nil
}

func (d *DxSmartLR02) desync(phase string, err error) {
	d.setATMode(ATModeUnknown)
	d.metrics.RecordATModeResync()
	d.logger.Warn("AT mode out of sync, resyncing on next command", "phase", phase, logging.KeyError, err)
}

func (d *DxSmartLR02) setATMode(m ATMode) {
	d.mu.Lock()
	d.atMode = m
	d.mu.Unlock()
}

func (d *DxSmartLR02) command(cmd string, timeout time.Duration) action.Stage {
	return action.Stage{Name: cmd, Run: func(ctx context.Context) error {
		_, err := d.exchange(ctx, cmd, at.WaitFor("OK", timeout))
		return err
	}}
}

func (d *DxSmartLR02) commands(cmds ...string) []action.Stage {
	stages := make([]action.Stage, 0, len(cmds))
	for _, cmd := range cmds {
		stages = append(stages, d.command(cmd, d.timeouts.normal))
	}
	return stages
}

func (d *DxSmartLR02) exchange(ctx context.Context, cmd string, waits ...at.Wait) ([]string, error) {
	start := time.Now()
	lines, err := d.at.Request(ctx, cmd, waits...)
	result := "ok"
	switch {
	case errors.Is(err, at.ErrTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	d.metrics.RecordATCommand(result, time.Since(start).Seconds())
	d.logger.Debug("at exchange", logging.KeyCommand, cmd, "result", result)
	return lines, err
}

func (d *DxSmartLR02) closeSocket(ctx context.Context, conn ConnectionIndex) {
	if _, err := d.exchange(ctx, fmt.Sprintf("AT#XCLOSE=%d", conn), at.WaitFor("OK", d.timeouts.slow)); err != nil {
		d.logger.Debug("closing half-open socket", logging.KeyConnIdx, conn, logging.KeyError, err)
	}
}

func (d *DxSmartLR02) addConnection(conn ConnectionIndex) {
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	n := len(d.conns)
	d.mu.Unlock()
	d.metrics.SetLoRaConnections(n)
}

func (d *DxSmartLR02) removeConnection(conn ConnectionIndex) {
	d.mu.Lock()
	delete(d.conns, conn)
	n := len(d.conns)
	d.mu.Unlock()
	d.metrics.SetLoRaConnections(n)
}

func (d *DxSmartLR02) clearConnections() {
	d.mu.Lock()
	clear(d.conns)
	d.mu.Unlock()
	d.metrics.SetLoRaConnections(0)
}

func (d *DxSmartLR02) hasConnection(conn ConnectionIndex) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.conns[conn]
	return ok
}

func (d *DxSmartLR02) connectionsLocked() []ConnectionIndex {
	out := make([]ConnectionIndex, 0, len(d.conns))
	for c := range d.conns {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// parseIndex parses a modem connection handle, 0 to 127.
func parseIndex(s string) (ConnectionIndex, bool) {
	h, err := strconv.Atoi(s)
	if err != nil || h < 0 || h > 127 {
		return InvalidConnection, false
	}
	return ConnectionIndex(h), true
}

func parseHandle(lines []string, prefix string) (ConnectionIndex, error) {
	line, ok := at.Find(lines, prefix)
	if !ok {
		return InvalidConnection, fmt.Errorf("lora: missing %s response", prefix)
	}
	fields, err := at.ParseResponse(line, prefix)
	if err != nil {
		return InvalidConnection, err
	}
	if len(fields) == 0 {
		return InvalidConnection, fmt.Errorf("lora: empty %s response", prefix)
	}
	conn, ok := parseIndex(fields[0])
	if !ok {
		return InvalidConnection, fmt.Errorf("lora: invalid handle in %q", line)
	}
	return conn, nil
}

func pollCommand(conns []ConnectionIndex) string {
	var b strings.Builder
	b.WriteString("AT#XPOLL=0")
	for _, c := range conns {
		fmt.Fprintf(&b, ",%d", c)
	}
	return b.String()
}

func (d *DxSmartLR02) startPoller() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.poller != nil || d.closed {
		return
	}
	p := &poller{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	p.listener = d.at.Listen("#XPOLL:", d.onPoll)
	d.poller = p
	go d.pollLoop(p)
}

func (d *DxSmartLR02) stopPoller() {
	d.mu.Lock()
	p := d.poller
	d.poller = nil
	d.mu.Unlock()
	if p == nil {
		return
	}
	p.listener.Remove()
	close(p.stop)
	<-p.done
}

func (d *DxSmartLR02) pollLoop(p *poller) {
	defer close(p.done)
	defer recovery.RecoverWithLog(d.logger, "lora.pollLoop")

	ticker := time.NewTicker(d.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			d.schedulePoll()
		}
	}
}

// schedulePoll queues a poll unless one is already waiting or nothing is open.
func (d *DxSmartLR02) schedulePoll() {
	d.mu.Lock()
	if d.pollPending || len(d.conns) == 0 {
		d.mu.Unlock()
		return
	}
	d.pollPending = true
	d.mu.Unlock()

	action.Enqueue(d.queue, "poll", func(ctx context.Context) (struct{}, error) {
		defer func() {
			d.mu.Lock()
			d.pollPending = false
			d.mu.Unlock()
		}()
		conns := d.Connections()
		if len(conns) == 0 {
			return struct{}{}, nil
		}
		return struct{}{}, d.run(ctx, "poll", d.command(pollCommand(conns), d.timeouts.normal))
	})
}

// onPoll handles "#XPOLL: <handle>,<flags>". It runs on the link reader.
func (d *DxSmartLR02) onPoll(line string) {
	fields, err := at.ParseResponse(line, "#XPOLL")
	if err != nil || len(fields) < 2 {
		d.logger.Warn("malformed poll result", "line", line)
		return
	}
	conn, ok := parseIndex(fields[0])
	if !ok {
		d.logger.Warn("malformed poll handle", "line", line)
		return
	}
	flags, err := strconv.ParseUint(fields[1], 0, 32)
	if err != nil {
		d.logger.Warn("malformed poll flags", "line", line)
		return
	}
	if !d.hasConnection(conn) {
		d.logger.Warn("poll result for unknown connection", logging.KeyConnIdx, conn)
		return
	}
	if flags&pollIn == 0 {
		return
	}
	d.readPacket(conn)
}

func (d *DxSmartLR02) readPacket(conn ConnectionIndex) {
	action.Enqueue(d.queue, "read_packet", func(ctx context.Context) (struct{}, error) {
		if !d.hasConnection(conn) {
			return struct{}{}, fmt.Errorf("%w: %d", ErrUnknownConnection, conn)
		}
		var pkt Packet
		err := d.run(ctx, "read_packet", action.Stage{Name: "recv", Run: func(ctx context.Context) error {
			lines, err := d.exchange(ctx, fmt.Sprintf("AT#XRECV=%d", conn), at.WaitFor("OK", d.timeouts.slow))
			if err != nil {
				return err
			}
			pkt, err = parseRecv(lines, conn)
			return err
		}})
		if err != nil {
			return struct{}{}, err
		}
		d.metrics.RecordLoRaPacket("in")
		d.logger.Debug("modem packet received", logging.KeyConnIdx, conn, logging.KeyBytes, len(pkt.Data))
		d.data.Emit(pkt)
		return struct{}{}, nil
	})
}

func parseRecv(lines []string, conn ConnectionIndex) (Packet, error) {
	line, ok := at.Find(lines, "#XRECV")
	if !ok {
		return Packet{}, errors.New("lora: missing #XRECV response")
	}
	fields, err := at.ParseResponse(line, "#XRECV")
	if err != nil {
		return Packet{}, err
	}
	if len(fields) < 2 {
		return Packet{}, fmt.Errorf("lora: malformed receive %q", line)
	}
	if h, ok := parseIndex(fields[0]); !ok || h != conn {
		return Packet{}, fmt.Errorf("lora: receive for unexpected handle %q", line)
	}
	data, err := hex.DecodeString(fields[1])
	if err != nil {
		return Packet{}, fmt.Errorf("lora: receive payload: %w", err)
	}
	return Packet{Conn: conn, Data: data}, nil
}
