// Package punch implements UDP hole punching between two peers that have
// exchanged connection codes.
//
// Machine is a pure state machine: it never touches a socket or a clock. The
// caller feeds it timer ticks and inbound datagrams and drains the resulting
// actions with Poll. Driver is the socket-owning loop that does exactly that.
package punch

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/postalsys/portal/internal/code"
	"github.com/postalsys/portal/internal/crypto"
)

// ErrTimeout is reported when no path is confirmed before the deadline.
var ErrTimeout = errors.New("hole punching timed out")

// Default timing.
const (
	DefaultInterval = 1500 * time.Millisecond
	DefaultTimeout  = 20 * time.Second
)

// State is the punch progress of one peer.
type State int

const (
	StateIdle State = iota
	StateAwaitingPeerCode
	StatePunching
	StateVerifying
	StateEstablished
	StateFailed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingPeerCode:
		return "AWAITING_PEER_CODE"
	case StatePunching:
		return "PUNCHING"
	case StateVerifying:
		return "VERIFYING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Config holds punch timing.
type Config struct {
	// Interval between probe rounds.
	Interval time.Duration

	// Timeout bounds Punching and Verifying, counted from SetRemote.
	Timeout time.Duration

	// AwaitTimeout bounds AwaitingPeerCode. Zero waits for the operator forever.
	AwaitTimeout time.Duration

	// Rand is the nonce source. Defaults to crypto/rand.
	Rand io.Reader
}

// DefaultConfig returns the default punch timing.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
	}
}

// Action is an instruction for the caller. It is one of Send, Wait,
// Established or Failed.
type Action interface {
	isAction()
}

// Send asks the caller to write Payload to To.
type Send struct {
	To      netip.AddrPort
	Payload []byte
}

// Wait means there is nothing to do until Until, or until a datagram arrives.
// A zero Until means no timer is pending.
type Wait struct {
	Until time.Time
}

// Established reports the confirmed remote endpoint.
type Established struct {
	Remote netip.AddrPort
}

// Failed reports a terminal error.
type Failed struct {
	Err error
}

func (Send) isAction()        {}
func (Wait) isAction()        {}
func (Established) isAction() {}
func (Failed) isAction()      {}

// pending is a probe or confirm still waiting for its ack.
type pending struct {
	to   netip.AddrPort
	kind Kind
}

// Machine is one peer's side of a punch attempt.
type Machine struct {
	cfg    Config
	local  *code.ConnectionCode
	remote *code.ConnectionCode
	key    crypto.Key

	state    State
	started  time.Time
	deadline time.Time
	nextTick time.Time

	targets    []netip.AddrPort
	probesSent map[netip.AddrPort]int
	inFlight   map[Nonce]pending
	confirmed  netip.AddrPort

	queue []Action
}

// NewMachine creates a machine for the local code. It starts Idle.
func NewMachine(local *code.ConnectionCode, cfg Config, now time.Time) *Machine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Machine{
		cfg:        cfg,
		local:      local,
		state:      StateIdle,
		started:    now,
		probesSent: make(map[netip.AddrPort]int),
		inFlight:   make(map[Nonce]pending),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Remote returns the confirmed endpoint, valid once Verifying.
func (m *Machine) Remote() netip.AddrPort {
	return m.confirmed
}

// ProbesSent returns how many probes went to addr.
func (m *Machine) ProbesSent(addr netip.AddrPort) int {
	return m.probesSent[addr]
}

// Controlling reports whether the local side wins path disagreements and
// opens the control stream afterwards.
func (m *Machine) Controlling() bool {
	return m.remote != nil && m.local.Less(m.remote)
}

// Await marks the local code as displayed; the machine now waits for the
// peer's code.
func (m *Machine) Await(now time.Time) {
	if m.state != StateIdle {
		return
	}
	m.state = StateAwaitingPeerCode
	if m.cfg.AwaitTimeout > 0 {
		m.deadline = now.Add(m.cfg.AwaitTimeout)
	}
}

// SetRemote supplies the peer's code and starts punching immediately.
func (m *Machine) SetRemote(remote *code.ConnectionCode, now time.Time) error {
	if m.state != StateIdle && m.state != StateAwaitingPeerCode {
		return fmt.Errorf("cannot set remote code in state %s", m.state)
	}
	if remote.SessionID == m.local.SessionID {
		return fmt.Errorf("remote code is the local code")
	}
	if len(remote.Candidates) == 0 {
		return fmt.Errorf("%w: no candidates", code.ErrMalformedCode)
	}

	m.remote = remote
	m.key = SessionKey(m.local, remote)
	m.targets = append([]netip.AddrPort(nil), remote.Candidates...)
	m.state = StatePunching
	m.started = now
	m.deadline = now.Add(m.cfg.Timeout)
	m.nextTick = now
	m.Tick(now)
	return nil
}

// Tick advances timers: it fails an expired attempt, and sends the next probe
// round (Punching) or confirm (Verifying) when the interval has elapsed.
func (m *Machine) Tick(now time.Time) {
	switch m.state {
	case StateAwaitingPeerCode, StatePunching, StateVerifying:
	default:
		return
	}

	if !m.deadline.IsZero() && !now.Before(m.deadline) {
		m.fail(ErrTimeout)
		return
	}
	if m.state == StateAwaitingPeerCode || now.Before(m.nextTick) {
		return
	}
	m.nextTick = now.Add(m.cfg.Interval)

	if m.state == StatePunching {
		for _, to := range m.targets {
			m.send(to, KindProbe)
		}
		return
	}
	m.send(m.confirmed, KindConfirm)
}

// Receive handles one inbound datagram from from. Datagrams that do not
// authenticate as the peer's are ignored.
func (m *Machine) Receive(from netip.AddrPort, payload []byte, now time.Time) {
	if m.remote == nil || m.state == StateFailed {
		return
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	p, err := ParsePacket(m.key, payload)
	if err != nil || p.Sender != m.remote.SessionID {
		return
	}

	m.Tick(now)
	if m.state == StateFailed {
		return
	}

	switch p.Kind {
	case KindProbe:
		m.reply(from, p.Nonce)
		if m.state == StatePunching {
			m.addTarget(from)
		}

	case KindConfirm:
		m.reply(from, p.Nonce)
		switch {
		case m.state == StatePunching:
			m.establish(from)
		case m.state == StateVerifying && from == m.confirmed:
			m.establish(from)
		case m.state == StateVerifying && !m.Controlling():
			// The peer nominated a different path and it controls.
			m.establish(from)
		}

	case KindAck:
		req, ok := m.inFlight[p.Nonce]
		if !ok || req.to != from {
			return
		}
		delete(m.inFlight, p.Nonce)

		switch m.state {
		case StatePunching:
			m.verify(from, now)
		case StateVerifying:
			if req.kind == KindConfirm && from == m.confirmed {
				m.establish(from)
			}
		}
	}
}

// Poll returns the next action. It returns Wait when the queue is empty.
func (m *Machine) Poll() Action {
	if len(m.queue) == 0 {
		return Wait{Until: m.NextDeadline()}
	}
	a := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return a
}

// NextDeadline returns when Tick should next be called, or the zero time.
func (m *Machine) NextDeadline() time.Time {
	switch m.state {
	case StateAwaitingPeerCode:
		return m.deadline
	case StatePunching, StateVerifying:
		if m.nextTick.Before(m.deadline) {
			return m.nextTick
		}
		return m.deadline
	default:
		return time.Time{}
	}
}

// verify records the first round-tripped endpoint and cancels probes to the
// other candidates.
func (m *Machine) verify(to netip.AddrPort, now time.Time) {
	m.state = StateVerifying
	m.confirmed = to
	for n, req := range m.inFlight {
		if req.to != to {
			delete(m.inFlight, n)
		}
	}
	m.dropQueuedSends(func(s Send) bool { return s.To != to })
	m.nextTick = now.Add(m.cfg.Interval)
	m.send(to, KindConfirm)
}

func (m *Machine) establish(to netip.AddrPort) {
	m.state = StateEstablished
	m.confirmed = to
	clear(m.inFlight)
	m.queue = append(m.queue, Established{Remote: to})
}

func (m *Machine) fail(err error) {
	m.state = StateFailed
	clear(m.inFlight)
	m.dropQueuedSends(func(Send) bool { return true })
	m.queue = append(m.queue, Failed{Err: err})
}

func (m *Machine) send(to netip.AddrPort, kind Kind) {
	if m.state == StateFailed {
		return
	}
	var nonce Nonce
	if _, err := io.ReadFull(m.cfg.Rand, nonce[:]); err != nil {
		m.fail(fmt.Errorf("generate nonce: %w", err))
		return
	}
	m.inFlight[nonce] = pending{to: to, kind: kind}
	if kind == KindProbe {
		m.probesSent[to]++
	}
	m.enqueue(to, Packet{Kind: kind, Sender: m.local.SessionID, Nonce: nonce})
}

func (m *Machine) reply(to netip.AddrPort, nonce Nonce) {
	m.enqueue(to, Packet{Kind: KindAck, Sender: m.local.SessionID, Nonce: nonce})
}

func (m *Machine) enqueue(to netip.AddrPort, p Packet) {
	m.queue = append(m.queue, Send{To: to, Payload: p.Marshal(m.key)})
}

// addTarget adds a peer-reflexive address: one the peer's probes arrive from
// that is not among its advertised candidates.
func (m *Machine) addTarget(addr netip.AddrPort) {
	for _, t := range m.targets {
		if t == addr {
			return
		}
	}
	m.targets = append(m.targets, addr)
}

func (m *Machine) dropQueuedSends(drop func(Send) bool) {
	kept := m.queue[:0]
	for _, a := range m.queue {
		if s, ok := a.(Send); ok && drop(s) {
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept
}
