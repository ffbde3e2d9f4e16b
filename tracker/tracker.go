// Package tracker holds the per-connection keystroke-echo state
// machine. Each registered connection carries the wire length a single
// tunneled keystroke echo would have; a long enough run of packets of
// exactly that length bouncing between the two directions, terminated
// by an oversized originator packet (the carriage return), confirms an
// interactive shell tunneled inside the SSH session.
package tracker

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"ssh-keystroke-detector/framing"
)

// Direction of a packet on the outer connection.
type Direction int

const (
	FromOriginator Direction = iota
	FromResponder
)

func (d Direction) String() string {
	if d == FromOriginator {
		return "originator"
	}
	return "responder"
}

// confirmThreshold is the counter value from which an oversized
// originator packet confirms the tunnel. Below it, a run of matches is
// still plausibly coincidental traffic.
const confirmThreshold = 10

// DefaultIdleTTL bounds how long a connection that never completes the
// pattern is kept before Sweep evicts it.
const DefaultIdleTTL = 10 * time.Minute

// ErrBadObservation is returned when a caller violates the observation
// contract (negative length).
var ErrBadObservation = errors.New("tracker: observation with negative length")

// Endpoints identifies the two sides of a connection for reporting.
type Endpoints struct {
	Originator string // addr:port of the side that opened the connection
	Responder  string
}

// Finding is the detection output: a confirmed tunneled shell with an
// estimate of how many characters were typed before the return.
type Finding struct {
	ConnID          string
	Endpoints       Endpoints
	CharactersTyped int
}

type connState struct {
	endpoints       Endpoints
	expectedLength  int
	matchCounter    int
	tunnelConfirmed bool
	lastSeen        time.Time
}

// Tracker owns the state of every eligible connection. It is not
// internally locked: observations are processed one at a time by the
// capture loop, and each connection's state is only ever touched by
// that loop.
type Tracker struct {
	conns   map[string]*connState
	idleTTL time.Duration
	log     *logrus.Logger
}

// New returns a Tracker with the given idle TTL; ttl <= 0 selects
// DefaultIdleTTL.
func New(ttl time.Duration, log *logrus.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{
		conns:   make(map[string]*connState),
		idleTTL: ttl,
		log:     log,
	}
}

// Register makes a connection eligible for observation, computing its
// expected single-keystroke echo length from the negotiated algorithms.
// Registering an already-known connection resets its state.
func (t *Tracker) Register(connID string, ep Endpoints, cipherName, macName string) {
	expected := framing.ExpectedTunnelLength(cipherName, macName)
	t.conns[connID] = &connState{
		endpoints:      ep,
		expectedLength: expected,
		lastSeen:       time.Now(),
	}
	t.log.WithFields(logrus.Fields{
		"conn":     connID,
		"cipher":   cipherName,
		"mac":      macName,
		"expected": expected,
	}).Debug("connection registered")
}

// Eligible reports whether a connection has been registered.
func (t *Tracker) Eligible(connID string) bool {
	_, ok := t.conns[connID]
	return ok
}

// Observe advances the state machine with one (direction, length)
// event. Observations for unregistered connections are ignored.
// Returns a Finding when this observation confirms the tunnel.
func (t *Tracker) Observe(connID string, dir Direction, length int) (*Finding, error) {
	if length < 0 {
		return nil, ErrBadObservation
	}
	c, ok := t.conns[connID]
	if !ok {
		// Not yet eligible.
		return nil, nil
	}
	c.lastSeen = time.Now()

	switch {
	case c.matchCounter == 0 && dir == FromResponder && length == c.expectedLength:
		c.matchCounter = 1
	case c.matchCounter == 1 && dir == FromOriginator && length == c.expectedLength:
		c.matchCounter = 2
	case c.matchCounter >= 2 && dir == FromResponder && length == c.expectedLength:
		c.matchCounter++
	case c.matchCounter >= 3 && dir == FromOriginator && length == c.expectedLength:
		c.matchCounter++
	case c.matchCounter >= confirmThreshold && dir == FromOriginator && length > c.expectedLength:
		// The oversized packet is the shell executing the typed command.
		c.matchCounter++
		c.tunnelConfirmed = true
	default:
		c.matchCounter = 0
		return nil, nil
	}

	if !c.tunnelConfirmed {
		return nil, nil
	}

	// Each typed character accounts for one echo in each direction
	// before the terminating oversized packet.
	f := &Finding{
		ConnID:          connID,
		Endpoints:       c.endpoints,
		CharactersTyped: c.matchCounter/2 - 1,
	}
	c.tunnelConfirmed = false
	c.matchCounter = 0
	return f, nil
}

// Remove releases a connection's state on teardown.
func (t *Tracker) Remove(connID string) {
	delete(t.conns, connID)
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int {
	return len(t.conns)
}

// Sweep evicts connections idle longer than the TTL and returns how
// many were removed. The reference behavior kept state forever; the
// sweep bounds memory on long-lived monitoring.
func (t *Tracker) Sweep(now time.Time) int {
	evicted := 0
	for id, c := range t.conns {
		if now.Sub(c.lastSeen) > t.idleTTL {
			delete(t.conns, id)
			evicted++
		}
	}
	if evicted > 0 {
		t.log.WithField("evicted", evicted).Debug("idle connections swept")
	}
	return evicted
}
