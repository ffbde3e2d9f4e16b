// Package capture turns raw packets into per-connection SSH
// observations. It keys flows on the IPv4/TCP 4-tuple, assigns the
// originator role to the side that sent the first packet, runs one
// sshproto scanner per direction, and feeds encrypted-packet lengths
// into the tracker once the transport is established.
package capture

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"ssh-keystroke-detector/framing"
	"ssh-keystroke-detector/sshproto"
	"ssh-keystroke-detector/tracker"
)

const (
	snapLen       = 65536
	sweepInterval = 30 * time.Second
)

// Notifier receives confirmed findings.
type Notifier interface {
	Notify(tracker.Finding)
}

type flow struct {
	id         string
	originator string
	responder  string

	origScan sshproto.StreamScanner
	respScan sshproto.StreamScanner

	origKex *sshproto.KexInit
	respKex *sshproto.KexInit
	algs    *sshproto.Algorithms

	origNewKeys bool
	respNewKeys bool
	registered  bool

	// dead flows are still counted for teardown but no longer parsed,
	// after a framing or negotiation failure.
	dead bool

	lastSeen time.Time
}

// Sniffer consumes packets and drives the detector. It is
// single-threaded by design: Process is called for one packet at a
// time, in wire order.
type Sniffer struct {
	tracker  *tracker.Tracker
	notifier Notifier
	flows    map[string]*flow
	idleTTL  time.Duration
	log      *logrus.Logger

	lastSweep time.Time
}

// NewSniffer wires a Sniffer to a tracker and a notifier. ttl <= 0
// selects the tracker's default idle TTL.
func NewSniffer(t *tracker.Tracker, n Notifier, ttl time.Duration, log *logrus.Logger) *Sniffer {
	if ttl <= 0 {
		ttl = tracker.DefaultIdleTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sniffer{
		tracker:   t,
		notifier:  n,
		flows:     make(map[string]*flow),
		idleTTL:   ttl,
		log:       log,
		lastSweep: time.Now(),
	}
}

// OpenLive opens a capture handle on a device with the given BPF
// filter.
func OpenLive(device, bpf string) (*pcap.Handle, error) {
	handle, err := pcap.OpenLive(device, snapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, err
	}
	if err := handle.SetBPFFilter(bpf); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

// OpenOffline opens a pcap file with the given BPF filter.
func OpenOffline(path, bpf string) (*pcap.Handle, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, err
	}
	if err := handle.SetBPFFilter(bpf); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

// Run processes every packet from the source until it is exhausted.
func (s *Sniffer) Run(source *gopacket.PacketSource) {
	for packet := range source.Packets() {
		s.Process(packet)
	}
}

// Process handles one captured packet.
func (s *Sniffer) Process(packet gopacket.Packet) {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	ipv4Layer := packet.Layer(layers.LayerTypeIPv4)
	if ipv4Layer == nil {
		return
	}
	tcp := tcpLayer.(*layers.TCP)
	ip := ipv4Layer.(*layers.IPv4)

	src := fmt.Sprintf("%s:%d", ip.SrcIP, uint16(tcp.SrcPort))
	dst := fmt.Sprintf("%s:%d", ip.DstIP, uint16(tcp.DstPort))
	key := flowKey(src, dst)

	f := s.flows[key]
	if f == nil {
		f = &flow{
			id:         src + "->" + dst,
			originator: src,
			responder:  dst,
		}
		s.flows[key] = f
		s.log.WithField("conn", f.id).Debug("new flow")
	}
	f.lastSeen = time.Now()

	if payload := tcp.LayerPayload(); len(payload) > 0 && !f.dead {
		s.feed(f, src == f.originator, payload)
	}

	if tcp.FIN || tcp.RST {
		s.teardown(key, f)
	}

	s.maybeSweep()
}

// flowKey is direction-independent: both packet directions of a
// connection map to the same flow.
func flowKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func (s *Sniffer) feed(f *flow, fromOriginator bool, payload []byte) {
	scan := &f.respScan
	if fromOriginator {
		scan = &f.origScan
	}

	events, err := scan.Feed(payload)
	for _, ev := range events {
		s.handleEvent(f, fromOriginator, ev)
	}
	if err != nil {
		s.log.WithError(err).WithField("conn", f.id).Debug("stream abandoned")
		f.dead = true
	}
}

func (s *Sniffer) handleEvent(f *flow, fromOriginator bool, ev sshproto.Event) {
	switch {
	case ev.Banner != nil:
		s.log.WithFields(logrus.Fields{
			"conn":     f.id,
			"software": ev.Banner.Software,
		}).Debug("ssh banner")

	case ev.KexInit != nil:
		if fromOriginator {
			f.origKex = ev.KexInit
		} else {
			f.respKex = ev.KexInit
		}
		s.negotiate(f)

	case ev.NewKeys:
		if fromOriginator {
			f.origNewKeys = true
		} else {
			f.respNewKeys = true
		}
		s.maybeRegister(f)

	case ev.Encrypted:
		if !f.registered {
			return
		}
		dir := tracker.FromResponder
		if fromOriginator {
			dir = tracker.FromOriginator
		}
		finding, err := s.tracker.Observe(f.id, dir, ev.Length)
		if err != nil {
			s.log.WithError(err).WithField("conn", f.id).Warn("observation rejected")
			return
		}
		if finding != nil && s.notifier != nil {
			s.notifier.Notify(*finding)
		}
	}
}

func (s *Sniffer) negotiate(f *flow) {
	if f.algs != nil || f.origKex == nil || f.respKex == nil {
		return
	}
	algs, err := sshproto.Negotiate(f.origKex, f.respKex)
	if err != nil {
		s.log.WithError(err).WithField("conn", f.id).Debug("negotiation failed")
		f.dead = true
		return
	}
	f.algs = &algs

	macSize := framing.MACSize(algs.MAC)
	if framing.IsAEAD(algs.Cipher) {
		macSize = 16
	}
	visible := sshproto.LengthFieldVisible(algs.Cipher, algs.MAC)
	f.origScan.SetEncryptedParams(visible, macSize)
	f.respScan.SetEncryptedParams(visible, macSize)

	s.log.WithFields(logrus.Fields{
		"conn":   f.id,
		"cipher": algs.Cipher,
		"mac":    algs.MAC,
		"etm":    algs.ETM,
	}).Info("algorithms negotiated")
}

func (s *Sniffer) maybeRegister(f *flow) {
	if f.registered || f.algs == nil || !f.origNewKeys || !f.respNewKeys {
		return
	}
	s.tracker.Register(f.id, tracker.Endpoints{
		Originator: f.originator,
		Responder:  f.responder,
	}, f.algs.Cipher, f.algs.MAC)
	f.registered = true
}

func (s *Sniffer) teardown(key string, f *flow) {
	s.tracker.Remove(f.id)
	delete(s.flows, key)
	s.log.WithField("conn", f.id).Debug("flow closed")
}

// maybeSweep evicts idle flows and tracker state on a wall-clock
// interval, bounding memory when connections never close.
func (s *Sniffer) maybeSweep() {
	now := time.Now()
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for key, f := range s.flows {
		if now.Sub(f.lastSeen) > s.idleTTL {
			s.tracker.Remove(f.id)
			delete(s.flows, key)
		}
	}
	s.tracker.Sweep(now)
}

// FlowCount returns the number of live flows.
func (s *Sniffer) FlowCount() int {
	return len(s.flows)
}
