package sshproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Phase of one direction of an SSH connection.
type Phase int

const (
	// PhaseBanner: waiting for the version-exchange line.
	PhaseBanner Phase = iota
	// PhaseCleartext: binary packets with a readable length field,
	// before NEWKEYS takes effect.
	PhaseCleartext
	// PhaseEncrypted: everything after NEWKEYS.
	PhaseEncrypted
)

// ErrDesync means the scanner lost packet framing and the stream can no
// longer be followed.
var ErrDesync = errors.New("sshproto: packet framing desynchronized")

// Event is one observation produced by the scanner. Exactly one of
// Banner, KexInit, NewKeys, or Encrypted is set.
type Event struct {
	Banner  *Banner
	KexInit *KexInit
	NewKeys bool
	// Encrypted marks a post-NEWKEYS packet observation; Length is its
	// wire length.
	Encrypted bool
	Length    int
}

// LengthFieldVisible reports whether the packet-length field stays
// readable after NEWKEYS: true for encrypt-then-MAC modes and for
// AES-GCM (the length is authenticated but not encrypted there).
// chacha20-poly1305 encrypts the length under a separate key.
func LengthFieldVisible(cipherName, macName string) bool {
	return strings.Contains(macName, "-etm") || strings.Contains(cipherName, "gcm")
}

// StreamScanner splits one direction of a TCP stream into SSH events.
// In the cleartext phase the packet-length field delimits packets. In
// the encrypted phase the scanner still splits exactly when the
// negotiated mode leaves the length field readable; otherwise every
// Feed call is reported as a single observation, which matches reality
// for interactive traffic where each keystroke echo is its own segment.
type StreamScanner struct {
	phase Phase
	buf   bytes.Buffer

	// Encrypted-phase parameters, set by the owner once negotiation is
	// known. Meaningless until NEWKEYS flips the phase.
	paramsSet     bool
	lengthVisible bool
	macSize       int
}

// SetEncryptedParams tells the scanner how to treat the stream after
// NEWKEYS. When the owner never learns the algorithms, the scanner
// falls back to one-observation-per-segment.
func (s *StreamScanner) SetEncryptedParams(lengthVisible bool, macSize int) {
	s.paramsSet = true
	s.lengthVisible = lengthVisible
	s.macSize = macSize
}

// Phase returns the current phase of this direction.
func (s *StreamScanner) Phase() Phase {
	return s.phase
}

func (s *StreamScanner) splitsEncrypted() bool {
	return s.paramsSet && s.lengthVisible
}

// Feed consumes the next chunk of the stream and returns the events it
// completes. After an error the scanner must not be fed again.
func (s *StreamScanner) Feed(data []byte) ([]Event, error) {
	if len(data) == 0 {
		return nil, nil
	}

	if s.phase == PhaseEncrypted && !s.splitsEncrypted() {
		return []Event{{Encrypted: true, Length: len(data)}}, nil
	}

	s.buf.Write(data)
	var events []Event
	for {
		ev, progressed, err := s.next()
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
		if !progressed {
			return events, nil
		}

		// NEWKEYS may have flipped this direction into a mode without
		// readable framing; whatever is already buffered becomes one
		// observation.
		if s.phase == PhaseEncrypted && !s.splitsEncrypted() {
			if s.buf.Len() > 0 {
				events = append(events, Event{Encrypted: true, Length: s.buf.Len()})
				s.buf.Reset()
			}
			return events, nil
		}
	}
}

// next tries to complete one event from the buffer. progressed reports
// whether bytes were consumed, so the caller keeps looping even when a
// consumed chunk produced no event.
func (s *StreamScanner) next() (ev *Event, progressed bool, err error) {
	switch s.phase {
	case PhaseBanner:
		return s.nextBannerLine()
	case PhaseCleartext:
		return s.nextCleartextPacket()
	default:
		return s.nextEncryptedPacket()
	}
}

func (s *StreamScanner) nextBannerLine() (*Event, bool, error) {
	raw := s.buf.Bytes()
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		if s.buf.Len() > 255 {
			// RFC 4253 caps the version-exchange line at 255 bytes.
			return nil, false, ErrNotSSH
		}
		return nil, false, nil
	}
	line := string(bytes.TrimRight(raw[:idx], "\r"))
	s.buf.Next(idx + 1)

	b, err := ParseBanner(line)
	if err != nil {
		// Servers may send free-form lines before the banner.
		return nil, true, nil
	}
	s.phase = PhaseCleartext
	return &Event{Banner: b}, true, nil
}

func (s *StreamScanner) nextCleartextPacket() (*Event, bool, error) {
	raw := s.buf.Bytes()
	if len(raw) < 6 {
		return nil, false, nil
	}
	pktLen := binary.BigEndian.Uint32(raw)
	padLen := uint32(raw[4])
	if pktLen < 2 || pktLen > maxPacketLength || padLen+2 > pktLen {
		return nil, false, fmt.Errorf("%w: length %d padding %d", ErrDesync, pktLen, padLen)
	}
	total := 4 + int(pktLen)
	if len(raw) < total {
		return nil, false, nil
	}

	msg := raw[5]
	payload := make([]byte, pktLen-1-padLen)
	copy(payload, raw[5:5+len(payload)])
	s.buf.Next(total)

	switch msg {
	case MsgKexInit:
		kex, err := ParseKexInit(payload)
		if err != nil {
			return nil, false, err
		}
		return &Event{KexInit: kex}, true, nil
	case MsgNewKeys:
		s.phase = PhaseEncrypted
		return &Event{NewKeys: true}, true, nil
	default:
		// Other handshake packets are framing we skip over.
		return nil, true, nil
	}
}

func (s *StreamScanner) nextEncryptedPacket() (*Event, bool, error) {
	raw := s.buf.Bytes()
	if len(raw) < 4 {
		return nil, false, nil
	}
	pktLen := binary.BigEndian.Uint32(raw)
	if pktLen < 2 || pktLen > maxPacketLength {
		return nil, false, fmt.Errorf("%w: length %d", ErrDesync, pktLen)
	}
	total := 4 + int(pktLen) + s.macSize
	if len(raw) < total {
		return nil, false, nil
	}
	s.buf.Next(total)
	return &Event{Encrypted: true, Length: total}, true, nil
}
