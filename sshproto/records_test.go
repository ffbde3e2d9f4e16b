package sshproto

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wrapPacket frames a payload (message byte included) as a cleartext
// SSH binary packet with four bytes of padding.
func wrapPacket(payload []byte) []byte {
	const padLen = 4
	pktLen := uint32(1 + len(payload) + padLen)
	out := make([]byte, 0, 4+pktLen)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], pktLen)
	out = append(out, lenBuf[:]...)
	out = append(out, padLen)
	out = append(out, payload...)
	return append(out, make([]byte, padLen)...)
}

// encryptedPacket fakes a post-NEWKEYS packet whose length field is in
// the clear: wireLen total bytes of which the trailing macSize are tag.
func encryptedPacket(wireLen, macSize int) []byte {
	out := make([]byte, wireLen)
	binary.BigEndian.PutUint32(out, uint32(wireLen-4-macSize))
	return out
}

func handshakeBytes() []byte {
	var stream []byte
	stream = append(stream, []byte("SSH-2.0-OpenSSH_9.6\r\n")...)
	stream = append(stream, wrapPacket(buildKexInit(testClientKexInit()))...)
	stream = append(stream, wrapPacket([]byte{30, 0, 0, 0, 0})...) // kex exchange, skipped
	stream = append(stream, wrapPacket([]byte{MsgNewKeys})...)
	return stream
}

func TestScannerHandshakeSequence(t *testing.T) {
	var s StreamScanner
	s.SetEncryptedParams(true, 32)

	events, err := s.Feed(handshakeBytes())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "OpenSSH_9.6", events[0].Banner.Software)
	assert.Equal(t, testClientKexInit(), events[1].KexInit)
	assert.True(t, events[2].NewKeys)
	assert.Equal(t, PhaseEncrypted, s.Phase())
}

func TestScannerByteAtATime(t *testing.T) {
	// Reassembly must not depend on segment boundaries.
	var s StreamScanner
	s.SetEncryptedParams(true, 32)

	var events []Event
	for _, b := range handshakeBytes() {
		evs, err := s.Feed([]byte{b})
		require.NoError(t, err)
		events = append(events, evs...)
	}
	require.Len(t, events, 3)
	assert.NotNil(t, events[0].Banner)
	assert.NotNil(t, events[1].KexInit)
	assert.True(t, events[2].NewKeys)
}

func TestScannerPreBannerLines(t *testing.T) {
	var s StreamScanner
	events, err := s.Feed([]byte("welcome to the jump host\r\nSSH-2.0-Go\r\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Go", events[0].Banner.Software)
}

func TestScannerNotSSH(t *testing.T) {
	var s StreamScanner
	// 300 bytes with no newline cannot be a version exchange.
	_, err := s.Feed(make([]byte, 300))
	assert.ErrorIs(t, err, ErrNotSSH)
}

func TestScannerDesync(t *testing.T) {
	var s StreamScanner
	_, err := s.Feed([]byte("SSH-2.0-Go\r\n"))
	require.NoError(t, err)

	// An implausible packet length means we lost framing.
	_, err = s.Feed([]byte{0xff, 0xff, 0xff, 0xff, 0, 0})
	assert.ErrorIs(t, err, ErrDesync)
}

func TestScannerEncryptedSplitting(t *testing.T) {
	const macSize = 32
	var s StreamScanner
	s.SetEncryptedParams(true, macSize)
	_, err := s.Feed(handshakeBytes())
	require.NoError(t, err)

	// Two packets coalesced into one segment split exactly.
	seg := append(encryptedPacket(116, macSize), encryptedPacket(148, macSize)...)
	events, err := s.Feed(seg)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Encrypted: true, Length: 116}, events[0])
	assert.Equal(t, Event{Encrypted: true, Length: 148}, events[1])

	// A packet straddling two segments is completed on the second.
	pkt := encryptedPacket(116, macSize)
	events, err = s.Feed(pkt[:50])
	require.NoError(t, err)
	assert.Empty(t, events)
	events, err = s.Feed(pkt[50:])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 116, events[0].Length)
}

func TestScannerOpaqueEncryptedFallback(t *testing.T) {
	var s StreamScanner
	s.SetEncryptedParams(false, 0)
	_, err := s.Feed(handshakeBytes())
	require.NoError(t, err)

	// Without a readable length field each segment is one observation.
	events, err := s.Feed(make([]byte, 116))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Event{Encrypted: true, Length: 116}, events[0])

	events, err = s.Feed(make([]byte, 7))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 7, events[0].Length)
}

func TestScannerParamsNeverSet(t *testing.T) {
	var s StreamScanner
	events, err := s.Feed(handshakeBytes())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, PhaseEncrypted, s.Phase())

	// Unknown algorithms degrade to per-segment observations.
	events, err = s.Feed(make([]byte, 64))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 64, events[0].Length)
}

func TestLengthFieldVisible(t *testing.T) {
	assert.True(t, LengthFieldVisible("aes128-ctr", "hmac-sha2-256-etm@openssh.com"))
	assert.True(t, LengthFieldVisible("aes128-gcm@openssh.com", ""))
	assert.False(t, LengthFieldVisible("chacha20-poly1305@openssh.com", ""))
	assert.False(t, LengthFieldVisible("aes128-ctr", "hmac-sha2-256"))
}
