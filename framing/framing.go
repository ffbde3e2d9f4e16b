// Package framing computes the exact on-wire size of SSH binary packets
// (RFC 4253, section 6) from the negotiated cipher and MAC, without ever
// seeing plaintext. The detector compares observed encrypted packet
// lengths against these predictions, so the arithmetic here has to be
// exact: one byte off and every comparison misses.
package framing

import "strings"

const (
	// Per-message overhead of an SSH_MSG_CHANNEL_DATA packet: message
	// type (1), recipient channel (4), data length (4), plus one byte of
	// padding-length accounting. Fixed protocol constant.
	channelDataOverhead = 10

	// RFC 4253 requires at least 4 bytes of random padding.
	minPadding = 4

	defaultBlockSize = 16
	defaultMACSize   = 16

	// AEAD modes carry a 16-byte tag regardless of the negotiated MAC.
	aeadTagSize = 16
)

// cipherBlockSizes maps cipher algorithm names to their block size in
// bytes. OpenSSH's chacha20-poly1305 is a stream cipher that pads to
// 8-byte boundaries; everything else in common use is a 16-byte block.
var cipherBlockSizes = map[string]int{
	"chacha20-poly1305@openssh.com": 8,
}

// macSizes maps MAC algorithm names to their output size in bytes.
var macSizes = map[string]int{
	"hmac-md5":                        16,
	"hmac-md5-96":                     12,
	"hmac-sha1":                       20,
	"hmac-sha1-96":                    12,
	"hmac-sha2-256":                   32,
	"hmac-sha2-512":                   64,
	"umac-64@openssh.com":             8,
	"umac-128@openssh.com":            16,
	"hmac-md5-etm@openssh.com":        16,
	"hmac-md5-96-etm@openssh.com":     12,
	"hmac-sha1-etm@openssh.com":       20,
	"hmac-sha1-96-etm@openssh.com":    12,
	"hmac-sha2-256-etm@openssh.com":   32,
	"hmac-sha2-512-etm@openssh.com":   64,
	"umac-64-etm@openssh.com":         8,
	"umac-128-etm@openssh.com":        16,
}

// CipherBlockSize returns the block size for a cipher algorithm name.
// Unknown names fall back to 16.
func CipherBlockSize(name string) int {
	if sz, ok := cipherBlockSizes[name]; ok {
		return sz
	}
	return defaultBlockSize
}

// MACSize returns the output size for a MAC algorithm name. Unknown
// names fall back to 16.
func MACSize(name string) int {
	if sz, ok := macSizes[name]; ok {
		return sz
	}
	return defaultMACSize
}

// IsAEAD reports whether the cipher embeds its own authentication tag,
// making the negotiated MAC irrelevant for integrity.
func IsAEAD(cipherName string) bool {
	return strings.Contains(cipherName, "poly1305") ||
		strings.Contains(cipherName, "gcm")
}

// IsETM reports whether a MAC algorithm name selects encrypt-then-MAC
// mode, which leaves the packet-length field unencrypted.
func IsETM(macName string) bool {
	return strings.Contains(macName, "-etm")
}

// PacketLength returns the exact wire length of an SSH binary packet
// carrying a channel-data payload of payloadSize bytes under the given
// cipher, MAC, and ETM mode. Unknown algorithm names use the default
// sizes rather than failing.
func PacketLength(payloadSize int, cipherName, macName string, etm bool) int {
	p := payloadSize + channelDataOverhead
	if !etm {
		// The length field is encrypted and MACed as payload.
		p += 4
	}

	blockSize := CipherBlockSize(cipherName)
	macSize := MACSize(macName)
	if IsAEAD(cipherName) {
		macSize = aeadTagSize
	}

	numBlocks := (p + blockSize - 1) / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	if numBlocks*blockSize-p < minPadding {
		numBlocks++
	}
	padded := numBlocks * blockSize

	if etm {
		// The cleartext length field sits outside the encrypted region.
		padded += 4
	}
	return padded + macSize
}

// ExpectedTunnelLength returns the wire length of a single keystroke
// echoed through an SSH session nested inside the outer SSH channel:
// the one-byte keystroke packet of the inner session becomes the
// payload of an outer channel-data packet.
func ExpectedTunnelLength(cipherName, macName string) int {
	etm := IsETM(macName)
	inner := PacketLength(1, cipherName, macName, etm)
	return PacketLength(inner, cipherName, macName, etm)
}
