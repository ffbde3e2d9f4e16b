// Package sshproto implements the minimal passive view of the SSH
// transport layer the detector needs: the version-exchange banner,
// the KEXINIT algorithm name-lists, RFC 4253 section 7.1 negotiation,
// and binary-packet record boundaries up to and past NEWKEYS.
package sshproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// SSH message numbers the scanner cares about (RFC 4253, section 12).
const (
	MsgKexInit byte = 20
	MsgNewKeys byte = 21
)

const bannerPrefix = "SSH-"

// maxPacketLength rejects implausible packet-length fields; RFC 4253
// section 6.1 requires implementations to handle packets of at least
// 35000 bytes, and nothing legitimate in the handshake is larger.
const maxPacketLength = 35000

var (
	ErrNotSSH       = errors.New("sshproto: not an SSH-2.0 version exchange")
	ErrShortKexInit = errors.New("sshproto: truncated KEXINIT")
	ErrNoMatch      = errors.New("sshproto: no common algorithm")
)

// Banner is a parsed version-exchange line:
// "SSH-protoversion-softwareversion SP comments CR LF".
type Banner struct {
	ProtoVersion string
	Software     string
	Comments     string
}

// ParseBanner parses a version-exchange line with the CR LF (or bare
// LF) already stripped.
func ParseBanner(line string) (*Banner, error) {
	if !strings.HasPrefix(line, bannerPrefix) {
		return nil, ErrNotSSH
	}
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return nil, ErrNotSSH
	}
	parts := strings.SplitN(fields[0], "-", 3)
	if len(parts) != 3 {
		return nil, ErrNotSSH
	}
	b := &Banner{ProtoVersion: parts[1], Software: parts[2]}
	if len(fields) > 1 {
		b.Comments = strings.Join(fields[1:], " ")
	}
	return b, nil
}

// KexInit holds the algorithm name-lists of one side's SSH_MSG_KEXINIT.
type KexInit struct {
	KexAlgos                []string
	HostKeyAlgos            []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
}

// ParseKexInit parses a KEXINIT packet payload: the message byte, the
// 16-byte cookie, then ten name-lists, a boolean, and a reserved
// uint32. Trailing fields beyond the name-lists are not validated.
func ParseKexInit(payload []byte) (*KexInit, error) {
	if len(payload) < 1+16 || payload[0] != MsgKexInit {
		return nil, ErrShortKexInit
	}
	rest := payload[1+16:]

	lists := make([][]string, 10)
	for i := range lists {
		var err error
		lists[i], rest, err = readNameList(rest)
		if err != nil {
			return nil, err
		}
	}

	return &KexInit{
		KexAlgos:                lists[0],
		HostKeyAlgos:            lists[1],
		CiphersClientServer:     lists[2],
		CiphersServerClient:     lists[3],
		MACsClientServer:        lists[4],
		MACsServerClient:        lists[5],
		CompressionClientServer: lists[6],
		CompressionServerClient: lists[7],
		// lists[8], lists[9] are language tags, unused.
	}, nil
}

func readNameList(b []byte) ([]string, []byte, error) {
	if len(b) < 4 {
		return nil, nil, ErrShortKexInit
	}
	n := binary.BigEndian.Uint32(b)
	if uint32(len(b)-4) < n {
		return nil, nil, ErrShortKexInit
	}
	raw := string(b[4 : 4+n])
	if raw == "" {
		return nil, b[4+n:], nil
	}
	return strings.Split(raw, ","), b[4+n:], nil
}

// Algorithms is the negotiated client-to-server transport selection.
type Algorithms struct {
	Cipher string
	MAC    string
	ETM    bool
}

// Negotiate picks the client-to-server cipher and MAC per RFC 4253
// section 7.1: the first client-proposed algorithm also present in the
// server's list. An AEAD cipher leaves the MAC empty if the server
// offered none, which is fine: the MAC is not used for integrity then.
func Negotiate(client, server *KexInit) (Algorithms, error) {
	cipher, err := firstCommon(client.CiphersClientServer, server.CiphersClientServer)
	if err != nil {
		return Algorithms{}, fmt.Errorf("cipher: %w", err)
	}
	mac, err := firstCommon(client.MACsClientServer, server.MACsClientServer)
	if err != nil {
		if !strings.Contains(cipher, "poly1305") && !strings.Contains(cipher, "gcm") {
			return Algorithms{}, fmt.Errorf("mac: %w", err)
		}
		mac = ""
	}
	return Algorithms{
		Cipher: cipher,
		MAC:    mac,
		ETM:    strings.Contains(mac, "-etm"),
	}, nil
}

func firstCommon(client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", ErrNoMatch
}
