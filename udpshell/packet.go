// Package udpshell carries the remote shell over UDP. Every datagram is a
// space-padded JSON header followed by a payload; messages are split into
// DATA chunks terminated by a LAST chunk, and the client sends each chunk
// stop-and-wait until the server acknowledges it.
package udpshell

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// PacketSize is the largest datagram either side sends or reads.
	PacketSize = 1400
	// HeaderSize is the fixed, space-padded header length.
	HeaderSize = 200
	// DataSize is the payload capacity of one packet.
	DataSize = PacketSize - HeaderSize
)

// Kind is the packet type carried in the header.
type Kind string

const (
	KindConnect    Kind = "CONNECT"
	KindConnectAck Kind = "CONNECT_ACK"
	KindData       Kind = "DATA"
	KindLast       Kind = "LAST"
	KindAck        Kind = "ACK"
)

var (
	ErrShortPacket     = errors.New("udpshell: packet shorter than header")
	ErrHeaderTooLarge  = errors.New("udpshell: encoded header exceeds header size")
	ErrPayloadTooLarge = errors.New("udpshell: payload exceeds packet capacity")
	ErrBadHeader       = errors.New("udpshell: malformed header")
	ErrLengthMismatch  = errors.New("udpshell: payload shorter than declared length")
	ErrChecksum        = errors.New("udpshell: checksum mismatch")
)

// Header is the JSON document at the front of every packet.
type Header struct {
	Seq      uint64 `json:"seq"`
	Checksum string `json:"checksum"`
	Type     Kind   `json:"type"`
	Length   int    `json:"length"`
	Session  string `json:"session"`
	// ReplyTo is the seq of the LAST chunk a reply answers. The welcome
	// banner answers nothing and carries 0.
	ReplyTo uint64 `json:"reply_to,omitempty"`
}

// Packet is one decoded datagram.
type Packet struct {
	Header
	Data []byte
}

// NewPacket builds a packet of the given kind with checksum and length set.
func NewPacket(kind Kind, seq uint64, session string, data []byte) Packet {
	return Packet{
		Header: Header{
			Seq:      seq,
			Checksum: checksum(data),
			Type:     kind,
			Length:   len(data),
			Session:  session,
		},
		Data: data,
	}
}

// Encode serialises p into a single datagram.
func Encode(p Packet) ([]byte, error) {
	if len(p.Data) > DataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Data))
	}

	h, err := json.Marshal(p.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	if len(h) > HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(h))
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(p.Data))
	copy(buf, h)

	for i := len(h); i < HeaderSize; i++ {
		buf[i] = ' '
	}

	return append(buf, p.Data...), nil
}

// Decode parses a datagram. DATA and LAST payloads are checked against the
// header checksum; control packets are not.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, ErrShortPacket
	}

	var h Header
	if err := json.Unmarshal(bytes.TrimRight(b[:HeaderSize], " "), &h); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	data := b[HeaderSize:]
	if h.Length < 0 || h.Length > len(data) {
		return Packet{}, ErrLengthMismatch
	}

	data = data[:h.Length]

	if h.Type == KindData || h.Type == KindLast {
		if h.Checksum != checksum(data) {
			return Packet{}, fmt.Errorf("%w: packet %d", ErrChecksum, h.Seq)
		}
	}

	return Packet{Header: h, Data: bytes.Clone(data)}, nil
}

// Chunk splits a message into payload-sized pieces. An empty message is a
// single empty chunk so that it still produces a LAST packet.
func Chunk(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}

	chunks := make([][]byte, 0, (len(data)+DataSize-1)/DataSize)
	for len(data) > DataSize {
		chunks = append(chunks, data[:DataSize])
		data = data[DataSize:]
	}

	return append(chunks, data)
}

// chunkKind returns LAST for the final chunk of a message and DATA otherwise.
func chunkKind(i, n int) Kind {
	if i == n-1 {
		return KindLast
	}

	return KindData
}

func checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
