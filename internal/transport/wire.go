/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package transport implements the node-to-node wire protocol: a
length-prefixed TLV framing carrying the CFT-Log, BFT-3P, and control RPCs,
plus the per-peer client and partition filter that sit in front of it.

Message Format:
===============

	+--------+--------+--------+--------+--------+--------+--------+--------+
	| Magic  | Version| MsgType| Flags  |           Length (4B)            |
	+--------+--------+--------+--------+--------+--------+--------+--------+
	| Payload...                                                            |
	+------------------------------------------------------------------------+

	- Magic (1 byte): protocol magic number (0xC0 for concord)
	- Version (1 byte): wire protocol version (currently 0x01)
	- MsgType (1 byte): RPC identifier
	- Flags (1 byte): FlagCompressed opts the payload into internal/compression
	- Length (4 bytes): payload length, big-endian
	- Payload: JSON-encoded RPC request or reply
*/
package transport

import (
	"encoding/binary"
	"errors"
	"io"

	"concord/internal/compression"
)

const (
	MagicByte       byte = 0xC0
	ProtocolVersion byte = 0x01

	MaxMessageSize = 16 * 1024 * 1024
	HeaderSize     = 8
)

// MessageType identifies which RPC a frame carries.
type MessageType byte

const (
	MsgRequestVote     MessageType = 0x01
	MsgAppendEntries   MessageType = 0x02
	MsgSubmitCommand   MessageType = 0x03
	MsgPrePrepare      MessageType = 0x04
	MsgPrepare         MessageType = 0x05
	MsgCommit          MessageType = 0x06
	MsgSubmitRequest   MessageType = 0x07
	MsgSetPartition    MessageType = 0x08
	MsgPing            MessageType = 0x09
	MsgAuditQuery      MessageType = 0x0A
)

// MessageFlag carries per-frame options.
type MessageFlag byte

const (
	FlagNone       MessageFlag = 0x00
	FlagCompressed MessageFlag = 0x01
)

// Header is the fixed 8-byte frame prefix.
type Header struct {
	Magic   byte
	Version byte
	Type    MessageType
	Flags   MessageFlag
	Length  uint32
}

// Frame is a complete wire message: header plus payload.
type Frame struct {
	Header  Header
	Payload []byte
}

var (
	ErrInvalidMagic    = errors.New("invalid wire protocol magic byte")
	ErrInvalidVersion  = errors.New("unsupported wire protocol version")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

func WriteHeader(w io.Writer, h Header) error {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Magic
	buf[1] = h.Version
	buf[2] = byte(h.Type)
	buf[3] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[4:], h.Length)
	_, err := w.Write(buf)
	return err
}

func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}

	h := Header{
		Magic:   buf[0],
		Version: buf[1],
		Type:    MessageType(buf[2]),
		Flags:   MessageFlag(buf[3]),
		Length:  binary.BigEndian.Uint32(buf[4:]),
	}

	if h.Magic != MagicByte {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != ProtocolVersion {
		return Header{}, ErrInvalidVersion
	}
	if h.Length > MaxMessageSize {
		return Header{}, ErrMessageTooLarge
	}

	return h, nil
}

// WriteFrame writes msgType plus payload, optionally compressing the
// payload with c when it meets c's MinSize threshold.
func WriteFrame(w io.Writer, msgType MessageType, payload []byte, c *compression.Compressor) error {
	flags := FlagNone
	body := payload

	if c != nil {
		if compressed, err := c.Compress(payload); err == nil {
			flags = FlagCompressed
			body = compressed
		}
	}

	h := Header{
		Magic:   MagicByte,
		Version: ProtocolVersion,
		Type:    msgType,
		Flags:   flags,
		Length:  uint32(len(body)),
	}

	if err := WriteHeader(w, h); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads a complete frame, decompressing its payload with c when
// FlagCompressed is set.
func ReadFrame(r io.Reader, c *compression.Compressor) (*Frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	f := &Frame{Header: h}
	if h.Length > 0 {
		f.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}

	if h.Flags&FlagCompressed != 0 && c != nil && len(f.Payload) > 0 {
		decompressed, err := c.Decompress(f.Payload)
		if err != nil {
			return nil, err
		}
		f.Payload = decompressed
	}

	return f, nil
}
