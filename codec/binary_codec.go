package codec

import (
	"encoding/binary"
	"errors"
	"room-dispatch/message"
)

// BinaryCodec serializes the dispatch Envelope with explicit length prefixes.
// Only the broker↔worker hop uses it; the payload inside stays opaque JSON.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Envelope
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Envelope")
	}
	// Calculate the length of the message
	total := 2 + len(env.ClientAddr) + 4 + len(env.Payload)
	buf := make([]byte, total)

	offset := 0
	// ClientAddr length -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(env.ClientAddr)))
	offset += 2

	// ClientAddr -- n bytes
	copy(buf[offset:offset+len(env.ClientAddr)], []byte(env.ClientAddr))
	offset += len(env.ClientAddr)

	// Payload length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(env.Payload)))
	offset += 4

	// Payload -- n bytes
	copy(buf[offset:offset+len(env.Payload)], env.Payload)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Envelope
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *Envelope")
	}
	if len(data) < 6 {
		return errors.New("BinaryCodec: truncated envelope")
	}

	offset := 0

	// Read ClientAddr
	addrLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	if len(data) < offset+int(addrLen)+4 {
		return errors.New("BinaryCodec: truncated envelope")
	}
	env.ClientAddr = string(data[offset : offset+int(addrLen)])
	offset += int(addrLen)

	// Read Payload
	payloadLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	if len(data) < offset+int(payloadLen) {
		return errors.New("BinaryCodec: truncated envelope")
	}
	env.Payload = make([]byte, payloadLen)
	copy(env.Payload, data[offset:offset+int(payloadLen)])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
