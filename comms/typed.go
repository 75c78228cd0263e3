package comms

import "encoding/binary"

// SendBool, SendInt32, SendUint64, etc. wrap SendTLV for the built-in
// scalar tags. RecvBool and friends validate the received (tag, len)
// against the expected tag and sizeof(T); a mismatch is an error and
// the stream is left unread past the frame, never corrupted. The 32-
// and 64-bit integer receives accept either the signed or the unsigned
// tag of their width.

func (c *Comms) SendBool(v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return c.SendTLV(TagBool, []byte{b})
}

func (c *Comms) RecvBool() (bool, error) {
	tag, val, err := c.RecvTLV()
	if err != nil {
		return false, err
	}
	if tag != TagBool {
		return false, ErrTagMismatch
	}
	if len(val) != 1 {
		return false, ErrSizeMismatch
	}
	return val[0] != 0, nil
}

func (c *Comms) SendInt32(v int32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return c.SendTLV(TagInt32, b)
}

func (c *Comms) RecvInt32() (int32, error) {
	v, err := c.RecvUint32()
	return int32(v), err
}

func (c *Comms) SendUint32(v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return c.SendTLV(TagUint32, b)
}

func (c *Comms) RecvUint32() (uint32, error) {
	tag, val, err := c.RecvTLV()
	if err != nil {
		return 0, err
	}
	if tag != TagUint32 && tag != TagInt32 {
		return 0, ErrTagMismatch
	}
	if len(val) != 4 {
		return 0, ErrSizeMismatch
	}
	return binary.LittleEndian.Uint32(val), nil
}

func (c *Comms) SendInt64(v int64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return c.SendTLV(TagInt64, b)
}

func (c *Comms) RecvInt64() (int64, error) {
	v, err := c.RecvUint64()
	return int64(v), err
}

func (c *Comms) SendUint64(v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return c.SendTLV(TagUint64, b)
}

func (c *Comms) RecvUint64() (uint64, error) {
	tag, val, err := c.RecvTLV()
	if err != nil {
		return 0, err
	}
	if tag != TagUint64 && tag != TagInt64 {
		return 0, ErrTagMismatch
	}
	if len(val) != 8 {
		return 0, ErrSizeMismatch
	}
	return binary.LittleEndian.Uint64(val), nil
}

func (c *Comms) SendString(s string) error {
	return c.SendTLV(TagString, []byte(s))
}

func (c *Comms) RecvString() (string, error) {
	tag, val, err := c.RecvTLV()
	if err != nil {
		return "", err
	}
	if tag != TagString {
		return "", ErrTagMismatch
	}
	return string(val), nil
}

func (c *Comms) SendBytes(b []byte) error {
	return c.SendTLV(TagBytes, b)
}

func (c *Comms) RecvBytes() ([]byte, error) {
	tag, val, err := c.RecvTLV()
	if err != nil {
		return nil, err
	}
	if tag != TagBytes {
		return nil, ErrTagMismatch
	}
	return val, nil
}

// SendProto2 sends a pre-serialized length-delimited protobuf-like
// message. The caller is responsible for marshaling; Comms treats the
// bytes opaquely, matching the teacher's own "thin transport, caller
// does the encoding" stance for typed payloads.
func (c *Comms) SendProto2(b []byte) error {
	return c.SendTLV(TagProto2, b)
}

func (c *Comms) RecvProto2() ([]byte, error) {
	tag, val, err := c.RecvTLV()
	if err != nil {
		return nil, err
	}
	if tag != TagProto2 {
		return nil, ErrTagMismatch
	}
	return val, nil
}
