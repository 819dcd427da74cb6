// Package codec encodes and decodes CoAP messages to and from their
// RFC 7252 §3 binary wire representation. It has no knowledge of
// reliability, retransmission, or dispatch — spec.md §1 names the codec an
// external collaborator, and this package is exactly that boundary.
//
// Grounded on other_examples/a92bfafb_dustin-go-coap__serverNew.go.go's
// decode-then-dispatch loop shape and other_examples/15a7bb74_dustin-go-coap__retransmit.go.go's
// MarshalBinary call shape. Built on encoding/binary and bytes only: no
// repo in the example pack ships a general CoAP TLV codec to depend on
// instead (see DESIGN.md).
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/coapcore/coapcore/pkg/coap/coaperrors"
	"github.com/coapcore/coapcore/pkg/coap/message"
)

const (
	version       = 1
	payloadMarker = 0xFF
	extend8       = 13
	extend16      = 14
	reservedNibble = 15
)

// Encode serializes m into its wire representation (RFC 7252 §3).
func Encode(m *message.Message) ([]byte, error) {
	if len(m.Token) > message.MaxTokenLength {
		return nil, coaperrors.New(coaperrors.MalformedMessage, "token exceeds 8 bytes").
			WithField("token_length", len(m.Token))
	}

	var buf bytes.Buffer

	first := byte(version<<6) | byte(m.Type)<<4 | byte(len(m.Token)&0x0f)
	buf.WriteByte(first)
	buf.WriteByte(byte(m.Code))
	if err := binary.Write(&buf, binary.BigEndian, m.MessageID); err != nil {
		return nil, err
	}
	buf.Write(m.Token)

	lastNumber := 0
	for _, opt := range m.Options {
		delta := opt.Number - lastNumber
		if delta < 0 {
			return nil, coaperrors.New(coaperrors.MalformedMessage, "options out of order").
				WithField("option_number", opt.Number)
		}
		lastNumber = opt.Number

		deltaNibble, deltaExt := splitExtended(delta)
		lengthNibble, lengthExt := splitExtended(len(opt.Value))

		buf.WriteByte(byte(deltaNibble<<4) | byte(lengthNibble))
		writeExtended(&buf, deltaNibble, deltaExt)
		writeExtended(&buf, lengthNibble, lengthExt)
		buf.Write(opt.Value)
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(m.Payload)
	}

	return buf.Bytes(), nil
}

// Decode parses a wire-format CoAP message. It returns a *coaperrors.Error
// with Kind MalformedMessage on any structural violation (RFC 7252 §3),
// matching the single entry point a transport reactor needs: bytes in,
// classified error or message out.
func Decode(raw []byte) (*message.Message, error) {
	if len(raw) < 4 {
		return nil, coaperrors.New(coaperrors.MalformedMessage, "message shorter than 4-byte header")
	}

	first := raw[0]
	if v := first >> 6; v != version {
		return nil, coaperrors.New(coaperrors.MalformedMessage, fmt.Sprintf("unsupported version %d", v))
	}
	tkl := int(first & 0x0f)
	if tkl > message.MaxTokenLength {
		return nil, coaperrors.New(coaperrors.MalformedMessage, "token length field exceeds 8")
	}

	m := &message.Message{
		Type:      message.Type((first >> 4) & 0x03),
		Code:      message.Code(raw[1]),
		MessageID: binary.BigEndian.Uint16(raw[2:4]),
	}

	rest := raw[4:]
	if len(rest) < tkl {
		return nil, coaperrors.New(coaperrors.MalformedMessage, "truncated token")
	}
	m.Token = append([]byte(nil), rest[:tkl]...)
	rest = rest[tkl:]

	opts, payload, err := decodeOptions(rest)
	if err != nil {
		return nil, err
	}
	m.Options = opts
	m.Payload = payload

	return m, nil
}

func decodeOptions(rest []byte) (message.Options, []byte, error) {
	var opts message.Options
	number := 0

	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			if len(rest) == 1 {
				return nil, nil, coaperrors.New(coaperrors.MalformedMessage, "payload marker with no payload")
			}
			return opts, append([]byte(nil), rest[1:]...), nil
		}

		deltaNibble := int(rest[0] >> 4)
		lengthNibble := int(rest[0] & 0x0f)
		rest = rest[1:]

		delta, rest2, err := readExtended(deltaNibble, rest)
		if err != nil {
			return nil, nil, err
		}
		rest = rest2

		length, rest3, err := readExtended(lengthNibble, rest)
		if err != nil {
			return nil, nil, err
		}
		rest = rest3

		if len(rest) < length {
			return nil, nil, coaperrors.New(coaperrors.MalformedMessage, "truncated option value")
		}
		number += delta
		value := append([]byte(nil), rest[:length]...)
		rest = rest[length:]

		if _, known := message.LookupOption(number); !known && message.IsCritical(number) {
			return nil, nil, coaperrors.New(coaperrors.UnknownCriticalOption, fmt.Sprintf("unrecognized critical option %d", number)).
				WithField("option_number", number)
		}

		opts = append(opts, message.Option{Number: number, Value: value})
	}

	return opts, nil, nil
}

// splitExtended decides the 4-bit nibble and any extended-value needed to
// encode n (RFC 7252 §3.1 option delta/length encoding).
func splitExtended(n int) (nibble int, ext int) {
	switch {
	case n < extend8:
		return n, 0
	case n < 269:
		return extend8, n - extend8
	default:
		return extend16, n - 269
	}
}

func writeExtended(buf *bytes.Buffer, nibble, ext int) {
	switch nibble {
	case extend8:
		buf.WriteByte(byte(ext))
	case extend16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(ext))
		buf.Write(b)
	}
}

func readExtended(nibble int, rest []byte) (value int, remaining []byte, err error) {
	switch nibble {
	case reservedNibble:
		return 0, nil, coaperrors.New(coaperrors.MalformedMessage, "reserved nibble 15 in option header")
	case extend8:
		if len(rest) < 1 {
			return 0, nil, coaperrors.New(coaperrors.MalformedMessage, "truncated 8-bit extended option field")
		}
		return int(rest[0]) + extend8, rest[1:], nil
	case extend16:
		if len(rest) < 2 {
			return 0, nil, coaperrors.New(coaperrors.MalformedMessage, "truncated 16-bit extended option field")
		}
		return int(binary.BigEndian.Uint16(rest[:2])) + 269, rest[2:], nil
	default:
		return nibble, rest, nil
	}
}
