// Package kiroevent demuxes the AWS-Event-Stream-framed binary body the
// Kiro generateAssistantResponse endpoint returns into normalized stream
// events (spec.md §3, §4.6).
//
// Frame layout (grounded on the other-examples Kiro executor's
// parseAWSEventStreamMessage/parseAWSHeaders):
//
//	[total_length:4 BE][headers_length:4 BE][prelude_crc:4 BE]
//	[headers:headers_length][payload:...][message_crc:4 BE]
//
// total_length counts the whole message including both CRCs. Each header
// is [name_len:1][name][value_type:1][value_len:2 BE][value]; only the
// string value type (7) appears in practice, and the only header this
// gateway needs is ":event-type".
package kiroevent

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame is one demuxed AWS Event Stream message.
type Frame struct {
	EventType string
	Payload   []byte
}

const (
	preludeLen = 8 // total_length + headers_length
	crcLen     = 4
)

// ReadFrame reads and validates a single framed message from r. It returns
// io.EOF when r is exhausted between frames.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	prelude := make([]byte, preludeLen)
	if _, err := io.ReadFull(r, prelude); err != nil {
		return Frame{}, err
	}
	totalLength := binary.BigEndian.Uint32(prelude[0:4])
	headersLength := binary.BigEndian.Uint32(prelude[4:8])

	preludeCRCBytes := make([]byte, crcLen)
	if _, err := io.ReadFull(r, preludeCRCBytes); err != nil {
		return Frame{}, fmt.Errorf("kiroevent: reading prelude crc: %w", err)
	}
	preludeCRC := binary.BigEndian.Uint32(preludeCRCBytes)
	if got := crc32.ChecksumIEEE(prelude); got != preludeCRC {
		return Frame{}, fmt.Errorf("kiroevent: prelude crc mismatch: got %x want %x", got, preludeCRC)
	}

	if totalLength < uint32(preludeLen+crcLen+crcLen)+headersLength {
		return Frame{}, fmt.Errorf("kiroevent: invalid total_length %d for headers_length %d", totalLength, headersLength)
	}

	headers := make([]byte, headersLength)
	if headersLength > 0 {
		if _, err := io.ReadFull(r, headers); err != nil {
			return Frame{}, fmt.Errorf("kiroevent: reading headers: %w", err)
		}
	}

	payloadLength := totalLength - uint32(preludeLen+crcLen+crcLen) - headersLength
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("kiroevent: reading payload: %w", err)
		}
	}

	messageCRCBytes := make([]byte, crcLen)
	if _, err := io.ReadFull(r, messageCRCBytes); err != nil {
		return Frame{}, fmt.Errorf("kiroevent: reading message crc: %w", err)
	}
	messageCRC := binary.BigEndian.Uint32(messageCRCBytes)

	full := make([]byte, 0, preludeLen+crcLen+len(headers)+len(payload))
	full = append(full, prelude...)
	full = append(full, preludeCRCBytes...)
	full = append(full, headers...)
	full = append(full, payload...)
	if got := crc32.ChecksumIEEE(full); got != messageCRC {
		return Frame{}, fmt.Errorf("kiroevent: message crc mismatch: got %x want %x", got, messageCRC)
	}

	return Frame{EventType: eventType(headers), Payload: payload}, nil
}

// eventType extracts the value of the ":event-type" header. Only the
// string value type (7) is understood; any other type is skipped.
func eventType(headers []byte) string {
	i := 0
	for i < len(headers) {
		if i+1 > len(headers) {
			break
		}
		nameLen := int(headers[i])
		i++
		if i+nameLen > len(headers) {
			break
		}
		name := string(headers[i : i+nameLen])
		i += nameLen
		if i >= len(headers) {
			break
		}
		valueType := headers[i]
		i++
		if valueType != 7 {
			// Unknown/unsupported value type: this parser only needs
			// string-typed headers, so bail rather than guess a length.
			break
		}
		if i+2 > len(headers) {
			break
		}
		valueLen := int(binary.BigEndian.Uint16(headers[i : i+2]))
		i += 2
		if i+valueLen > len(headers) {
			break
		}
		value := string(headers[i : i+valueLen])
		i += valueLen
		if name == ":event-type" {
			return value
		}
	}
	return ""
}
