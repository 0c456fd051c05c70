// Package envelope implements the envelope wire format: a JSON header line
// followed by zero or more items, each a JSON item-header line and a payload.
//
// The spool treats envelopes as opaque byte sequences; this package exists so
// that the sinks, the relay server and the CLIs have a concrete payload type
// with the metadata accessors they need (event id, content hash).
package envelope

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Header is a single JSON object line, either the envelope header or an item
// header. Values are kept raw so a parse/serialize round trip does not mangle
// fields this package does not understand.
type Header map[string]json.RawMessage

// Item is one envelope item: an item header and its payload bytes.
type Item struct {
	Header  Header
	Payload []byte
}

// Type returns the item's "type" header field, or "" if absent.
func (i Item) Type() string {
	return headerString(i.Header, "type")
}

// NewItem builds an item of the given type around payload.
func NewItem(itemType string, payload []byte) Item {
	header := Header{"type": mustMarshal(itemType)}
	return Item{Header: header, Payload: payload}
}

// Envelope is a single unit of telemetry: a header and a sequence of items.
type Envelope struct {
	Header Header
	Items  []Item
}

// New builds an envelope with the given event id (may be empty) and items.
func New(eventID string, items ...Item) *Envelope {
	header := Header{}
	if eventID != "" {
		header["event_id"] = mustMarshal(eventID)
	}
	return &Envelope{Header: header, Items: items}
}

// NewEventID returns a fresh event id: 32 lowercase hex characters, no dashes.
func NewEventID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// EventID returns the envelope's event id normalized to lowercase hex without
// dashes, or "" if the header does not carry one.
func (e *Envelope) EventID() string {
	id := headerString(e.Header, "event_id")
	return strings.ToLower(strings.ReplaceAll(id, "-", ""))
}

// ContentHash returns a 64-bit arithmetic hash of the serialized envelope. It
// is stable for a given envelope but is not a cryptographic digest.
func (e *Envelope) ContentHash() uint64 {
	digest := xxhash.New()
	_, _ = e.WriteTo(digest)
	return digest.Sum64()
}

// Parse reads one envelope from r.
//
// Item payloads are either length-prefixed via a "length" item-header field or,
// when that field is absent, terminated by the next newline.
func Parse(r io.Reader) (*Envelope, error) {
	br := bufio.NewReader(r)

	headerLine, err := readLine(br)
	if err != nil {
		return nil, errors.Wrap(err, "read envelope header")
	}
	env := &Envelope{}
	if err := json.Unmarshal(headerLine, &env.Header); err != nil {
		return nil, errors.Errorf("malformed envelope header: %w", err)
	}

	for {
		line, err := readLine(br)
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return env, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "read item header")
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		item := Item{}
		if err := json.Unmarshal(line, &item.Header); err != nil {
			return nil, errors.Errorf("malformed item header: %w", err)
		}

		length, hasLength, err := itemLength(item.Header)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if hasLength {
			item.Payload = make([]byte, length)
			if _, err := io.ReadFull(br, item.Payload); err != nil {
				return nil, errors.Errorf("truncated item payload: %w", err)
			}
			// Consume the newline separating the payload from the next item.
			if _, err := readLine(br); err != nil && !errors.Is(err, io.EOF) {
				return nil, errors.Wrap(err, "read item terminator")
			}
		} else {
			payload, err := readLine(br)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, errors.Wrap(err, "read item payload")
			}
			item.Payload = payload
		}
		env.Items = append(env.Items, item)
	}
}

// WriteTo serializes the envelope. Item headers are written with their
// "length" field set to the actual payload size.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	if err := writeJSONLine(cw, e.Header); err != nil {
		return cw.n, errors.Wrap(err, "write envelope header")
	}
	for _, item := range e.Items {
		header := make(Header, len(item.Header)+1)
		for k, v := range item.Header {
			header[k] = v
		}
		header["length"] = mustMarshal(len(item.Payload))
		if err := writeJSONLine(cw, header); err != nil {
			return cw.n, errors.Wrap(err, "write item header")
		}
		if _, err := cw.Write(item.Payload); err != nil {
			return cw.n, errors.Wrap(err, "write item payload")
		}
		if _, err := cw.Write([]byte{'\n'}); err != nil {
			return cw.n, errors.Wrap(err, "write item terminator")
		}
	}
	return cw.n, nil
}

// Bytes serializes the envelope into memory.
func (e *Envelope) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = e.WriteTo(&buf)
	return buf.Bytes()
}

func itemLength(header Header) (int, bool, error) {
	raw, ok := header["length"]
	if !ok {
		return 0, false, nil
	}
	var length int
	if err := json.Unmarshal(raw, &length); err != nil {
		return 0, false, errors.Errorf("malformed item length: %w", err)
	}
	if length < 0 {
		return 0, false, errors.Errorf("negative item length %d", length)
	}
	return length, true, nil
}

func headerString(header Header, key string) string {
	raw, ok := header[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// readLine returns the next line without its trailing newline. io.EOF is
// returned alongside any bytes read before the stream ended.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, err //nolint:wrapcheck
}

func writeJSONLine(w io.Writer, header Header) error {
	data, err := json.Marshal(header)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err //nolint:wrapcheck
}
