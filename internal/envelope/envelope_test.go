package envelope_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/block/telespool/internal/envelope"
)

func TestParseRoundTrip(t *testing.T) {
	env := envelope.New("b2495755f67e4bb8a75504e5ce91d6c1",
		envelope.NewItem("event", []byte(`{"message":"hello"}`)),
		envelope.NewItem("attachment", []byte("raw bytes\nwith a newline")),
	)

	var buf bytes.Buffer
	n, err := env.WriteTo(&buf)
	assert.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	parsed, err := envelope.Parse(&buf)
	assert.NoError(t, err)
	assert.Equal(t, "b2495755f67e4bb8a75504e5ce91d6c1", parsed.EventID())
	assert.Equal(t, 2, len(parsed.Items))
	assert.Equal(t, "event", parsed.Items[0].Type())
	assert.Equal(t, []byte(`{"message":"hello"}`), parsed.Items[0].Payload)
	assert.Equal(t, []byte("raw bytes\nwith a newline"), parsed.Items[1].Payload)
}

func TestParseLengthlessItem(t *testing.T) {
	raw := `{"event_id":"9ec79c33ec9942ab8353589fcb2e04dc"}
{"type":"session"}
{"status":"exited"}
`
	env, err := envelope.Parse(strings.NewReader(raw))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(env.Items))
	assert.Equal(t, []byte(`{"status":"exited"}`), env.Items[0].Payload)
}

func TestParseMalformedHeader(t *testing.T) {
	_, err := envelope.Parse(strings.NewReader("not json\n"))
	assert.Error(t, err)
}

func TestParseTruncatedPayload(t *testing.T) {
	raw := `{}
{"type":"event","length":100}
short`
	_, err := envelope.Parse(strings.NewReader(raw))
	assert.Error(t, err)
}

func TestEventIDNormalization(t *testing.T) {
	raw := `{"event_id":"B2495755-F67E-4BB8-A755-04E5CE91D6C1"}
`
	env, err := envelope.Parse(strings.NewReader(raw))
	assert.NoError(t, err)
	assert.Equal(t, "b2495755f67e4bb8a75504e5ce91d6c1", env.EventID())
}

func TestEventIDAbsent(t *testing.T) {
	env := envelope.New("")
	assert.Equal(t, "", env.EventID())
}

func TestNewEventID(t *testing.T) {
	id := envelope.NewEventID()
	assert.Equal(t, 32, len(id))
	assert.Equal(t, strings.ToLower(id), id)
	assert.False(t, strings.Contains(id, "-"))
	assert.NotEqual(t, id, envelope.NewEventID())
}

func TestContentHashStability(t *testing.T) {
	a := envelope.New("abc", envelope.NewItem("event", []byte(`{"a":1}`)))
	b := envelope.New("abc", envelope.NewItem("event", []byte(`{"a":1}`)))
	c := envelope.New("abc", envelope.NewItem("event", []byte(`{"a":2}`)))

	assert.Equal(t, a.ContentHash(), b.ContentHash())
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())
}

func TestSerializedBytesSurviveRespool(t *testing.T) {
	env := envelope.New("abc", envelope.NewItem("event", []byte(`{"a":1}`)))
	first := env.Bytes()

	parsed, err := envelope.Parse(bytes.NewReader(first))
	assert.NoError(t, err)
	assert.Equal(t, first, parsed.Bytes())
}
