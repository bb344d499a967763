package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerStream = `{"type":"progress","requestId":"a","percentage":0.25}
{"type":"progress_state","requestId":"a","percentage":0.999,"animated":true,"name":"Detecting"}

{"type":"response","requestId":"a","output":{"version":"JAVA_1_20"}}
{"type":"error","requestId":"b","error":"boom","stackTrace":"x\ny"}
`

type collector struct {
	messages []string
	errors   int
}

func (c *collector) decoder() *LineDecoder {
	return NewLineDecoder(func(m Message) {
		data, err := json.Marshal(m)
		if err != nil {
			panic(err)
		}
		c.messages = append(c.messages, string(data))
	}, func(line []byte, err error) {
		c.errors++
	})
}

func decodeWhole(t *testing.T, stream string) []string {
	t.Helper()
	var c collector
	_, err := c.decoder().Write([]byte(stream))
	require.NoError(t, err)
	return c.messages
}

func TestLineDecoderWholeStream(t *testing.T) {
	got := decodeWhole(t, workerStream)
	require.Len(t, got, 4)
	assert.JSONEq(t, `{"type":"response","requestId":"a","output":{"version":"JAVA_1_20"}}`, got[2])
}

func TestLineDecoderAnyTwoSplits(t *testing.T) {
	want := decodeWhole(t, workerStream)
	data := []byte(workerStream)

	for i := 0; i <= len(data); i++ {
		for j := i; j <= len(data); j++ {
			var c collector
			d := c.decoder()
			d.Write(data[:i])
			d.Write(data[i:j])
			d.Write(data[j:])
			require.Equal(t, want, c.messages, "split at %d/%d", i, j)
			require.Zero(t, d.Pending())
		}
	}
}

func TestLineDecoderByteAtATime(t *testing.T) {
	want := decodeWhole(t, workerStream)

	var c collector
	d := c.decoder()
	for _, b := range []byte(workerStream) {
		d.Write([]byte{b})
	}
	assert.Equal(t, want, c.messages)
}

func TestLineDecoderRetainsFragment(t *testing.T) {
	var c collector
	d := c.decoder()

	d.Write([]byte(`{"type":"progress","requestId":"a"`))
	assert.Empty(t, c.messages)
	assert.Positive(t, d.Pending())

	d.Write([]byte(",\"percentage\":0.5}\n"))
	require.Len(t, c.messages, 1)
	assert.Zero(t, d.Pending())
}

func TestLineDecoderDropsMalformedLines(t *testing.T) {
	var c collector
	d := c.decoder()

	input := "Picked up nothing\n{\"type\":\"response\",\"requestId\":\"a\"}\n[1,2]\n{broken\r\n{\"type\":\"error\",\"requestId\":\"b\"}\r\n"
	n, err := d.Write([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, len(input), n)

	assert.Len(t, c.messages, 2)
	assert.Equal(t, 3, c.errors)
}

func TestLineDecoderPreservesNumbers(t *testing.T) {
	var got Message
	d := NewLineDecoder(func(m Message) { got = m }, nil)
	d.Write([]byte(`{"type":"response","requestId":9007199254740993,"output":{"id":12345678901234567890}}` + "\n"))

	require.NotNil(t, got)
	assert.Equal(t, RequestID("9007199254740993"), got.RequestID())

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(data), "12345678901234567890")
}
