package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out the given chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.chunks) > 0 && len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	return n, nil
}

func testMessages(t *testing.T) []*Message {
	submit, err := NewRequest("4f1c", "mining.submit", map[string]interface{}{
		"coin":       "BHD",
		"submission": map[string]interface{}{"nonce": "12345", "note": "line\nbreak"},
		"options":    map[string]interface{}{},
	})
	require.NoError(t, err)
	notify, err := NewNotification("mining.notify", map[string]interface{}{
		"coin":       "BHD",
		"miningInfo": map[string]interface{}{"height": 100, "baseTarget": 7},
	})
	require.NoError(t, err)
	result, err := NewResult(json.RawMessage(`"4f1c"`), true)
	require.NoError(t, err)
	return []*Message{submit, notify, result, NewError(json.RawMessage(`7`), "Invalid coins: XYZ")}
}

func encodeAll(t *testing.T, msgs []*Message) []byte {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, m := range msgs {
		require.NoError(t, enc.Encode(m))
	}
	return buf.Bytes()
}

func decodeAll(t *testing.T, dec *Decoder) ([]*Message, []*FrameError) {
	var msgs []*Message
	var ferrs []*FrameError
	for {
		m, err := dec.Decode()
		if err == io.EOF {
			return msgs, ferrs
		}
		var ferr *FrameError
		if errors.As(err, &ferr) {
			ferrs = append(ferrs, ferr)
			continue
		}
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
}

func assertSameMessage(t *testing.T, want, got *Message) {
	wantFrame, err := Marshal(want)
	require.NoError(t, err)
	gotFrame, err := Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantFrame), string(gotFrame))
}

func TestEncodeSingleLine(t *testing.T) {
	for _, m := range testMessages(t) {
		frame, err := Marshal(m)
		require.NoError(t, err)
		assert.Equal(t, 1, bytes.Count(frame, []byte("\n")))
		assert.Equal(t, byte('\n'), frame[len(frame)-1])
		assert.Contains(t, string(frame), `"jsonrpc":"2.0"`)
	}
}

func TestDecodeAcrossEverySplitPoint(t *testing.T) {
	want := testMessages(t)
	stream := encodeAll(t, want)

	for i := 0; i <= len(stream); i++ {
		for _, j := range []int{i, (i + len(stream)) / 2, len(stream)} {
			if j < i {
				continue
			}
			chunks := [][]byte{
				append([]byte(nil), stream[:i]...),
				append([]byte(nil), stream[i:j]...),
				append([]byte(nil), stream[j:]...),
			}
			got, ferrs := decodeAll(t, NewDecoder(&chunkReader{chunks: chunks}, 0))
			require.Empty(t, ferrs, "split at %d/%d", i, j)
			require.Len(t, got, len(want), "split at %d/%d", i, j)
			for k := range want {
				assertSameMessage(t, want[k], got[k])
			}
		}
	}
}

func TestDecodeOneByteAtATime(t *testing.T) {
	want := testMessages(t)
	stream := encodeAll(t, want)

	got, ferrs := decodeAll(t, NewDecoder(iotest.OneByteReader(bytes.NewReader(stream)), 0))
	assert.Empty(t, ferrs)
	require.Len(t, got, len(want))
	for k := range want {
		assertSameMessage(t, want[k], got[k])
	}
}

func TestMalformedLineIsIsolated(t *testing.T) {
	stream := "{not json\n" +
		`{"id":null,"method":"mining.ping","params":[]}` + "\n"

	got, ferrs := decodeAll(t, NewDecoder(strings.NewReader(stream), 0))
	require.Len(t, ferrs, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "mining.ping", got[0].Method)
	assert.True(t, got[0].IsNotification())
}

func TestStructurallyInvalidFrames(t *testing.T) {
	lines := []string{
		`{"id":1,"method":"mining.subscribe"}`,             // params absent
		`{"id":1,"method":"mining.subscribe","params":null}`, // params null
		`{"id":1}`,          // neither result nor error
		`{"id":1,"error":null}`,
		`[1,2,3]`,
		`{"id":1,"method":5,"params":[]}`,
	}
	stream := strings.Join(lines, "\n") + "\n" + `{"id":1,"result":true}` + "\n"

	got, ferrs := decodeAll(t, NewDecoder(strings.NewReader(stream), 0))
	assert.Len(t, ferrs, len(lines))
	require.Len(t, got, 1)
	assert.Equal(t, KindResponse, got[0].Kind())
	assert.Equal(t, "1", got[0].IDKey())
}

func TestErrorShapes(t *testing.T) {
	stream := `{"id":1,"result":null,"error":"Invalid coins: X"}` + "\n" +
		`{"id":2,"error":{"code":-1,"message":"stale"}}` + "\n" +
		`{"id":3,"result":null,"error":[21,"job not found",null]}` + "\n" +
		`{"id":4,"result":{"accepted":true},"error":null}` + "\n"

	got, ferrs := decodeAll(t, NewDecoder(strings.NewReader(stream), 0))
	require.Empty(t, ferrs)
	require.Len(t, got, 4)
	assert.Equal(t, "Invalid coins: X", got[0].Error)
	assert.Equal(t, "stale", got[1].Error)
	assert.Equal(t, "job not found", got[2].Error)
	assert.False(t, got[3].HasError)
	assert.JSONEq(t, `{"accepted":true}`, string(got[3].Result))
}

func TestOversizedLineIsSkipped(t *testing.T) {
	long := `{"id":1,"method":"mining.submit","params":["` + strings.Repeat("a", 200) + `"]}`
	stream := long + "\n" + `{"id":2,"result":true}` + "\n"

	got, ferrs := decodeAll(t, NewDecoder(strings.NewReader(stream), 64))
	require.Len(t, ferrs, 1)
	assert.Contains(t, ferrs[0].Error(), "exceeds 64 bytes")
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].IDKey())
}

func TestTrailingPartialLineDropped(t *testing.T) {
	stream := `{"id":1,"result":true}` + "\n" + `{"id":2,"res`

	got, ferrs := decodeAll(t, NewDecoder(strings.NewReader(stream), 0))
	assert.Empty(t, ferrs)
	assert.Len(t, got, 1)
}

func TestConcurrentEncodesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m, _ := NewNotification("mining.notify", map[string]string{"coin": strings.Repeat("x", 300)})
				assert.NoError(t, enc.Encode(m))
			}
		}()
	}
	wg.Wait()

	got, ferrs := decodeAll(t, NewDecoder(&buf, 0))
	assert.Empty(t, ferrs)
	assert.Len(t, got, 1000)
}

func TestIDKeyIgnoresWhitespace(t *testing.T) {
	a := &Message{ID: json.RawMessage(`"abc"`)}
	b := &Message{ID: json.RawMessage(` "abc" `)}
	assert.Equal(t, a.IDKey(), b.IDKey())
	assert.True(t, (&Message{}).IsNotification())
	assert.True(t, (&Message{ID: NullID}).IsNotification())
	assert.False(t, a.IsNotification())
}
