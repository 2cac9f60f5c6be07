package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaymesh/pkg/types"
)

func TestWriteReadFrame(t *testing.T) {
	env := Envelope{
		Type:          MsgRegisterReq,
		TimestampSent: 42,
		Register: &RegisterReq{Registrant: types.Registrant{
			ID: "pub-1", Addr: "127.0.0.1", Port: 9000, Role: types.RolePublisher, Topics: []string{"weather"},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.TimestampSent, got.TimestampSent)
	require.NotNil(t, got.Register)
	assert.Equal(t, env.Register.Registrant, got.Register.Registrant)
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(hdr)
	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestWriteReadRaw(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	require.NoError(t, WriteRaw(&buf, payload))

	got, err := ReadRaw(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEncodeDecodeRecord(t *testing.T) {
	rec := types.PublishRecord{
		Topic:         "weather",
		Data:          []byte("sunny"),
		PubID:         "pub-1",
		SentTimestamp: 123,
	}
	frame, err := EncodeRecord(rec)
	require.NoError(t, err)

	assert.Equal(t, "weather", TopicOf(frame))

	topic, got, err := DecodeRecord(frame)
	require.NoError(t, err)
	assert.Equal(t, "weather", topic)
	assert.Equal(t, rec, got)
}

func TestDecodeRecordMalformed(t *testing.T) {
	_, _, err := DecodeRecord([]byte("no delimiter here"))
	require.Error(t, err)
}

func TestEncodeDecodeTagged(t *testing.T) {
	body := []byte(`{"addr":"127.0.0.1","port":9000}`)
	frame := EncodeTagged("sub", body)

	tag, got := DecodeTagged(frame)
	assert.Equal(t, "sub", tag)
	assert.Equal(t, body, got)
}

func TestDecodeTaggedNoDelimiter(t *testing.T) {
	tag, body := DecodeTagged([]byte("justtag"))
	assert.Equal(t, "justtag", tag)
	assert.Nil(t, body)
}
