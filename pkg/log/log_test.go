package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutputProducesParseableLines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Str("component", "test").Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "test", line["component"])
}

func TestInitRespectsLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be dropped")
	Logger.Warn().Msg("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should be dropped")
	assert.Contains(t, out, "should appear")
}

func TestInitDefaultsUnknownLevelToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("bogus"), JSONOutput: true, Output: &buf})

	Logger.Info().Msg("visible at default level")
	assert.Contains(t, buf.String(), "visible at default level")
}

func TestWithComponentTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("broker").Info().Msg("tagged")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "broker", line["component"])
}

func TestWithTopicPubSubModeTagLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithTopic("t1").Info().Msg("m1")
	WithPubID("pub-1").Info().Msg("m2")
	WithSubID("sub-1").Info().Msg("m3")
	WithMode("direct").Info().Msg("m4")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var l1, l2, l3, l4 map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &l1))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &l2))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &l3))
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &l4))

	assert.Equal(t, "t1", l1["topic"])
	assert.Equal(t, "pub-1", l2["pub_id"])
	assert.Equal(t, "sub-1", l3["sub_id"])
	assert.Equal(t, "direct", l4["mode"])
}

func TestErrorfIncludesErrorField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	Errorf("operation failed", assertErr("boom"))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "operation failed", line["message"])
	assert.Equal(t, "boom", line["error"])
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
