package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aclij/btransfer/internal/message"
)

// recordOrder 记录 filter 的执行顺序
func recordOrder(order *[]string, name string) TransformFunc {
	return func(m *message.Message) (*message.Message, error) {
		*order = append(*order, name)
		return m, nil
	}
}

func TestChainOrdering(t *testing.T) {
	var order []string
	c := NewChain()
	c.Add(NewCustom("logger", 0, recordOrder(&order, "logger"), recordOrder(&order, "logger")))
	c.Add(NewCustom("compressor", 1, recordOrder(&order, "compressor"), recordOrder(&order, "compressor")))
	c.Add(NewCustom("encryptor", 2, recordOrder(&order, "encryptor"), recordOrder(&order, "encryptor")))

	_, err := c.ApplyOutgoing(message.NewText("x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"encryptor", "compressor", "logger"}, order, "outgoing folds by descending priority")

	order = nil
	_, err = c.ApplyIncoming(message.NewText("x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"logger", "compressor", "encryptor"}, order, "incoming folds by ascending priority")
}

func TestCompressionRoundTrip(t *testing.T) {
	f := NewCompression("gz", 1, 16)
	content := strings.Repeat("compress me please ", 50)

	out, err := f.ProcessOutgoing(message.NewText(content))
	require.NoError(t, err)
	assert.True(t, out.MetaBool(message.MetaCompressed))
	assert.NotEqual(t, content, out.Content)

	back, err := f.ProcessIncoming(out)
	require.NoError(t, err)
	assert.Equal(t, content, back.Content)
	assert.False(t, back.MetaBool(message.MetaCompressed))
	assert.True(t, back.MetaBool(message.MetaDecompressed))
}

func TestCompressionBelowThresholdPassthrough(t *testing.T) {
	f := NewCompression("gz", 1, 1024)
	m := message.NewText("tiny")
	out, err := f.ProcessOutgoing(m)
	require.NoError(t, err)
	assert.Same(t, m, out)
	assert.False(t, out.MetaBool(message.MetaCompressed))
}

func TestCompressionIncomingSkipsUncompressed(t *testing.T) {
	f := NewCompression("gz", 1, 16)
	m := message.NewText("not compressed at all")
	out, err := f.ProcessIncoming(m)
	require.NoError(t, err)
	assert.Equal(t, m.Content, out.Content)
}

func TestEncryptionRoundTrip(t *testing.T) {
	f, err := NewEncryption("crypt", 2, "secret-key")
	require.NoError(t, err)

	out, err := f.ProcessOutgoing(message.NewText("top secret"))
	require.NoError(t, err)
	assert.True(t, out.MetaBool(message.MetaEncrypted))
	assert.NotEqual(t, "top secret", out.Content)

	back, err := f.ProcessIncoming(out)
	require.NoError(t, err)
	assert.Equal(t, "top secret", back.Content)
	assert.True(t, back.MetaBool(message.MetaDecrypted))
}

func TestEncryptionRequiresKey(t *testing.T) {
	_, err := NewEncryption("crypt", 2, "")
	require.Error(t, err)
}

func TestValidationErrorPropagates(t *testing.T) {
	c := NewChain()
	c.Add(NewValidation("check", 0, []string{"senderAddress"}))

	_, err := c.ApplyOutgoing(message.NewText("missing field"))
	require.Error(t, err)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	m := message.NewText("ok")
	m.Meta()[message.MetaSenderAddress] = "AA:BB:CC:DD:EE:FF"
	_, err = c.ApplyOutgoing(m)
	assert.NoError(t, err)
}

func TestValidationRejectsEmptyType(t *testing.T) {
	f := NewValidation("check", 0, nil)
	_, err := f.ProcessIncoming(&message.Message{Content: "no type"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestNonValidationErrorFailsOpen(t *testing.T) {
	c := NewChain()
	boom := func(m *message.Message) (*message.Message, error) {
		return nil, errors.New("boom")
	}
	mark := func(m *message.Message) (*message.Message, error) {
		out := m.Clone()
		out.Meta()["marked"] = true
		return out, nil
	}
	c.Add(NewCustom("broken", 0, boom, boom))
	c.Add(NewCustom("marker", 1, mark, mark))

	out, err := c.ApplyIncoming(message.NewText("survives"))
	require.NoError(t, err)
	assert.Equal(t, "survives", out.Content)
	assert.True(t, out.MetaBool("marked"), "later filters still run after a fail-open error")
}

func TestRoutingAttachesHint(t *testing.T) {
	f := NewRouting("route", 0, map[string]string{message.TypeFileRequest: "transfer"})

	hit, err := f.ProcessOutgoing(&message.Message{Type: message.TypeFileRequest, Content: "a.bin"})
	require.NoError(t, err)
	assert.Equal(t, "transfer", hit.MetaString(message.MetaRoutedTo))

	miss, err := f.ProcessIncoming(message.NewText("plain"))
	require.NoError(t, err)
	assert.Empty(t, miss.MetaString(message.MetaRoutedTo))
}

func TestChainAddRemove(t *testing.T) {
	c := NewChain()
	c.Add(NewLogging("log", 0, true, true))
	c.Add(NewCompression("gz", 1, 64))
	assert.ElementsMatch(t, []string{"log", "gz"}, c.ActiveIDs())

	assert.True(t, c.Remove("log"))
	assert.False(t, c.Remove("log"))
	assert.ElementsMatch(t, []string{"gz"}, c.ActiveIDs())

	// 同 id 重复 Add 是替换
	c.Add(NewCompression("gz", 5, 64))
	assert.Len(t, c.ActiveIDs(), 1)

	c.Clear()
	assert.Empty(t, c.ActiveIDs())
}

func TestFactoryBuildsConfiguredFilters(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  map[string]any
	}{
		{"logging", map[string]any{"type": "logging", "priority": 0}},
		{"compression", map[string]any{"type": "compression", "priority": 1, "threshold": 128}},
		{"encryption", map[string]any{"type": "encryption", "priority": 2, "key": "k"}},
		{"validation", map[string]any{"type": "validation", "requiredFields": []any{"senderAddress"}}},
		{"routing", map[string]any{"type": "routing", "routes": map[string]any{"text": "ui"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, err := New(tc.name, tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.name, f.ID())
		})
	}

	_, err := New("x", map[string]any{"type": "nope"})
	require.Error(t, err)
}
