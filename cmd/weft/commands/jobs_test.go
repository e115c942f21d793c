package commands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/weft/config"
	wefttest "github.com/teranos/weft/internal/testing"
	"github.com/teranos/weft/queue"
)

func TestReadPayload(t *testing.T) {
	reset := func() {
		submitPayload = ""
		submitPayloadFile = ""
	}

	t.Run("no payload flags means nil payload", func(t *testing.T) {
		reset()
		raw, err := readPayload()
		require.NoError(t, err)
		assert.Nil(t, raw)
	})

	t.Run("inline payload must be valid JSON", func(t *testing.T) {
		reset()
		submitPayload = `{"image": "u/1.png"}`
		raw, err := readPayload()
		require.NoError(t, err)
		assert.JSONEq(t, `{"image": "u/1.png"}`, string(raw))

		submitPayload = `{not json`
		_, err = readPayload()
		assert.Error(t, err)
	})

	t.Run("payload file is read and validated", func(t *testing.T) {
		reset()
		path := filepath.Join(t.TempDir(), "payload.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"steps": 30}`), 0644))

		submitPayloadFile = path
		raw, err := readPayload()
		require.NoError(t, err)
		assert.JSONEq(t, `{"steps": 30}`, string(raw))
	})

	t.Run("inline and file together are rejected", func(t *testing.T) {
		reset()
		submitPayload = `{}`
		submitPayloadFile = "somewhere.json"
		_, err := readPayload()
		assert.Error(t, err)
	})

	reset()
}

// The submit command talks to a server; the store underneath is the same
// one the serve command opens. Exercise that path end to end: open a
// store the way openStore does, submit through a broker, and confirm the
// job lands queued.
func TestOpenStoreSubmitRoundTrip(t *testing.T) {
	db := wefttest.CreateTestDB(t)
	store, err := queue.NewWithDB(db)
	require.NoError(t, err)

	cfg := &config.Config{}
	broker := queue.NewBroker(store, queue.NewNotifier(), cfg.GetQueueConfig())

	job, err := broker.Submit(context.Background(), &queue.SubmitRequest{
		ServiceRequired: "upscale",
		Payload:         json.RawMessage(`{"image": "u/1.png"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, job.Status)

	got, err := broker.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "upscale", got.ServiceRequired)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "-", truncate("", 10))
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactlyten", truncate("exactlyten", 10))
	assert.Equal(t, "toolong...", truncate("toolongvalue", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestFormatMS(t *testing.T) {
	assert.Equal(t, "-", formatMS(0, "2006-01-02"))
	assert.NotEqual(t, "-", formatMS(1700000000000, "2006-01-02"))
}
