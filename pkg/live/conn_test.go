package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/models"
)

type endpointScript func(t *testing.T, conn *websocket.Conn)

func newLiveEndpoint(t *testing.T, script endpointScript) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(t, conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSDialer_SetupAndStream(t *testing.T) {
	received := make(chan map[string]interface{}, 2)

	srv, wsURL := newLiveEndpoint(t, func(t *testing.T, conn *websocket.Conn) {
		var setup map[string]interface{}
		if err := conn.ReadJSON(&setup); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		received <- setup
		_ = conn.WriteJSON(map[string]interface{}{"setupComplete": map[string]interface{}{}})

		var input map[string]interface{}
		if err := conn.ReadJSON(&input); err != nil {
			t.Errorf("read input: %v", err)
			return
		}
		received <- input

		_ = conn.WriteJSON(map[string]interface{}{
			"serverContent": map[string]interface{}{
				"modelTurn": map[string]interface{}{
					"parts": []interface{}{
						map[string]interface{}{"inlineData": map[string]interface{}{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString([]byte{9, 8, 7}),
						}},
						map[string]interface{}{"text": "hi"},
					},
				},
				"turnComplete": true,
			},
		})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	dialer := &WSDialer{URL: wsURL, APIKey: "test-key", Timeout: 2 * time.Second}
	conn, err := dialer.Dial(context.Background(), SessionConfig{
		Model:             "models/test-live",
		Voice:             "Zephyr",
		SystemInstruction: "be kind",
	})
	require.NoError(t, err)
	defer conn.Close()

	setup := (<-received)["setup"].(map[string]interface{})
	assert.Equal(t, "models/test-live", setup["model"])
	gen := setup["generationConfig"].(map[string]interface{})
	assert.Equal(t, []interface{}{"AUDIO"}, gen["responseModalities"])
	assert.Equal(t, constants.MediaResolution, gen["mediaResolution"])
	compression := setup["contextWindowCompression"].(map[string]interface{})
	assert.EqualValues(t, constants.CompressionTriggerTokens, compression["triggerTokens"])

	require.NoError(t, conn.Send(context.Background(), models.Frame{
		MimeType: constants.AudioMimeType,
		Payload:  []byte{1, 2},
	}))
	raw, _ := json.Marshal(<-received)
	assert.JSONEq(t, `{"realtimeInput":{"mediaChunks":[{"mimeType":"audio/pcm;rate=16000","data":"AQI="}]}}`, string(raw))

	ev, err := conn.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{9, 8, 7}}, ev.Audio)
	assert.Equal(t, []string{"hi"}, ev.Text)
	assert.True(t, ev.TurnComplete)

	_, err = conn.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestWSDialer_RejectsMissingSetupAck(t *testing.T) {
	srv, wsURL := newLiveEndpoint(t, func(t *testing.T, conn *websocket.Conn) {
		var setup map[string]interface{}
		_ = conn.ReadJSON(&setup)
		_ = conn.WriteJSON(map[string]interface{}{"error": map[string]interface{}{"code": 403, "message": "denied"}})
	})
	defer srv.Close()

	dialer := &WSDialer{URL: wsURL, APIKey: "test-key", Timeout: 2 * time.Second}
	_, err := dialer.Dial(context.Background(), SessionConfig{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestDecodeServerMessage(t *testing.T) {
	ev, err := decodeServerMessage([]byte(`{"serverContent":{"interrupted":true}}`))
	require.NoError(t, err)
	assert.True(t, ev.Interrupted)
	assert.Empty(t, ev.Audio)

	ev, err = decodeServerMessage([]byte(`{"goAway":{"timeLeft":"5s"}}`))
	require.NoError(t, err)
	assert.True(t, ev.GoAway)

	_, err = decodeServerMessage([]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"%%%"}}]}}}`))
	assert.Error(t, err)
}

func TestDecodeServerMessage_PlaybackRate(t *testing.T) {
	ev, err := decodeServerMessage([]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQI="}}]}}}`))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1, 2}}, ev.Audio)

	_, err = decodeServerMessage([]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=16000","data":"AQI="}}]}}}`))
	assert.ErrorContains(t, err, "unsupported playback rate")

	_, err = decodeServerMessage([]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"image/jpeg","data":"AQI="}}]}}}`))
	assert.Error(t, err)
}

func TestRealtimeInput_AnnouncesMicrophoneRate(t *testing.T) {
	audio := newRealtimeInput(models.Frame{MimeType: constants.AudioMimeType, Payload: []byte{1}})
	assert.Equal(t, "audio/pcm;rate=16000", audio.RealtimeInput.MediaChunks[0].MimeType)

	video := newRealtimeInput(models.Frame{MimeType: constants.ImageMimeType, Payload: []byte{1}})
	assert.Equal(t, constants.ImageMimeType, video.RealtimeInput.MediaChunks[0].MimeType)
}

func TestWSConn_CloseReturnsWhileSendIsStalled(t *testing.T) {
	release := make(chan struct{})
	srv, wsURL := newLiveEndpoint(t, func(t *testing.T, conn *websocket.Conn) {
		var setup map[string]interface{}
		_ = conn.ReadJSON(&setup)
		_ = conn.WriteJSON(map[string]interface{}{"setupComplete": map[string]interface{}{}})
		// never read again so the client's socket buffers fill up
		<-release
	})
	defer srv.Close()
	defer close(release)

	dialer := &WSDialer{URL: wsURL, APIKey: "test-key", Timeout: 2 * time.Second}
	conn, err := dialer.Dial(context.Background(), SessionConfig{Model: "m"})
	require.NoError(t, err)

	payload := make([]byte, 1<<20)
	sendErr := make(chan error, 1)
	go func() {
		for {
			if err := conn.Send(context.Background(), models.Frame{MimeType: constants.AudioMimeType, Payload: payload}); err != nil {
				sendErr <- err
				return
			}
		}
	}()

	// give the writer time to block on the full socket
	time.Sleep(300 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a stalled Send")
	}

	select {
	case err := <-sendErr:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stalled Send was not released by Close")
	}
}
