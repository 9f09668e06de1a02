package live

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"strconv"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/models"
)

// SessionConfig is the startup configuration sent once per connection.
type SessionConfig struct {
	Model             string
	Voice             string
	SystemInstruction string
}

type clientSetup struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                    string            `json:"model"`
	GenerationConfig         generationConfig  `json:"generationConfig"`
	SystemInstruction        content           `json:"systemInstruction"`
	ContextWindowCompression compressionConfig `json:"contextWindowCompression"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	MediaResolution    string       `json:"mediaResolution"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type compressionConfig struct {
	TriggerTokens int64 `json:"triggerTokens"`
	SlidingWindow struct {
		TargetTokens int64 `json:"targetTokens"`
	} `json:"slidingWindow"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// blob is the media wire shape: mime type plus base64 payload.
type blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type clientRealtimeInput struct {
	RealtimeInput struct {
		MediaChunks []blob `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn    *content `json:"modelTurn,omitempty"`
		TurnComplete bool     `json:"turnComplete,omitempty"`
		Interrupted  bool     `json:"interrupted,omitempty"`
	} `json:"serverContent,omitempty"`
	GoAway *json.RawMessage `json:"goAway,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ServerEvent is one decoded response unit, parts in delivery order.
type ServerEvent struct {
	SetupComplete bool
	Audio         [][]byte
	Text          []string
	TurnComplete  bool
	Interrupted   bool
	GoAway        bool
}

func newSetup(cfg SessionConfig) clientSetup {
	var s clientSetup
	s.Setup.Model = cfg.Model
	s.Setup.GenerationConfig.ResponseModalities = []string{constants.ResponseModality}
	s.Setup.GenerationConfig.MediaResolution = constants.MediaResolution
	s.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
	s.Setup.SystemInstruction = content{Parts: []part{{Text: cfg.SystemInstruction}}}
	s.Setup.ContextWindowCompression.TriggerTokens = constants.CompressionTriggerTokens
	s.Setup.ContextWindowCompression.SlidingWindow.TargetTokens = constants.CompressionTargetTokens
	return s
}

// microphoneMimeType tells the endpoint the capture rate of outbound PCM.
var microphoneMimeType = fmt.Sprintf("%s;rate=%d", constants.AudioMimeType, constants.SendSampleRate)

func newRealtimeInput(f models.Frame) clientRealtimeInput {
	mimeType := f.MimeType
	if mimeType == constants.AudioMimeType {
		mimeType = microphoneMimeType
	}
	var msg clientRealtimeInput
	msg.RealtimeInput.MediaChunks = []blob{{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(f.Payload),
	}}
	return msg
}

func decodeServerMessage(data []byte) (ServerEvent, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerEvent{}, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Error != nil {
		return ServerEvent{}, fmt.Errorf("live endpoint error %d: %s", msg.Error.Code, msg.Error.Message)
	}

	ev := ServerEvent{
		SetupComplete: msg.SetupComplete != nil,
		GoAway:        msg.GoAway != nil,
	}
	if sc := msg.ServerContent; sc != nil {
		ev.TurnComplete = sc.TurnComplete
		ev.Interrupted = sc.Interrupted
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" {
					if err := checkPlaybackFormat(p.InlineData.MimeType); err != nil {
						return ServerEvent{}, err
					}
					audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						return ServerEvent{}, fmt.Errorf("decode inline data: %w", err)
					}
					ev.Audio = append(ev.Audio, audio)
				}
				if p.Text != "" {
					ev.Text = append(ev.Text, p.Text)
				}
			}
		}
	}
	return ev, nil
}

// checkPlaybackFormat accepts PCM at the playback rate. A missing rate
// parameter means the endpoint default, which is the playback rate.
func checkPlaybackFormat(mimeType string) error {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fmt.Errorf("decode inline data mime type %q: %w", mimeType, err)
	}
	if mediaType != constants.AudioMimeType {
		return fmt.Errorf("unsupported inline data %q", mediaType)
	}
	if raw, ok := params["rate"]; ok {
		rate, err := strconv.Atoi(raw)
		if err != nil || rate != constants.ReceiveSampleRate {
			return fmt.Errorf("unsupported playback rate %q, want %d", raw, constants.ReceiveSampleRate)
		}
	}
	return nil
}
