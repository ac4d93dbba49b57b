// Grounded on internal/aws/polly.go: PollyService's per-language voice
// table and SynthesizeSpeechMP3 method — MP3 is the format the spec's §3
// "Translated Chunk" blob key (sessions/{id}/translated/{lang}/{ts}.mp3)
// requires, so the MP3 path is what's wired here (the teacher's PCM
// SynthesizeSpeech method is for a live-playback path this spec doesn't have).
package ports

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
)

type voiceConfig struct {
	VoiceID types.VoiceId
	Engine  types.Engine
}

var defaultVoices = map[string]voiceConfig{
	"ko": {types.VoiceIdSeoyeon, types.EngineNeural},
	"en": {types.VoiceIdJoanna, types.EngineNeural},
	"ja": {types.VoiceIdTakumi, types.EngineNeural},
	"zh": {types.VoiceIdZhiyu, types.EngineNeural},
	"es": {types.VoiceIdLucia, types.EngineNeural},
	"fr": {types.VoiceIdLea, types.EngineNeural},
	"de": {types.VoiceIdVicki, types.EngineNeural},
}

// AWSPolly adapts Amazon Polly to ports.TTS.
type AWSPolly struct {
	client *polly.Client
}

func NewAWSPolly(cfg aws.Config) *AWSPolly {
	return &AWSPolly{client: polly.NewFromConfig(cfg)}
}

func (p *AWSPolly) Synthesize(ctx context.Context, text, targetLang string) (SynthesisResult, error) {
	voice, ok := defaultVoices[targetLang]
	if !ok {
		voice = defaultVoices["en"]
	}

	out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Text:         aws.String(text),
		VoiceId:      voice.VoiceID,
		Engine:       voice.Engine,
		OutputFormat: types.OutputFormatMp3,
	})
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("polly: synthesize: %w", err)
	}
	defer out.AudioStream.Close()

	data := make([]byte, 0, 32*1024)
	buf := make([]byte, 4096)
	for {
		n, readErr := out.AudioStream.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if readErr != nil {
			break
		}
	}

	return SynthesisResult{
		Audio:          data,
		ContentType:    "audio/mpeg",
		DurationMillis: estimateDurationMillis(len(data)),
	}, nil
}

// estimateDurationMillis roughly estimates MP3 playback duration from byte
// size at a typical Polly neural bitrate (~24 kbps for speech), used only
// to populate the notify payload's `duration` field when Polly doesn't
// report one directly.
func estimateDurationMillis(bytesLen int) int64 {
	const bitrateBytesPerSec = 24000 / 8
	if bytesLen == 0 {
		return 0
	}
	return int64(bytesLen) * 1000 / bitrateBytesPerSec
}
