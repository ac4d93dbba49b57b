// Grounded on internal/aws/transcribe.go: TranscribeService/TranscribeStream
// wrapping aws-sdk-go-v2's transcribestreaming package. Re-expressed behind
// the ports.STT/TranscribeSession interfaces and collapsed from a
// partial-results-forwarding stream into the worker pool's
// feed-then-finalize shape (§4.G step 3 only needs the final transcript).
package ports

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
)

// maxTranscribeChunkBytes mirrors the teacher's comment that AWS Transcribe
// streaming expects audio delivered in small frames; 16 KiB is the
// reference value the spec's §4.G step 3 cites.
const maxTranscribeChunkBytes = 16 * 1024

var transcribeLangCodes = map[string]types.LanguageCode{
	"ko": types.LanguageCodeKoKr,
	"en": types.LanguageCodeEnUs,
	"ja": types.LanguageCodeJaJp,
	"zh": types.LanguageCodeZhCn,
	"es": types.LanguageCodeEsUs,
	"fr": types.LanguageCodeFrFr,
	"de": types.LanguageCodeDeDe,
}

// AWSTranscribe adapts Amazon Transcribe streaming to ports.STT.
type AWSTranscribe struct {
	client *transcribestreaming.Client
}

func NewAWSTranscribe(cfg aws.Config) *AWSTranscribe {
	return &AWSTranscribe{client: transcribestreaming.NewFromConfig(cfg)}
}

func (t *AWSTranscribe) MaxChunkBytes() int { return maxTranscribeChunkBytes }

func (t *AWSTranscribe) StartSession(ctx context.Context, sourceLang string, sampleRate int32, channels int) (TranscribeSession, error) {
	langCode, ok := transcribeLangCodes[sourceLang]
	if !ok {
		langCode = types.LanguageCodeEnUs
	}

	stream, err := t.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         langCode,
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(sampleRate),
		NumberOfChannels:     aws.Int32(int32(channels)),
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe: start stream: %w", err)
	}

	return &awsTranscribeSession{stream: stream}, nil
}

type awsTranscribeSession struct {
	stream *transcribestreaming.StartStreamTranscriptionEventStream
}

func (s *awsTranscribeSession) Send(ctx context.Context, pcmChunk []byte) error {
	event := &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: pcmChunk},
	}
	if err := s.stream.GetStream().Send(ctx, event); err != nil {
		return fmt.Errorf("transcribe: send chunk: %w", err)
	}
	return nil
}

// CloseAndRecv closes the input side and drains transcript events,
// keeping only IsFinal results and concatenating them in arrival order, as
// internal/aws/transcribe.go's receiveResults forwarded only IsFinal
// results; partial results are skipped without logging.
func (s *awsTranscribeSession) CloseAndRecv(ctx context.Context) (string, error) {
	if err := s.stream.GetStream().Close(); err != nil {
		log.Printf("[STT] close stream: %v", err)
	}

	var transcript string
	for event := range s.stream.GetStream().Events() {
		result, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok {
			continue
		}
		for _, r := range result.Value.Transcript.Results {
			if r.IsFinal && len(r.Alternatives) > 0 {
				transcript += aws.ToString(r.Alternatives[0].Transcript)
			}
		}
	}
	if err := s.stream.GetStream().Err(); err != nil {
		return transcript, fmt.Errorf("transcribe: stream error: %w", err)
	}
	return transcript, nil
}
