// Grounded directly on internal/aws/translate.go: TranslateService wrapping
// Amazon Translate, including its language-code map and same-language
// passthrough short-circuit.
package ports

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/translate"
)

var translateLangCodes = map[string]string{
	"ko": "ko", "en": "en", "ja": "ja", "zh": "zh",
	"es": "es", "fr": "fr", "de": "de", "it": "it",
	"pt": "pt", "ar": "ar",
}

// AWSTranslate adapts Amazon Translate to ports.MT.
type AWSTranslate struct {
	client *translate.Client
}

func NewAWSTranslate(cfg aws.Config) *AWSTranslate {
	return &AWSTranslate{client: translate.NewFromConfig(cfg)}
}

func (t *AWSTranslate) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if text == "" {
		return "", nil
	}
	if sourceLang == targetLang {
		return text, nil
	}

	src := translateLangCodes[sourceLang]
	if src == "" {
		src = sourceLang
	}
	tgt := translateLangCodes[targetLang]
	if tgt == "" {
		tgt = targetLang
	}

	out, err := t.client.TranslateText(ctx, &translate.TranslateTextInput{
		Text:               aws.String(text),
		SourceLanguageCode: aws.String(src),
		TargetLanguageCode: aws.String(tgt),
	})
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	return aws.ToString(out.TranslatedText), nil
}
