package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// OpenAICounter provides accurate token counts for OpenAI models using tiktoken.
type OpenAICounter struct {
	matcher *ModelMatcher
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
	fallback   *Estimator
}

// NewOpenAICounter creates a new OpenAI token counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "text-embedding", "text-davinci"},
			nil,
		),
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
		fallback:   NewEstimator(),
	}
}

// getCodec returns the cached tokenizer codec for a model's encoding.
func (c *OpenAICounter) getCodec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps a model name to its tiktoken encoding. Unknown and
// newer models get o200k_base.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountMessages counts prompt tokens for OpenAI-family models using tiktoken.
// Models whose codec cannot be loaded fall back to the character estimate.
func (c *OpenAICounter) CountMessages(model string, msgs []domain.Message) int {
	codec, err := c.getCodec(model)
	if err != nil {
		return c.fallback.CountMessages(model, msgs)
	}

	// 3 tokens per message, 1 for the role, 3 for assistant priming.
	const tokensPerMessage, tokensPerRole = 3, 1

	total := 0
	for _, msg := range msgs {
		total += tokensPerMessage + tokensPerRole
		total += encodeLen(codec, msg.Content)
		for _, tc := range msg.ToolCalls {
			total += encodeLen(codec, tc.Name)
			total += encodeLen(codec, string(tc.Arguments))
			total += 3
		}
		if msg.ToolCallID != "" {
			total += 2
		}
	}
	return total + 3
}

// CountText counts tokens for a plain text string.
func (c *OpenAICounter) CountText(model, text string) int {
	codec, err := c.getCodec(model)
	if err != nil {
		return c.fallback.CountText(model, text)
	}
	return encodeLen(codec, text)
}

// SupportsModel returns true for OpenAI models.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

func encodeLen(codec tokenizer.Codec, text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
