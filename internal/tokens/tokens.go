// Package tokens estimates token usage for runs whose backend reported none.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

// Chat formatting overhead, per OpenAI's accounting for chat models.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// Counter counts tokens with tiktoken, falling back to a character
// estimate when no encoding is available.
type Counter struct {
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex

	// CharsPerToken is used by the fallback estimate (default: 4)
	CharsPerToken float64
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{
		codecCache:    make(map[tokenizer.Encoding]tokenizer.Codec),
		CharsPerToken: 4.0,
	}
}

// getCodec returns the tokenizer codec for a model.
func (c *Counter) getCodec(model string) (tokenizer.Codec, error) {
	codec, err := tokenizer.ForModel(mapModelName(model))
	if err == nil {
		return codec, nil
	}

	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err = tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// mapModelName maps a model string to tokenizer.Model
func mapModelName(model string) tokenizer.Model {
	model = strings.ToLower(model)

	switch {
	case model == "gpt-5-mini" || strings.HasPrefix(model, "gpt-5-mini-"):
		return tokenizer.GPT5Mini
	case model == "gpt-5-nano" || strings.HasPrefix(model, "gpt-5-nano-"):
		return tokenizer.GPT5Nano
	case strings.HasPrefix(model, "gpt-5"):
		return tokenizer.GPT5
	case strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.GPT41
	case strings.HasPrefix(model, "gpt-4o"):
		return tokenizer.GPT4o
	case strings.HasPrefix(model, "o3-mini"):
		return tokenizer.O3Mini
	case model == "o3" || strings.HasPrefix(model, "o3-"):
		return tokenizer.O3
	case strings.HasPrefix(model, "o4-mini"):
		return tokenizer.O4Mini
	case strings.HasPrefix(model, "o1-mini"):
		return tokenizer.O1Mini
	case model == "o1" || strings.HasPrefix(model, "o1-"):
		return tokenizer.O1
	case strings.HasPrefix(model, "gpt-4"):
		return tokenizer.GPT4
	case strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.GPT35Turbo
	default:
		return tokenizer.Model(model)
	}
}

// modelToEncoding maps model names to encoding names for fallback.
// Unknown models use o200k_base, the encoding of current assistant models.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountText counts tokens for a plain text string.
func (c *Counter) CountText(model, text string) (int, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// countMessages counts chat-formatted messages, estimating from character
// length when the tokenizer is unavailable. The bool reports an estimate.
func (c *Counter) countMessages(model string, messages []string) (int, bool) {
	total := 0
	estimated := false
	for _, m := range messages {
		total += tokensPerMessage + tokensPerRole
		n, err := c.CountText(model, m)
		if err != nil {
			n = int(float64(len(m)) / c.CharsPerToken)
			estimated = true
		}
		total += n
	}
	return total, estimated
}

// EstimateUsage approximates a run's usage from the user messages that
// prompted it and the assistant messages it produced.
func (c *Counter) EstimateUsage(model string, prompt, completion []string) domain.Usage {
	p, _ := c.countMessages(model, prompt)
	if len(prompt) > 0 {
		p += replyPriming
	}
	comp := 0
	for _, m := range completion {
		n, err := c.CountText(model, m)
		if err != nil {
			n = int(float64(len(m)) / c.CharsPerToken)
		}
		comp += n
	}
	return domain.Usage{
		PromptTokens:     p,
		CompletionTokens: comp,
		TotalTokens:      p + comp,
	}
}
