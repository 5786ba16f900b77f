package provider

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter counts message tokens with tiktoken, lazily initialized
// because encodings may be downloaded on first use. When the encoding is
// unavailable it degrades to a 4-chars-per-token estimate.
type tokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

func newTokenCounter(encoding string) *tokenCounter {
	return &tokenCounter{encoding: encoding}
}

func (c *tokenCounter) init() error {
	c.once.Do(func() {
		c.enc, c.initErr = tiktoken.GetEncoding(c.encoding)
	})
	return c.initErr
}

// count returns the token count of a single string.
func (c *tokenCounter) count(text string) int {
	if err := c.init(); err != nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// countMessages counts tokens for a chat payload using the provider's
// formatting rules: 4 tokens of overhead per message, the role omitted when
// a name is present, and 2 tokens priming the assistant reply.
func (c *tokenCounter) countMessages(messages []wireMessage) int {
	total := 0
	for _, m := range messages {
		total += 4
		total += c.count(m.Role)
		total += c.count(m.Content)
		if m.Name != "" {
			total += c.count(m.Name)
			total-- // role token is subsumed by the name
		}
	}
	total += 2
	return total
}
