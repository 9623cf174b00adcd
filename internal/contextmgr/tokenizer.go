package contextmgr

import (
	"strings"
	"sync"

	"vibe/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts prompt tokens with tiktoken, or a character heuristic when
// the BPE tables cannot be loaded (offline hosts).
type Tokenizer struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool
	mu           sync.Mutex
}

func NewTokenizer(encodingName string) *Tokenizer {
	t := &Tokenizer{encodingName: encodingName}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

func NewTokenizerForModel(model string) *Tokenizer {
	return NewTokenizer(modelToEncoding(model))
}

// NewHeuristicTokenizer never loads BPE tables.
func NewHeuristicTokenizer() *Tokenizer {
	return &Tokenizer{encodingName: "heuristic", fallback: true}
}

func (t *Tokenizer) Count(messages []chat.Message) int {
	total := 0
	for _, msg := range messages {
		total += t.countMessage(msg)
	}
	return total
}

func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback {
		return heuristicTokenCount(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoder.Encode(text, nil, nil))
}

func (t *Tokenizer) IsPrecise() bool {
	return !t.fallback
}

func (t *Tokenizer) EncodingName() string {
	return t.encodingName
}

func (t *Tokenizer) countMessage(msg chat.Message) int {
	// per-message framing overhead
	tokens := 4
	tokens += t.CountText(msg.Content)
	tokens += t.CountText(msg.Role)
	if msg.Name != "" {
		tokens += t.CountText(msg.Name) + 1
	}
	for _, tc := range msg.ToolCalls {
		tokens += t.CountText(tc.Function.Name)
		tokens += t.CountText(tc.Function.Arguments)
		tokens += 8
	}
	return tokens
}

// heuristicTokenCount assumes ~4 ASCII chars per token and ~1.5 tokens per CJK rune.
func heuristicTokenCount(text string) int {
	if text == "" {
		return 0
	}
	wide, narrow := 0, 0
	for _, r := range text {
		if isWide(r) {
			wide++
		} else {
			narrow++
		}
	}
	return max(1, int(float64(wide)*1.5+float64(narrow)*0.25))
}

func isWide(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "o200k_base"
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "gpt-5"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}
