package contextmgr

import (
	"vibe/internal/chat"
)

// Budget bounds the prompt history handed to the model.
type Budget struct {
	// MaxMessages keeps at most this many trailing messages. Zero disables the cap.
	MaxMessages int
	// MaxTokens drops the oldest messages until the rest fit. Zero disables the cap.
	MaxTokens int
}

// Trim returns the newest suffix of history that satisfies the budget. The
// most recent message is always kept so the model sees the last outcome.
func (t *Tokenizer) Trim(history []chat.Message, b Budget) []chat.Message {
	if len(history) == 0 {
		return nil
	}
	out := history
	if b.MaxMessages > 0 && len(out) > b.MaxMessages {
		out = out[len(out)-b.MaxMessages:]
	}
	if b.MaxTokens <= 0 {
		return out
	}

	total := 0
	start := len(out)
	for i := len(out) - 1; i >= 0; i-- {
		n := t.countMessage(out[i])
		if total+n > b.MaxTokens && start < len(out) {
			break
		}
		total += n
		start = i
	}
	return out[start:]
}
