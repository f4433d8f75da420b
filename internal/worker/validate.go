package worker

import (
	"fmt"
	"strings"
)

// RejectMode decides what happens when a generated reply fails validation.
type RejectMode string

const (
	// RejectModeRegenerate retries generation once with a simplified
	// instruction before surfacing the rejection.
	RejectModeRegenerate RejectMode = "regenerate"
	// RejectModeReprompt surfaces the rejection immediately so the call
	// loop re-prompts the caller.
	RejectModeReprompt RejectMode = "reprompt"
)

// ReplyPolicy validates and normalizes generated replies before they are
// spoken. The zero value accepts everything non-empty.
type ReplyPolicy struct {
	// MaxRunes rejects replies longer than this; 0 disables the check.
	MaxRunes int
	// Disallowed rejects replies containing any of these substrings,
	// case-insensitively.
	Disallowed []string
	// Mode selects the rejection handling strategy.
	Mode RejectMode
}

// Clean strips artifacts the language model tends to emit around the actual
// utterance: role prefixes, surrounding quotes, stray whitespace.
func (ReplyPolicy) Clean(reply string) string {
	s := strings.TrimSpace(reply)
	for _, prefix := range []string{"Attendant:", "Assistant:", "Bot:", "AI:"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}
	s = strings.Trim(s, `"'`)
	// Keep only the first paragraph; anything after a blank line is usually
	// the model talking to itself.
	if idx := strings.Index(s, "\n\n"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// Validate checks a cleaned reply against the policy. utterance is the
// caller text the reply answers; a reply that merely echoes it is rejected.
func (p ReplyPolicy) Validate(reply, utterance string) error {
	if reply == "" {
		return fmt.Errorf("%w: empty reply", ErrContentPolicyReject)
	}
	if p.MaxRunes > 0 && len([]rune(reply)) > p.MaxRunes {
		return fmt.Errorf("%w: reply length %d exceeds %d", ErrContentPolicyReject, len([]rune(reply)), p.MaxRunes)
	}
	if utterance != "" && strings.EqualFold(strings.TrimSpace(reply), strings.TrimSpace(utterance)) {
		return fmt.Errorf("%w: reply echoes caller", ErrContentPolicyReject)
	}
	lower := strings.ToLower(reply)
	for _, term := range p.Disallowed {
		term = strings.TrimSpace(strings.ToLower(term))
		if term == "" {
			continue
		}
		if strings.Contains(lower, term) {
			return fmt.Errorf("%w: disallowed term %q", ErrContentPolicyReject, term)
		}
	}
	return nil
}
