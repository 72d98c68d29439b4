// Package safety implements the moderation policies of the gateway: PHI
// detection on inbound survey content and disallowed-advice detection on
// agent output. Both scanners are pure functions over text.
package safety

import (
	"log/slog"
	"strings"

	"surveygate/internal/domain/entity"
)

// ScanMode selects the input policy. Authored survey questions are blocked
// outright on a PHI match; open-text responses are redacted in place so the
// submission can still be recorded.
type ScanMode int

const (
	ModeBlock ScanMode = iota
	ModeRedact
)

// Fixed fallback texts returned in place of unsafe agent output.
const (
	adviceFallback = "I can help clarify what this survey question is asking, " +
		"but I'm not able to provide medical guidance. " +
		"For clinical questions, please consult appropriate resources."
	phiFallback = "I was unable to generate a safe response. Please contact support."
)

// Moderator evaluates the versioned rule set. Stateless after construction;
// safe for concurrent use.
type Moderator struct {
	rules RuleSet
	log   *slog.Logger
}

func NewModerator(rules RuleSet, log *slog.Logger) *Moderator {
	if log == nil {
		log = slog.Default()
	}
	return &Moderator{rules: rules, log: log}
}

// Version returns the rule set version for audit context.
func (m *Moderator) Version() string { return m.rules.Version }

// ScanInput checks inbound text. In ModeBlock any PHI keyword or pattern
// match blocks; in ModeRedact identifiers are replaced with their
// placeholders and the text passes.
func (m *Moderator) ScanInput(text string, mode ScanMode) entity.ModerationVerdict {
	if text == "" {
		return entity.ModerationVerdict{RedactedText: text}
	}
	if mode == ModeRedact {
		return m.redact(text)
	}

	lower := strings.ToLower(text)
	var matched []string
	for _, r := range m.rules.Rules {
		switch r.Kind {
		case KindPHIKeyword:
			if strings.Contains(lower, r.Keyword) {
				matched = append(matched, r.ID)
			}
		case KindPHIPattern:
			if r.Pattern.MatchString(text) {
				matched = append(matched, r.ID)
			}
		}
	}
	if len(matched) > 0 {
		m.log.Warn("safety.phi_detected", "rules", matched, "mode", "block")
		return entity.ModerationVerdict{Blocked: true, MatchedRules: matched}
	}
	return entity.ModerationVerdict{RedactedText: text}
}

func (m *Moderator) redact(text string) entity.ModerationVerdict {
	redacted := text
	var matched []string
	for _, r := range m.rules.Rules {
		if r.Kind != KindRedact {
			continue
		}
		if r.Pattern.MatchString(redacted) {
			matched = append(matched, r.ID)
			redacted = r.Pattern.ReplaceAllString(redacted, r.Placeholder)
		}
	}
	if len(matched) > 0 {
		m.log.Warn("safety.phi_redacted", "rules", matched,
			"original_len", len(text), "redacted_len", len(redacted))
	}
	return entity.ModerationVerdict{
		MatchedRules: matched,
		RedactedText: redacted,
		Redacted:     len(matched) > 0,
	}
}

// ScanOutput checks agent-generated text before it reaches a caller. Any
// advice or PHI match blocks the whole output; the model response is
// discarded, never partially shown.
func (m *Moderator) ScanOutput(text string) entity.ModerationVerdict {
	var matched []string
	for _, r := range m.rules.Rules {
		switch r.Kind {
		case KindAdvice, KindPHIPattern:
			if r.Pattern.MatchString(text) {
				matched = append(matched, r.ID)
			}
		}
	}
	if len(matched) > 0 {
		m.log.Warn("safety.output_blocked", "rules", matched)
		return entity.ModerationVerdict{Blocked: true, MatchedRules: matched}
	}
	return entity.ModerationVerdict{RedactedText: text}
}

// FallbackMessage returns the fixed safe text substituted for a blocked
// output verdict.
func (m *Moderator) FallbackMessage(verdict entity.ModerationVerdict) string {
	for _, id := range verdict.MatchedRules {
		if strings.HasPrefix(id, "advice.") {
			return adviceFallback
		}
	}
	return phiFallback
}
