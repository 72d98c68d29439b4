package safety

import "regexp"

// RuleKind distinguishes how a rule is evaluated and what it applies to.
type RuleKind string

const (
	// KindPHIPattern matches structured identifiers in authored content.
	KindPHIPattern RuleKind = "phi_pattern"
	// KindPHIKeyword flags questions that ask for patient-identifying data.
	KindPHIKeyword RuleKind = "phi_keyword"
	// KindRedact rewrites identifiers found in open-text responses.
	KindRedact RuleKind = "redact"
	// KindAdvice flags direct medical recommendations in agent output.
	KindAdvice RuleKind = "advice"
)

// Rule is one enumerated moderation rule. The ID is stable and is the only
// rule detail referenced in audit records.
type Rule struct {
	ID          string
	Kind        RuleKind
	Pattern     *regexp.Regexp
	Keyword     string
	Placeholder string // redaction replacement, KindRedact only
}

// RuleSet is the versioned set of rules loaded at startup.
type RuleSet struct {
	Version string
	Rules   []Rule
}

// DefaultRuleSet returns the built-in healthcare rule set.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Version: "2025.1",
		Rules: append(append(append(phiPatternRules(), phiKeywordRules()...), redactionRules()...), adviceRules()...),
	}
}

func phiPatternRules() []Rule {
	return []Rule{
		{ID: "phi.ssn", Kind: KindPHIPattern, Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{ID: "phi.mrn", Kind: KindPHIPattern, Pattern: regexp.MustCompile(`(?i)\bMRN\b|\bmedical record number\b`)},
		{ID: "phi.dob", Kind: KindPHIPattern, Pattern: regexp.MustCompile(`(?i)\bdate of birth\b|\bDOB\b|\bbirthdate\b`)},
		{ID: "phi.diagnosis_code", Kind: KindPHIPattern, Pattern: regexp.MustCompile(`(?i)\bICD-\d+\b|\bdiagnosis code\b`)},
		{ID: "phi.npi", Kind: KindPHIPattern, Pattern: regexp.MustCompile(`(?i)\bNPI\b|\bnational provider\b`)},
		{ID: "phi.dea", Kind: KindPHIPattern, Pattern: regexp.MustCompile(`(?i)\bDEA number\b`)},
	}
}

// phiKeywordRules flag questions that would collect protected health
// information if answered.
func phiKeywordRules() []Rule {
	keywords := []string{
		"full name", "first name", "last name", "email address", "phone number",
		"home address", "zip code", "date of birth", "social security",
		"medical record", "patient id", "patient name", "npi number",
		"license number", "dea number", "diagnosis", "medication list",
		"prescription", "treatment plan",
	}
	rules := make([]Rule, 0, len(keywords))
	for _, kw := range keywords {
		rules = append(rules, Rule{
			ID:      "phi.kw." + keywordSlug(kw),
			Kind:    KindPHIKeyword,
			Keyword: kw,
		})
	}
	return rules
}

func redactionRules() []Rule {
	return []Rule{
		{
			ID:          "redact.ssn",
			Kind:        KindRedact,
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Placeholder: "[REDACTED-SSN]",
		},
		{
			ID:          "redact.phone",
			Kind:        KindRedact,
			Pattern:     regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
			Placeholder: "[REDACTED-PHONE]",
		},
		{
			ID:          "redact.email",
			Kind:        KindRedact,
			Pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			Placeholder: "[REDACTED-EMAIL]",
		},
	}
}

func adviceRules() []Rule {
	return []Rule{
		{ID: "advice.directive", Kind: KindAdvice, Pattern: regexp.MustCompile(`(?i)\byou (?:should|must|need to) (?:take|start|stop|see a|visit)\b`)},
		{ID: "advice.diagnosis_like", Kind: KindAdvice, Pattern: regexp.MustCompile(`(?i)\bthis (?:sounds|looks|seems) like\b.{0,30}\b(?:condition|diagnosis|disease|disorder)\b`)},
		{ID: "advice.you_have", Kind: KindAdvice, Pattern: regexp.MustCompile(`(?i)\byou (?:have|might have|could have|may have)\b.{0,30}\b(?:condition|disease|disorder|syndrome)\b`)},
		{ID: "advice.recommend_treatment", Kind: KindAdvice, Pattern: regexp.MustCompile(`(?i)\bI (?:recommend|suggest|advise)\b.{0,30}\b(?:medication|treatment|therapy|doctor|specialist)\b`)},
		{ID: "advice.symptoms_suggest", Kind: KindAdvice, Pattern: regexp.MustCompile(`(?i)\bsymptoms suggest\b`)},
		{ID: "advice.consult_urgently", Kind: KindAdvice, Pattern: regexp.MustCompile(`(?i)\bconsult a (?:doctor|physician|specialist) (?:immediately|urgently|right away)\b`)},
	}
}

func keywordSlug(kw string) string {
	out := make([]byte, len(kw))
	for i := 0; i < len(kw); i++ {
		c := kw[i]
		if c == ' ' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}
