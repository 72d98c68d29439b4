package usecase

import (
	"fmt"
	"sort"
	"strings"

	"surveygate/internal/domain/entity"
)

// Prompt assembly per operation. The instruction blocks are the condensed
// system prompts of the three agent workflows; the retrieved context block,
// when present, is prepended so the model grounds its answer in it.

const designPreamble = `You are a survey design expert helping healthcare
organizations create effective surveys for doctors. Never suggest questions
that collect protected health information. Be specific and actionable.`

const attemptPreamble = `You are a helpful assistant guiding a doctor through
a survey. You clarify what questions are asking. You never provide medical
advice, diagnoses, or treatment recommendations.`

const insightPreamble = `You are a healthcare survey analyst. Extract 3-5
major themes from open-ended responses, assess sentiment per theme, and
produce an executive summary with prioritized, actionable recommendations.
Quote responses verbatim only when they contain no identifying details.`

func buildPrompt(task entity.AgentTask, contextBlock string) string {
	var b strings.Builder

	switch task.Operation.Class() {
	case entity.ClassDesign:
		b.WriteString(designPreamble)
	case entity.ClassInsight:
		b.WriteString(insightPreamble)
	default:
		b.WriteString(attemptPreamble)
	}
	b.WriteString("\n\n")

	if contextBlock != "" {
		b.WriteString("Relevant best-practice context:\n")
		b.WriteString(contextBlock)
		b.WriteString("\n\n")
	}

	p := task.Payload
	switch task.Operation {
	case entity.OpQualityCheck:
		fmt.Fprintf(&b, "Review the survey %q for quality issues (bias, clarity, length, compliance).\n", p.SurveyTitle)
		writeQuestions(&b, p.Questions)
		if p.Specialty != "" {
			fmt.Fprintf(&b, "Target specialty: %s\n", p.Specialty)
		}
	case entity.OpImproveQuestion:
		b.WriteString("Improve the following survey question. Explain what was wrong and provide a rewritten version.\n")
		if p.Question != nil {
			fmt.Fprintf(&b, "Question: %s\n", p.Question.Text)
		}
	case entity.OpGenerateVariants:
		n := p.NumVariants
		if n <= 0 {
			n = 2
		}
		fmt.Fprintf(&b, "Generate %d alternative versions of the survey %q, varying tone and question order.\n", n, p.SurveyTitle)
		writeQuestions(&b, p.Questions)
	case entity.OpSuggestQuestions:
		fmt.Fprintf(&b, "Suggest survey questions for the topic %q.\n", p.SurveyTitle)
		if p.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", p.Description)
		}
		if p.Specialty != "" {
			fmt.Fprintf(&b, "Audience specialty: %s\n", p.Specialty)
		}
	case entity.OpClarify:
		b.WriteString("A doctor is asking what this survey question means. Clarify it in plain language without answering it for them.\n")
		if p.Question != nil {
			fmt.Fprintf(&b, "Question: %s\n", p.Question.Text)
		}
		// Stable order: map iteration must not vary the prompt between
		// identical requests.
		keys := make([]string, 0, len(p.CallerContext))
		for k := range p.CallerContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "Context %s: %s\n", k, p.CallerContext[k])
		}
	case entity.OpProgress:
		fmt.Fprintf(&b, "Write one short encouraging line for a doctor who has answered %d of %d questions.\n",
			p.QuestionsAnswered, p.QuestionsTotal)
	case entity.OpCompletionSummary:
		fmt.Fprintf(&b, "Summarize this doctor's completed survey %q in 2-3 sentences addressed to them.\n", p.SurveyTitle)
		writeResponses(&b, p.Responses)
	case entity.OpGenerateInsights:
		fmt.Fprintf(&b, "Analyze the responses to survey %q (completion rate %.1f%%).\n", p.SurveyTitle, p.CompletionRate)
		writeQuestions(&b, p.Questions)
		writeResponses(&b, p.Responses)
	}

	return b.String()
}

func writeQuestions(b *strings.Builder, questions []entity.Question) {
	for i, q := range questions {
		fmt.Fprintf(b, "Q%d (%s): %s\n", i+1, q.Type, q.Text)
	}
}

func writeResponses(b *strings.Builder, responses []entity.ResponseSet) {
	for i, rs := range responses {
		fmt.Fprintf(b, "Response %d:\n", i+1)
		for _, a := range rs.Answers {
			fmt.Fprintf(b, "  %s: %s\n", a.QuestionID, a.Value)
		}
	}
}
