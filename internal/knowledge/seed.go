// Package knowledge holds the curated survey-design guidance that grounds
// agent prompts, and the seeding routine that loads it into the vector
// knowledge base.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"surveygate/internal/domain/entity"
	"surveygate/internal/domain/repository"
)

// Guidelines is the built-in best-practice corpus. In production these
// would come from a document store; the set below is the curated baseline.
var Guidelines = []entity.KnowledgeSnippet{
	{
		ID: "guide-001", SourceType: entity.SourceGuideline, Category: "bias",
		Title: "Avoiding Leading Questions",
		Content: "A leading question suggests a desired answer. Rephrase to be neutral. " +
			"BAD: 'How much do you enjoy our platform?' " +
			"GOOD: 'How would you rate your experience with the platform?'",
	},
	{
		ID: "guide-002", SourceType: entity.SourceGuideline, Category: "clarity",
		Title: "Double-Barreled Questions",
		Content: "Never ask about two things in one question. " +
			"BAD: 'Are you satisfied with the speed and accuracy of the EHR?' " +
			"GOOD: Split into two separate questions.",
	},
	{
		ID: "guide-003", SourceType: entity.SourceGuideline, Category: "length",
		Title: "Optimal Survey Length for Doctors",
		Content: "Doctors have limited time. Target 5-8 questions, under 3 minutes. " +
			"Completion rates drop 50% past 10 questions. " +
			"Use skip logic to hide irrelevant questions.",
	},
	{
		ID: "guide-004", SourceType: entity.SourceGuideline, Category: "question_types",
		Title: "Likert Scale Best Practices",
		Content: "Use odd-numbered scales (5 or 7 points) with labeled endpoints. " +
			"Always include a midpoint. " +
			"Example: 1=Very Dissatisfied, 3=Neutral, 5=Very Satisfied.",
	},
	{
		ID: "guide-005", SourceType: entity.SourceGuideline, Category: "question_types",
		Title: "Multiple Choice Option Design",
		Content: "MCQ options must be mutually exclusive and collectively exhaustive. " +
			"Include 'Other (please specify)' when options might not cover all cases. " +
			"Avoid ordered lists that could bias toward first or last items.",
	},
	{
		ID: "guide-006", SourceType: entity.SourceGuideline, Category: "compliance",
		Title: "HIPAA Compliance in Surveys",
		Content: "Never collect PHI: names, dates of birth, SSNs, MRNs, diagnosis codes, " +
			"treatment details, or any patient-identifiable information. " +
			"Anonymize all responses at rest. Retain for maximum 2 years.",
	},
	{
		ID: "guide-007", SourceType: entity.SourceGuideline, Category: "ux",
		Title: "Mobile-First Survey Design",
		Content: "Over 60% of doctors complete surveys on mobile. " +
			"Use single-column layouts. Limit open-text questions (voice input helps). " +
			"Show progress bar. Enable auto-save every 10 seconds.",
	},
	{
		ID: "guide-008", SourceType: entity.SourceGuideline, Category: "bias",
		Title: "Avoiding Loaded Language",
		Content: "Loaded terms carry implicit assumptions. " +
			"BAD: 'When did you stop struggling with documentation?' (assumes struggle) " +
			"GOOD: 'How would you describe your documentation experience?'",
	},
	{
		ID: "guide-009", SourceType: entity.SourceGuideline, Category: "flow",
		Title: "Question Order Effects",
		Content: "Place engaging, easy questions first to build momentum. " +
			"Sensitive or open-ended questions should come later. " +
			"Never place demographic questions first — they cause early drop-off.",
	},
	{
		ID: "guide-010", SourceType: entity.SourceGuideline, Category: "domain",
		Title: "Telemedicine Survey Best Practices",
		Content: "When surveying about telemedicine, ask separately about: " +
			"technology (video quality, ease of use), clinical impact (patient outcomes), " +
			"and workflow integration. Avoid conflating these dimensions.",
	},
	{
		ID: "guide-011", SourceType: entity.SourceGuideline, Category: "domain",
		Title: "EHR Feedback Survey Design",
		Content: "EHR surveys should separate: usability (navigation, speed), " +
			"clinical workflow integration, documentation burden, and interoperability. " +
			"Use Likert scales for ratings, open-text for specific pain points.",
	},
	{
		ID: "guide-012", SourceType: entity.SourceGuideline, Category: "engagement",
		Title: "Survey Fatigue Prevention",
		Content: "Send no more than 1 survey per week per doctor. " +
			"Rotate survey recipients across segments. " +
			"Always communicate: why this survey, how long it takes, how data is used.",
	},
}

// minTemplateCompletionRate gates which surveys are worth indexing as
// templates.
const minTemplateCompletionRate = 40.0

// Seeder embeds snippets and writes them into the knowledge base.
type Seeder struct {
	embedder repository.Embedder
	vectors  repository.VectorStore
	log      *slog.Logger
}

func NewSeeder(embedder repository.Embedder, vectors repository.VectorStore, log *slog.Logger) *Seeder {
	if log == nil {
		log = slog.Default()
	}
	return &Seeder{embedder: embedder, vectors: vectors, log: log}
}

// Seed embeds and upserts the guideline corpus. Idempotent: snippet ids are
// stable, so repeated runs overwrite in place.
func (s *Seeder) Seed(ctx context.Context) error {
	s.log.Info("knowledge.seeding", "count", len(Guidelines))
	for _, g := range Guidelines {
		vector, err := s.embedder.CreateEmbedding(ctx, g.Title+". "+g.Content)
		if err != nil {
			return fmt.Errorf("embed guideline %s: %w", g.ID, err)
		}
		g.Vector = vector
		if err := s.vectors.Upsert(ctx, g); err != nil {
			return fmt.Errorf("upsert guideline %s: %w", g.ID, err)
		}
	}
	s.log.Info("knowledge.seeded", "count", len(Guidelines))
	return nil
}

// IndexTemplate records a completed survey as inspiration for future
// suggestions. Surveys below the completion-rate floor are skipped.
func (s *Seeder) IndexTemplate(ctx context.Context, surveyID, title, description string, questions []entity.Question, completionRate float64) error {
	if completionRate < minTemplateCompletionRate {
		return nil
	}

	var b strings.Builder
	b.WriteString(title)
	b.WriteString(". ")
	b.WriteString(description)
	for _, q := range questions {
		b.WriteString(" ")
		b.WriteString(q.Text)
	}

	vector, err := s.embedder.CreateEmbedding(ctx, b.String())
	if err != nil {
		return fmt.Errorf("embed template %s: %w", surveyID, err)
	}

	snippet := entity.KnowledgeSnippet{
		ID:         surveyID,
		SourceType: entity.SourceTemplate,
		Title:      title,
		Category:   fmt.Sprintf("completion_%.0f", completionRate),
		Content:    b.String(),
		Vector:     vector,
	}
	if err := s.vectors.Upsert(ctx, snippet); err != nil {
		return fmt.Errorf("upsert template %s: %w", surveyID, err)
	}
	s.log.Info("knowledge.template_indexed", "survey_id", surveyID, "completion_rate", completionRate)
	return nil
}
