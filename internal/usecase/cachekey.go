package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"surveygate/internal/domain/entity"
)

// CacheKey derives the deterministic memoization key for a task. Only the
// operation and the normalized payload participate: caller, session and
// survey identity are stripped so identical requests from different callers
// share one entry, and ordering-irrelevant collections are sorted so field
// order cannot split the key.
//
// generate_insights is the exception: it writes a per-survey report, so its
// key keeps the survey identity. Two surveys with identical payloads must
// each get their own run and their own report.
func CacheKey(task entity.AgentTask) string {
	norm := normalizePayload(task.Payload)
	raw, err := json.Marshal(norm)
	if err != nil {
		// Payload is plain data; marshal cannot realistically fail. Fall
		// back to an uncacheable unique-ish key rather than panicking.
		raw = []byte(fmt.Sprintf("%+v", norm))
	}
	scope := string(task.Operation)
	if task.Operation == entity.OpGenerateInsights {
		scope += "\x00" + task.SurveyID
	}
	sum := sha256.Sum256(append([]byte(scope+"\x00"), raw...))
	return "agent_cache:" + hex.EncodeToString(sum[:])
}

// normalizePayload returns a copy with order-irrelevant slices sorted.
// Question order is survey order and stays as authored.
func normalizePayload(p entity.TaskPayload) entity.TaskPayload {
	if len(p.Responses) > 0 {
		responses := make([]entity.ResponseSet, len(p.Responses))
		for i, rs := range p.Responses {
			responses[i] = entity.ResponseSet{
				Answers:          sortedAnswers(rs.Answers),
				TimeSpentSeconds: rs.TimeSpentSeconds,
			}
		}
		sort.Slice(responses, func(i, j int) bool {
			a, _ := json.Marshal(responses[i])
			b, _ := json.Marshal(responses[j])
			return string(a) < string(b)
		})
		p.Responses = responses
	}
	return p
}

func sortedAnswers(in []entity.Answer) []entity.Answer {
	out := make([]entity.Answer, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuestionID != out[j].QuestionID {
			return out[i].QuestionID < out[j].QuestionID
		}
		return out[i].Value < out[j].Value
	})
	return out
}
