package app

import (
	"context"
	"errors"
	"strings"

	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/memory"
)

const (
	summarizeTask = "Condense these remembered facts into one short statement that keeps every name, " +
		"place and consequence still relevant to the story. Drop repetition."
	summarizeSchema = `{"summary":"..."}`
)

// summarizer folds cold memory groups through the reasoning agent.
type summarizer struct {
	caller     *agent.Caller
	maxRepairs int
}

type summaryReply struct {
	Summary string `json:"summary"`
}

type summaryFact struct {
	Content    string   `json:"content"`
	Turn       int      `json:"turn"`
	EntityRefs []string `json:"entities,omitempty"`
}

// Summarize implements memory.Summarizer.
func (s summarizer) Summarize(ctx context.Context, records []memory.Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	facts := make([]summaryFact, 0, len(records))
	for _, r := range records {
		facts = append(facts, summaryFact{Content: r.Content, Turn: r.CreatedTurn, EntityRefs: r.EntityRefs})
	}
	reply, _, err := agent.Structured(ctx, s.caller, agent.Request{
		Role:    agent.RoleSummarizer,
		Task:    summarizeTask,
		Schema:  summarizeSchema,
		Context: map[string]any{"facts": facts},
	}, checkSummary, s.maxRepairs)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Summary), nil
}

func checkSummary(r summaryReply) error {
	if strings.TrimSpace(r.Summary) == "" {
		return errors.New("summary is empty")
	}
	return nil
}
