// Package mcptools exposes the session lifecycle as MCP tools.
package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/taleloom/internal/platform/errors"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/turn"
	"github.com/louisbranch/taleloom/internal/services/narrative/domain/world"
	"github.com/louisbranch/taleloom/internal/services/narrative/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "taleloom-narrative"
	defaultLimit  = 50
	maxListLimit  = 200
	timestampForm = time.RFC3339
)

// Sessions is the lifecycle surface the tools call.
type Sessions interface {
	Start(ctx context.Context, in session.StartInput) (session.Info, error)
	Resume(ctx context.Context, sessionID string) (session.Info, error)
	End(ctx context.Context, sessionID string) (session.Info, error)
	ProcessTurn(ctx context.Context, sessionID, input string) (turn.Result, error)
	ListTurns(ctx context.Context, sessionID, filter string, limit int) ([]turn.Turn, error)
}

// EntityInput seeds one entity of a new campaign.
type EntityInput struct {
	Kind       string            `json:"kind" jsonschema:"entity kind (world, character, npc, faction, quest)"`
	ID         string            `json:"id" jsonschema:"entity identifier unique within its kind"`
	Name       string            `json:"name" jsonschema:"display name"`
	Stats      map[string]int    `json:"stats,omitempty" jsonschema:"numeric stats; a stat named X_max caps X"`
	Attributes map[string]string `json:"attributes,omitempty" jsonschema:"free-form text attributes"`
}

// SessionStartInput represents the MCP tool input for starting a session.
type SessionStartInput struct {
	CampaignID string        `json:"campaign_id" jsonschema:"campaign identifier; created on first use"`
	Name       string        `json:"name,omitempty" jsonschema:"campaign name for a new campaign"`
	Locale     string        `json:"locale,omitempty" jsonschema:"BCP 47 locale of player-facing messages"`
	Entities   []EntityInput `json:"entities,omitempty" jsonschema:"initial world state for a new campaign"`
	Lore       []string      `json:"lore,omitempty" jsonschema:"permanent facts for a new campaign"`
}

// SessionResult describes a session.
type SessionResult struct {
	ID         string `json:"id" jsonschema:"session identifier"`
	CampaignID string `json:"campaign_id" jsonschema:"campaign identifier"`
	Status     string `json:"status" jsonschema:"session status (active, ended)"`
	LastTurn   int    `json:"last_turn" jsonschema:"sequence of the latest committed turn"`
	ArcPhase   string `json:"arc_phase" jsonschema:"current story arc phase"`
	Tension    int    `json:"tension" jsonschema:"current tension target from 0 to 10"`
	OpenSeeds  int    `json:"open_seeds" jsonschema:"number of unresolved foreshadowing seeds"`
}

// SessionIDInput addresses an existing session.
type SessionIDInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
}

// TurnProcessInput represents the MCP tool input for one player turn.
type TurnProcessInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
	Input     string `json:"input" jsonschema:"the player's free-text action"`
	Debug     bool   `json:"debug,omitempty" jsonschema:"include the pipeline trace"`
}

// ChangeResult is one committed state change.
type ChangeResult struct {
	Key      string `json:"key"`
	Op       string `json:"op"`
	Field    string `json:"field,omitempty"`
	Before   string `json:"before,omitempty"`
	After    string `json:"after,omitempty"`
	Override bool   `json:"override,omitempty"`
}

// TurnProcessResult represents the MCP tool output for one player turn.
type TurnProcessResult struct {
	Seq       int            `json:"seq" jsonschema:"committed turn sequence, 0 when nothing was committed"`
	Narrative string         `json:"narrative" jsonschema:"text to show the player"`
	Summary   string         `json:"summary,omitempty" jsonschema:"mechanical outcome summary"`
	Path      string         `json:"path,omitempty" jsonschema:"narrative path taken"`
	Committed bool           `json:"committed" jsonschema:"whether the turn changed the campaign"`
	Degraded  bool           `json:"degraded,omitempty" jsonschema:"whether the reasoning agent was unavailable"`
	ErrorCode string         `json:"error_code,omitempty" jsonschema:"failure code when the turn was rejected"`
	Changes   []ChangeResult `json:"changes,omitempty" jsonschema:"committed state changes"`
	Debug     *turn.Trace    `json:"debug,omitempty" jsonschema:"pipeline trace"`
}

// TurnListInput represents the MCP tool input for listing turns.
type TurnListInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
	Filter    string `json:"filter,omitempty" jsonschema:"AIP-160 filter over seq, session_id, path, intent, result, changed, create_time"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum turns to return (default 50, max 200)"`
}

// TurnSummary is one listed turn.
type TurnSummary struct {
	Seq       int    `json:"seq"`
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
	Intent    string `json:"intent"`
	Path      string `json:"path"`
	Result    string `json:"result"`
	Summary   string `json:"summary"`
	Narrative string `json:"narrative"`
	Changes   int    `json:"changes"`
	CreatedAt string `json:"created_at" jsonschema:"RFC3339 timestamp when the turn was committed"`
}

// TurnListResult represents the MCP tool output for listing turns.
type TurnListResult struct {
	Turns []TurnSummary `json:"turns"`
}

// SessionStartTool defines the MCP tool schema for starting a session.
func SessionStartTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_start",
		Description: "Starts a play session for a campaign, creating the campaign on first use. At most one session per campaign is active.",
	}
}

// SessionResumeTool defines the MCP tool schema for resuming a session.
func SessionResumeTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_resume",
		Description: "Resumes an active session and runs a director review.",
	}
}

// SessionEndTool defines the MCP tool schema for ending a session.
func SessionEndTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_end",
		Description: "Ends a session after a final director review. Ending an ended session is a no-op.",
	}
}

// TurnProcessTool defines the MCP tool schema for processing a turn.
func TurnProcessTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "turn_process",
		Description: "Processes one player action and returns the narrated result.",
	}
}

// TurnListTool defines the MCP tool schema for listing turns.
func TurnListTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "turn_list",
		Description: "Lists committed turns of the session's campaign in order.",
	}
}

// SessionStartHandler executes a session start request.
func SessionStartHandler(sessions Sessions) mcp.ToolHandlerFor[SessionStartInput, SessionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionStartInput) (*mcp.CallToolResult, SessionResult, error) {
		entities := make([]world.Entity, 0, len(input.Entities))
		for _, e := range input.Entities {
			kind := world.Kind(strings.TrimSpace(e.Kind))
			if !kind.Valid() {
				return nil, SessionResult{}, fmt.Errorf("entity %q has unknown kind %q", e.ID, e.Kind)
			}
			entities = append(entities, world.Entity{
				Kind:       kind,
				ID:         strings.TrimSpace(e.ID),
				Name:       e.Name,
				Stats:      e.Stats,
				Attributes: e.Attributes,
			})
		}
		info, err := sessions.Start(ctx, session.StartInput{
			CampaignID: input.CampaignID,
			Name:       input.Name,
			Locale:     input.Locale,
			Entities:   entities,
			Lore:       input.Lore,
		})
		if err != nil {
			return nil, SessionResult{}, fmt.Errorf("session start failed: %w", err)
		}
		return nil, sessionResult(info), nil
	}
}

// SessionResumeHandler executes a session resume request.
func SessionResumeHandler(sessions Sessions) mcp.ToolHandlerFor[SessionIDInput, SessionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionIDInput) (*mcp.CallToolResult, SessionResult, error) {
		info, err := sessions.Resume(ctx, strings.TrimSpace(input.SessionID))
		if err != nil {
			return nil, SessionResult{}, fmt.Errorf("session resume failed: %w", err)
		}
		return nil, sessionResult(info), nil
	}
}

// SessionEndHandler executes a session end request.
func SessionEndHandler(sessions Sessions) mcp.ToolHandlerFor[SessionIDInput, SessionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionIDInput) (*mcp.CallToolResult, SessionResult, error) {
		info, err := sessions.End(ctx, strings.TrimSpace(input.SessionID))
		if err != nil {
			return nil, SessionResult{}, fmt.Errorf("session end failed: %w", err)
		}
		return nil, sessionResult(info), nil
	}
}

// TurnProcessHandler executes one turn. Rejected turns that carry
// player-facing text are returned as results with an error code.
func TurnProcessHandler(sessions Sessions) mcp.ToolHandlerFor[TurnProcessInput, TurnProcessResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TurnProcessInput) (*mcp.CallToolResult, TurnProcessResult, error) {
		res, err := sessions.ProcessTurn(ctx, strings.TrimSpace(input.SessionID), input.Input)
		if err != nil && res.NarrativeText == "" {
			return nil, TurnProcessResult{}, fmt.Errorf("turn process failed: %w", err)
		}
		result := TurnProcessResult{
			Seq:       res.TurnSeq,
			Narrative: res.NarrativeText,
			Summary:   res.OutcomeSummary,
			Path:      string(res.Path),
			Committed: res.Committed,
			Degraded:  res.Degraded,
		}
		if err != nil {
			result.ErrorCode = string(apperrors.CodeOf(err))
		}
		for _, c := range res.ChangeLog {
			result.Changes = append(result.Changes, changeResult(c))
		}
		if input.Debug {
			trace := res.Debug
			result.Debug = &trace
		}
		return nil, result, nil
	}
}

// TurnListHandler lists turns.
func TurnListHandler(sessions Sessions) mcp.ToolHandlerFor[TurnListInput, TurnListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TurnListInput) (*mcp.CallToolResult, TurnListResult, error) {
		limit := input.Limit
		switch {
		case limit <= 0:
			limit = defaultLimit
		case limit > maxListLimit:
			limit = maxListLimit
		}
		turns, err := sessions.ListTurns(ctx, strings.TrimSpace(input.SessionID), input.Filter, limit)
		if err != nil {
			return nil, TurnListResult{}, fmt.Errorf("turn list failed: %w", err)
		}
		result := TurnListResult{Turns: make([]TurnSummary, 0, len(turns))}
		for _, t := range turns {
			result.Turns = append(result.Turns, TurnSummary{
				Seq:       t.Seq,
				SessionID: t.SessionID,
				Input:     t.Input,
				Intent:    string(t.Intent.Category),
				Path:      string(t.Path),
				Result:    t.Outcome.Result,
				Summary:   t.Outcome.Summary,
				Narrative: t.Narrative,
				Changes:   len(t.Changes),
				CreatedAt: t.CreatedAt.UTC().Format(timestampForm),
			})
		}
		return nil, result, nil
	}
}

func sessionResult(info session.Info) SessionResult {
	return SessionResult{
		ID:         info.SessionID,
		CampaignID: info.CampaignID,
		Status:     string(info.Status),
		LastTurn:   info.LastTurn,
		ArcPhase:   info.Arc.Phase,
		Tension:    info.Arc.Tension,
		OpenSeeds:  info.OpenSeeds,
	}
}

func changeResult(c world.Change) ChangeResult {
	return ChangeResult{
		Key:      c.Key,
		Op:       string(c.Op),
		Field:    c.Field,
		Before:   c.Before,
		After:    c.After,
		Override: c.Override,
	}
}
