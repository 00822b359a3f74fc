// Package risk consumes an external anomaly scorer. Scoring itself is out
// of scope; the vault only acts on the returned level.
package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/starford/healthvault/internal/models"
)

// Level is the scorer's verdict for an action.
type Level string

const (
	Low    Level = "LOW"
	Medium Level = "MEDIUM"
	High   Level = "HIGH"
)

// ParseLevel accepts LOW, MEDIUM or HIGH in any case.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(strings.TrimSpace(s))); l {
	case Low, Medium, High:
		return l, nil
	}
	return "", fmt.Errorf("risk: unknown level %q", s)
}

// Blocks reports whether the level prevents the action.
func (l Level) Blocks() bool { return l == High }

// Action names what is being scored.
type Action string

const (
	ActionGrant Action = "grant"
	ActionView  Action = "view"
)

// Request describes one action submitted for scoring.
type Request struct {
	Action   Action
	Caller   models.Identity
	RecordID models.RecordID
	Target   models.Identity // viewer for grants, empty otherwise
}

// Scorer rates an action.
type Scorer interface {
	Score(ctx context.Context, req Request) (Level, error)
}

// Static returns the same level for every request.
type Static Level

// Score implements Scorer.
func (s Static) Score(context.Context, Request) (Level, error) { return Level(s), nil }

// Func adapts a function to Scorer.
type Func func(ctx context.Context, req Request) (Level, error)

// Score implements Scorer.
func (f Func) Score(ctx context.Context, req Request) (Level, error) { return f(ctx, req) }
