package ports

import (
	"context"

	"swingbot/internal/domain"
)

// LedgerRepository persists positions and orchestrator state so that a
// restart reproduces the identical set of open/pending positions.
type LedgerRepository interface {
	// CreatePosition saves a new position and returns its assigned ID.
	CreatePosition(ctx context.Context, pos *domain.Position) (int64, error)
	// UpdatePosition modifies an existing position.
	UpdatePosition(ctx context.Context, pos *domain.Position) error
	// FindActivePositions retrieves every position in an open or pending
	// status, ordered by entry time.
	FindActivePositions(ctx context.Context) ([]*domain.Position, error)
	// FindAllPositions retrieves all positions, newest first.
	FindAllPositions(ctx context.Context) ([]*domain.Position, error)
	// GetTotalRealizedPL sums realized P&L over all closed positions.
	GetTotalRealizedPL(ctx context.Context) (float64, error)

	// SaveBotState records the orchestrator's last state.
	SaveBotState(ctx context.Context, state domain.BotState) error
	// LoadBotState returns the last recorded state, or StateStopped if
	// none was ever saved.
	LoadBotState(ctx context.Context) (domain.BotState, error)
}
