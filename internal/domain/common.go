package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType represents the execution type of an order.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// Action is the recommendation issued by the analysis backend.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// PositionStatus represents where a position is in its lifecycle.
type PositionStatus string

const (
	StatusPendingEntry PositionStatus = "pending_entry"
	StatusOpen         PositionStatus = "open"
	StatusPendingExit  PositionStatus = "pending_exit"
	StatusClosed       PositionStatus = "closed"
	StatusVoid         PositionStatus = "void" // entry never filled, or the broker lost track of the position
)

// ExitReason indicates why an exit intent was emitted for a position.
type ExitReason string

const (
	ExitReasonStopLoss      ExitReason = "stop_loss"
	ExitReasonTakeProfit    ExitReason = "take_profit"
	ExitReasonSignal        ExitReason = "signal"
	ExitReasonEmergencyStop ExitReason = "emergency_stop"
)

// BotState represents the orchestrator's lifecycle state.
type BotState string

const (
	StateStopped          BotState = "stopped"
	StateRunning          BotState = "running"
	StateEmergencyStopped BotState = "emergency_stopped"
)
