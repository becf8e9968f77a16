package core

import "time"

// SideType represents the direction of an order.
type SideType string

// OrderType represents the exchange order type.
type OrderType string

// Order side constants
const (
	SideTypeBuy  SideType = "buy"
	SideTypeSell SideType = "sell"
)

// Opposite returns the closing side for a position opened on this side.
func (s SideType) Opposite() SideType {
	if s == SideTypeBuy {
		return SideTypeSell
	}
	return SideTypeBuy
}

// Order type constants
const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// OrderRequest describes an order submission to the broker.
type OrderRequest struct {
	Instrument   string
	Amount       float64
	Price        float64 // limit price; ignored for market orders
	TriggerPrice float64 // stop trigger; stop_market only
	Type         OrderType
	Label        string
	ReduceOnly   bool
}

// Order is an exchange-acknowledged order.
type Order struct {
	OrderID      string
	Instrument   string
	Side         SideType
	Type         OrderType
	Price        float64
	TriggerPrice float64
	Amount       float64
	FilledAmount float64
	AveragePrice float64
	ReduceOnly   bool
	Label        string
	CreatedAt    time.Time
}

// IsProtective reports whether the order is a reduce-only protective leg.
func (o Order) IsProtective() bool { return o.ReduceOnly }
