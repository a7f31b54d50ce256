package wire

import "github.com/p2p-energy-trading/engine/pkg/contracts"

// Protocol order statuses.
const (
	StatusCreated    = "CREATED"
	StatusInProgress = "INPROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

// ToWireStatus maps an internal order status to its protocol status.
// Unrecognized values pass through unchanged.
func ToWireStatus(s contracts.OrderStatus) string {
	switch s {
	case contracts.OrderDraft, contracts.OrderPending:
		return StatusCreated
	case contracts.OrderActive:
		return StatusInProgress
	case contracts.OrderCompleted:
		return StatusCompleted
	case contracts.OrderCancelled:
		return StatusCancelled
	default:
		return string(s)
	}
}

// FromWireStatus is the inverse of ToWireStatus. CREATED maps to PENDING,
// since a DRAFT order is never sent to a counterparty.
func FromWireStatus(s string) contracts.OrderStatus {
	switch s {
	case StatusCreated:
		return contracts.OrderPending
	case StatusInProgress:
		return contracts.OrderActive
	case StatusCompleted:
		return contracts.OrderCompleted
	case StatusCancelled:
		return contracts.OrderCancelled
	default:
		return contracts.OrderStatus(s)
	}
}
