package tool

import "github.com/google/uuid"

// GeneratePaymentID mints the idempotency key carried through every provider
// round-trip. V7 keeps the b-tree index append-mostly.
func GeneratePaymentID() string {
	return uuid.Must(uuid.NewV7()).String()
}
