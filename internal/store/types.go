package store

import "github.com/blackwell-systems/netzone/internal/zone"

// HistoryEntry is a recorded zone change with the zone names resolved.
// A name is empty when the zone has since been removed.
type HistoryEntry struct {
	ID int64 `json:"id" cbor:"id"`
	zone.Change
	FromName string `json:"from_name,omitempty" cbor:"from_name,omitempty"`
	ToName   string `json:"to_name,omitempty" cbor:"to_name,omitempty"`
}
