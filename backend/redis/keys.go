package redis

import "fmt"

// runKey returns the key holding the serialized run.
func runKey(keyPrefix string, runID string) string {
	return fmt.Sprintf("%vrun:%v", keyPrefix, runID)
}

// ledgerKey returns the key for the HASH that maps step names to serialized
// step records. Ordering is restored from the records' indices.
func ledgerKey(keyPrefix string, runID string) string {
	return fmt.Sprintf("%vledger:%v", keyPrefix, runID)
}
