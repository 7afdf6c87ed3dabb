// Package model defines shared data types used across ricmux.
//
// Conventions:
//   - Timestamps: int64 microseconds since Unix epoch
//   - Instrument keys: opaque RIC strings (e.g. "AAPL.O", "GBPJPY=")
//   - Session IDs: UUID strings minted at registration
package model
