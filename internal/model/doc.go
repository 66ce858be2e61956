// Package model defines shared data types used across the chat engine
// and the gateway.
//
// Conventions:
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Message IDs: int64, server-assigned, monotonic per room
//   - User and room IDs: opaque strings
package model
