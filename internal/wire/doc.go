// Package wire implements the Frame Codec component.
//
// Frames are a tagged union over the "type" field, carried as JSON text
// messages on the persistent connection. Both directions share one Frame
// shape; Decode enforces the per-type required fields so that malformed
// input is rejected at the boundary instead of deep inside a handler.
package wire
