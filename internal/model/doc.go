// Package model defines the values that flow through the in-app messaging
// engine.
//
// Messages are opaque to the engine. The only requirement is that they
// survive a JSON round trip through the storage capability, so every field
// here is JSON-serialisable. Events arrive from the analytics bus wrapped in
// an AnalyticsPayload; only payloads whose discriminator is "record" carry an
// Event the engine acts on.
package model
