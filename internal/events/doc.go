// Package events delivers insight lifecycle events.
//
// Bus fans events out to in-process handlers such as the task bridge.
// NATSPublisher and SubscribeNATS carry the same events as JSON on
// "<prefix>.insight.<name>" subjects for out-of-process consumers.
// Delivery is at most once; consumers de-duplicate on Event.ID.
package events
