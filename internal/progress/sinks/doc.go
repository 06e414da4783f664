// Package sinks contains progress sink implementations: structured logs and
// batched notifications to a publisher topic.
package sinks
