// Package cache keeps the audio of spoken answers in memory, keyed by
// message id, so a message is synthesized at most once per run.
package cache
