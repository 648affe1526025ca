// Package model holds the persisted aggregates of the notification engine
// (boxes, users, messages, summaries, weekly archives) and the pure helpers
// that operate on them.
package model
