// Package scheduler registers named schedules and fires them into the task
// engine. It only computes trigger times; execution, retries and overlap
// handling belong to internal/task/engine.
package scheduler
