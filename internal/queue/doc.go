// Package queue owns every capture job from enqueue until it is released or
// expires.
//
// The Manager admits queued jobs in FIFO order while fewer than MaxConcurrent
// are processing. Each admitted job runs on its own goroutine and posts its
// outcome on a completion channel; Run consumes those messages, records the
// terminal state and admits the next job. All bookkeeping happens under one
// mutex. Pipeline work and blob I/O never do.
package queue
