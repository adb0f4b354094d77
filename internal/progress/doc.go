// Package progress tracks harvest progress with atomic counters shared by the
// producer and the workers, and periodically reports rate and ETA through a
// structured logger.
package progress
