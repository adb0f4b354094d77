// Package harvest defines the core types, interfaces, and helpers shared by
// the document harvesting pipeline: work items and batches, per-item
// outcomes, the document layout used to derive fetch URLs, and the bounded
// retry helper used around remote fetches.
package harvest
