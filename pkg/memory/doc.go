// Package memory gives the agent durable state between runs: short
// key-value notes and long-form knowledge entries.
//
// Notes are exact-key records the kernel and the model both use
// (memory_save / memory_recall). Knowledge entries are searchable
// documents combining FTS5 keyword matching with optional vector
// similarity when an embedding provider is configured. A knowledge
// directory of markdown files can be mounted; its documents are indexed
// as entries and re-indexed when they change on disk.
package memory
