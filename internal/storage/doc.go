// Package storage keeps a bounded history of task runs so operators can see
// what ran after a restart. Schedules themselves are never persisted.
package storage
