// Package memory provides in-memory implementations of the persistence and
// blob stores for development and tests.
package memory
