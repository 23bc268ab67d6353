// Package analysis defines the domain types, errors and collaborator
// interfaces shared by the website-analysis pipeline.
package analysis
