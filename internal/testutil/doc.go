// Package testutil provides deterministic collaborators for tests: scripted
// evaluators, a recording publisher and a document store with injectable
// write failures.
package testutil
