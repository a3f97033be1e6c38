// Package types defines shared types used across the knowledgeflow retrieval
// core: the unified structured error type and its error codes.
package types
