package knowledge

import "errors"

// Typed failures surfaced to callers. Infrastructure hiccups (an
// unreadable index, a dead reranker) are absorbed with a logged
// warning instead and never reach this list.
var (
	ErrNotFound             = errors.New("knowledge: not found")
	ErrDuplicateName        = errors.New("knowledge: knowledge base name already in use")
	ErrPayloadTooLarge      = errors.New("knowledge: file exceeds the configured size limit")
	ErrRetrievalUnavailable = errors.New("knowledge: no usable retrieval path")
	ErrIndexUnavailable     = errors.New("knowledge: vector index unavailable")
)
