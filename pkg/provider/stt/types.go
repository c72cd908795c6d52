package stt

import "github.com/turnengine/turnengine/pkg/types"

// Transcript, WordDetail and KeywordBoost are aliases of the shared types in
// pkg/types, kept under the stt package name for callers that only import stt.
type (
	Transcript   = types.Transcript
	WordDetail   = types.WordDetail
	KeywordBoost = types.KeywordBoost
)
