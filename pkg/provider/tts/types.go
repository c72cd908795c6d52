package tts

import "github.com/turnengine/turnengine/pkg/types"

// VoiceProfile is an alias of the shared type in pkg/types, kept under the
// tts package name for callers that only import tts.
type VoiceProfile = types.VoiceProfile
