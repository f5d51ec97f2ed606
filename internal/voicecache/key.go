package voicecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/story-narrator/narration-service/internal/core"
)

// Key derives the content-addressed cache key for a voice sample and the
// synthesis settings that shape its embedding. Identical samples uploaded by
// different users hash to the same key, so the embedding is shared.
func Key(sample []byte, settings core.SynthesisSettings) string {
	hash := sha256.New()
	hash.Write(sample)

	// Only the embedding-relevant setting participates: exaggeration is
	// baked into the voice conditionals by the provider, while temperature
	// and guidance weight apply per synthesis call.
	fmt.Fprintf(hash, "|exaggeration=%.4f", settings.Exaggeration)

	return hex.EncodeToString(hash.Sum(nil))
}
