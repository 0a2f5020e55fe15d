package main

import (
	"math/rand"
	"strings"
)

// The analysis score shown on a profile card is presentation only: it is
// recomputed from public attributes on every request, never persisted, and
// is NOT the homomorphic match score. The jitter keeps identical cards from
// looking suspiciously uniform in the UI.

// preferenceAffinity scores how close two public preference values are,
// 0..50. Identical preferences get the full band.
func preferenceAffinity(a, b int64) int {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	if diff > 50 {
		return 0
	}
	return int(50 - diff)
}

// textAffinity counts shared lowercase words between two free-text blurbs,
// 10 points per shared word, capped at 40.
func textAffinity(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	wordsA := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(a)) {
		wordsA[w] = true
	}

	shared := 0
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(b)) {
		if wordsA[w] && !seen[w] {
			shared++
			seen[w] = true
		}
	}

	score := shared * 10
	if score > 40 {
		score = 40
	}
	return score
}

// analysisScore combines the public-attribute affinities with a small
// cosmetic jitter from the supplied source. Result is clamped to 0..100.
func analysisScore(viewer, target *Profile, rng *rand.Rand) int {
	score := preferenceAffinity(viewer.PublicPreferences, target.PublicPreferences)
	score += textAffinity(viewer.AboutMe, target.AboutMe)
	score += rng.Intn(11) - 5 // +/-5 cosmetic wobble

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
