package report

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// identicalRunLimit flags descriptions like "aaaaaaaaaaa" as keyboard mash.
const identicalRunLimit = 11

// boundingBox is an inclusive lat/lng rectangle.
type boundingBox struct {
	minLat, maxLat float64
	minLng, maxLng float64
}

// bangladeshBoxes approximate the national territory. Two boxes: the main
// landmass and the south-eastern Chittagong Hill Tracts strip.
var bangladeshBoxes = []boundingBox{
	{minLat: 20.74, maxLat: 26.64, minLng: 88.01, maxLng: 92.68},
	{minLat: 20.5, maxLat: 23.75, minLng: 91.5, maxLng: 92.9},
}

// WithinBangladesh reports whether the coordinates fall inside the
// precomputed national bounding boxes.
func WithinBangladesh(lng, lat float64) bool {
	for _, b := range bangladeshBoxes {
		if lat >= b.minLat && lat <= b.maxLat && lng >= b.minLng && lng <= b.maxLng {
			return true
		}
	}
	return false
}

// LooksLikeSpam applies the cheap content heuristics: too short, a long run
// of one character, or no letters at all.
func LooksLikeSpam(description string) bool {
	if len(description) < MinDescriptionLen {
		return true
	}

	run := 1
	var prev rune
	hasLetter := false
	for i, c := range description {
		if unicode.IsLetter(c) {
			hasLetter = true
		}
		if i > 0 && c == prev {
			run++
			if run >= identicalRunLimit {
				return true
			}
		} else {
			run = 1
		}
		prev = c
	}
	return !hasLetter
}

// ComputeSecurityFlags fills in the flag set from content and location.
// Called from the pre-save pipeline.
func (r *Report) ComputeSecurityFlags() {
	r.Flags.PotentialSpam = LooksLikeSpam(r.Description)
	r.Flags.CrossBorderReport = !r.Location.WithinBangladesh
	r.Flags.SuspiciousLocation = !WithinBangladesh(r.Location.OriginalLng, r.Location.OriginalLat)
	r.Flags.RequiresFemaleValidation = FemaleSensitive(r.Type)
	r.Flags.SecurityScore = r.securityScore()
}

// securityScore summarizes how trustworthy the submission looks, 0-100.
// Higher is cleaner.
func (r *Report) securityScore() int {
	score := 100
	if r.Flags.PotentialSpam {
		score -= 40
	}
	if r.Flags.CrossBorderReport {
		score -= 25
	}
	if r.Flags.SuspiciousLocation {
		score -= 20
	}
	if r.SubmittedBy.Anonymous {
		score -= 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ComputeDedupHashes sets the content hash (type + normalized description)
// and the temporal hash (content + hour bucket), so the same text
// resubmitted within the hour collides.
func (r *Report) ComputeDedupHashes() {
	normalized := strings.ToLower(strings.Join(strings.Fields(r.Description), " "))
	content := sha256.Sum256([]byte(string(r.Type) + "|" + normalized))
	r.Dedup.ContentHash = hex.EncodeToString(content[:])

	bucket := r.OccurredAt.UTC().Truncate(time.Hour).Unix()
	temporal := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", r.Dedup.ContentHash, bucket)))
	r.Dedup.TemporalHash = hex.EncodeToString(temporal[:])
}

// Obfuscation bounds: public coordinates are jittered up to roughly ±250 m
// so the feed cannot pinpoint a victim's doorstep.
const (
	maxJitterDegLat = 0.00225 // ≈250 m
)

// ObfuscateLocation derives the public coordinates from the originals with
// a deterministic jitter keyed on the report id, so repeated reads never
// leak the original through averaging.
func (r *Report) ObfuscateLocation() {
	sum := sha256.Sum256([]byte("geo|" + r.ID))
	// Two independent uniform values in [-1, 1).
	u1 := float64(int64(binary.BigEndian.Uint64(sum[0:8])))/float64(1<<63) // [-1,1)
	u2 := float64(int64(binary.BigEndian.Uint64(sum[8:16]))) / float64(1 << 63)

	r.Location.PublicLat = r.Location.OriginalLat + u1*maxJitterDegLat
	// Longitude degrees shrink with latitude; widen the jitter to keep the
	// ground distance comparable.
	r.Location.PublicLng = r.Location.OriginalLng + u2*maxJitterDegLat/cosDeg(r.Location.OriginalLat)
}

// cosDeg guards against the degenerate near-pole case; Bangladesh sits
// around 23°N so the guard never fires in practice.
func cosDeg(deg float64) float64 {
	c := math.Cos(deg * math.Pi / 180)
	if c < 0.1 {
		c = 0.1
	}
	return c
}
