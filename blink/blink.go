// Package blink stands in for the external face-geometry blink detector.
// The real computation (eye aspect ratio over face-mesh landmarks) runs
// elsewhere; this service only needs a boolean per submitted frame.
package blink

import (
	"hash/fnv"
	"math/rand"
)

// Detector reports whether a frame shows closed eyes.
type Detector interface {
	IsBlink(frame []byte) bool
}

// StubDetector is a deterministic pseudo-random stand-in: the same frame
// always yields the same answer under the same seed, and roughly one frame
// in five reads as a blink.
type StubDetector struct {
	seed int64
}

// NewStubDetector creates a stub detector.
func NewStubDetector(seed int64) *StubDetector {
	return &StubDetector{seed: seed}
}

// IsBlink mixes the frame hash with the seed, so repeated frames are stable
// within a process.
func (d *StubDetector) IsBlink(frame []byte) bool {
	h := fnv.New64a()
	h.Write(frame)
	r := rand.New(rand.NewSource(int64(h.Sum64()) ^ d.seed))
	return r.Intn(5) == 0
}
