package matcher

import "sync/atomic"

// Sampler passes every Nth frame.
type Sampler struct {
	every uint64
	count atomic.Uint64
}

// NewSampler creates a sampler; every below 1 passes all frames.
func NewSampler(every int) *Sampler {
	return &Sampler{every: uint64(max(every, 1))}
}

// Next counts a captured frame and reports whether it should be matched.
func (s *Sampler) Next() bool {
	return s.count.Add(1)%s.every == 0
}

// Count returns the number of frames seen.
func (s *Sampler) Count() uint64 {
	return s.count.Load()
}
