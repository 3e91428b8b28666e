package logging

// ProgressSampler suppresses repetitive transfer progress logs. It reports
// true once each time the completed fraction crosses a new bucket boundary.
type ProgressSampler struct {
	bucketPercent float64
	lastBucket    int
}

// NewProgressSampler constructs a sampler that emits every bucketPercent
// percent (default 10).
func NewProgressSampler(bucketPercent float64) *ProgressSampler {
	if bucketPercent <= 0 {
		bucketPercent = 10
	}
	return &ProgressSampler{bucketPercent: bucketPercent, lastBucket: -1}
}

// ShouldLog reports whether progress at done of total bytes should be logged.
// An unknown total (<= 0) never logs.
func (s *ProgressSampler) ShouldLog(done, total int64) bool {
	if s == nil || total <= 0 || done < 0 {
		return false
	}
	percent := float64(done) / float64(total) * 100
	if percent > 100 {
		percent = 100
	}
	bucket := int(percent / s.bucketPercent)
	if bucket <= s.lastBucket {
		return false
	}
	s.lastBucket = bucket
	return true
}

// Reset clears the sampler state, e.g. when a transfer restarts from zero.
func (s *ProgressSampler) Reset() {
	if s != nil {
		s.lastBucket = -1
	}
}
