package domain

import "time"

// QualityTier is an advisory classification of a link's health.
type QualityTier string

const (
	QualityUnknown  QualityTier = "unknown"
	QualityGood     QualityTier = "good"
	QualityDegraded QualityTier = "degraded"
	QualityBad      QualityTier = "bad"
)

// LinkStats are cumulative counters read from the media engine.
type LinkStats struct {
	Timestamp       time.Time
	RoundTripTime   time.Duration
	HasRoundTrip    bool
	PacketsExpected uint64
	PacketsLost     uint64
}

// LinkHealth is the derived health of one link over the last sampling interval.
type LinkHealth struct {
	RoundTripTime time.Duration
	LossPercent   float64
	Tier          QualityTier
	SampledAt     time.Time
}

// AudioLevel is a remote audio level sample in -dBov (0 loudest, 127 silence).
type AudioLevel struct {
	Level uint8
	Voice bool
}
