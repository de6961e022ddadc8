package services

import (
	"time"

	"voxmesh/internal/core/domain"
)

// QualityThresholds bound each tier. A link is in a tier when either its loss
// or its round trip time exceeds that tier's limit.
type QualityThresholds struct {
	BadLossPercent      float64
	BadRTT              time.Duration
	DegradedLossPercent float64
	DegradedRTT         time.Duration
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		BadLossPercent:      8,
		BadRTT:              400 * time.Millisecond,
		DegradedLossPercent: 4,
		DegradedRTT:         250 * time.Millisecond,
	}
}

type QualityService struct {
	thresholds QualityThresholds
}

func NewQualityService(thresholds QualityThresholds) *QualityService {
	return &QualityService{thresholds: thresholds}
}

func (qs *QualityService) Classify(rtt time.Duration, lossPercent float64) domain.QualityTier {
	switch {
	case lossPercent > qs.thresholds.BadLossPercent || rtt > qs.thresholds.BadRTT:
		return domain.QualityBad
	case lossPercent > qs.thresholds.DegradedLossPercent || rtt > qs.thresholds.DegradedRTT:
		return domain.QualityDegraded
	default:
		return domain.QualityGood
	}
}

// Assess derives health from two cumulative samples. Loss is measured over the
// interval between them, not since the link started.
func (qs *QualityService) Assess(prev, cur domain.LinkStats) domain.LinkHealth {
	health := domain.LinkHealth{
		RoundTripTime: cur.RoundTripTime,
		SampledAt:     cur.Timestamp,
		Tier:          domain.QualityUnknown,
	}

	// Counters can go backwards when the remote restarts its stream.
	if cur.PacketsExpected < prev.PacketsExpected || cur.PacketsLost < prev.PacketsLost {
		prev = domain.LinkStats{}
	}
	expected := cur.PacketsExpected - prev.PacketsExpected
	lost := cur.PacketsLost - prev.PacketsLost
	if expected > 0 {
		health.LossPercent = float64(lost) / float64(expected) * 100
		if health.LossPercent > 100 {
			health.LossPercent = 100
		}
	}

	if !cur.HasRoundTrip && expected == 0 {
		return health
	}
	health.Tier = qs.Classify(cur.RoundTripTime, health.LossPercent)
	return health
}
