package webrtc

import "time"

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// sequenceCounter tracks received RTP sequence numbers the way a receiver
// report does: expected is derived from the extended highest sequence number.
type sequenceCounter struct {
	started  bool
	base     int64
	highest  int64
	received uint64
}

func (s *sequenceCounter) observe(seq uint16) {
	if !s.started {
		s.started = true
		s.base = int64(seq)
		s.highest = int64(seq)
		s.received = 1
		return
	}
	s.received++
	delta := int64(int16(seq - uint16(s.highest)))
	if delta > 0 {
		s.highest += delta
	}
}

func (s *sequenceCounter) expected() uint64 {
	if !s.started {
		return 0
	}
	return uint64(s.highest - s.base + 1)
}

func (s *sequenceCounter) lost() uint64 {
	exp := s.expected()
	if s.received >= exp {
		return 0
	}
	return exp - s.received
}

func toNTP(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// roundTripFromReport computes RTT from the LSR and DLSR fields of a
// reception report, both in the middle 32 bits NTP format.
func roundTripFromReport(now time.Time, lsr, dlsr uint32) (time.Duration, bool) {
	if lsr == 0 {
		return 0, false
	}
	mid := uint32(toNTP(now) >> 16)
	diff := int64(mid) - int64(lsr) - int64(dlsr)
	if diff < 0 {
		diff += 1 << 32
	}
	if diff < 0 || diff >= 1<<31 {
		return 0, false
	}
	return time.Duration(diff) * time.Second / 65536, true
}
