package protocol

import (
	"fmt"
	"strings"
	"time"
)

const epochLength = 24 * time.Hour

// EpochSchedule maps wall-clock time to daily epochs. Epoch N closes at the
// configured UTC time of day N counted from the Unix epoch, and opens at
// the close of epoch N-1. A submission at exactly the close instant belongs
// to the next epoch.
type EpochSchedule struct {
	closeOffset time.Duration
}

// ParseCloseTime parses a UTC time of day: "17:00", "17:00:00", "17:00Z" or
// "17:00 UTC". Other zones are refused so daylight saving can never move
// the close.
func ParseCloseTime(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimSuffix(trimmed, "Z")
	trimmed = strings.TrimSuffix(trimmed, " UTC")

	for _, layout := range []string{"15:04:05", "15:04"} {
		t, err := time.Parse(layout, trimmed)
		if err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("close time %q is not a UTC time of day", s)
}

// NewEpochSchedule creates a schedule closing daily at closeTime (UTC).
func NewEpochSchedule(closeTime string) (*EpochSchedule, error) {
	offset, err := ParseCloseTime(closeTime)
	if err != nil {
		return nil, err
	}
	return &EpochSchedule{closeOffset: offset}, nil
}

// CloseTime returns the close instant of epoch e.
func (s *EpochSchedule) CloseTime(e EpochID) time.Time {
	return time.Unix(0, 0).UTC().Add(time.Duration(e) * epochLength).Add(s.closeOffset)
}

// OpenTime returns the instant epoch e starts accepting bids.
func (s *EpochSchedule) OpenTime(e EpochID) time.Time {
	return s.CloseTime(e).Add(-epochLength)
}

// EpochAt returns the epoch accepting submissions at t.
func (s *EpochSchedule) EpochAt(t time.Time) EpochID {
	secs := t.Unix() - int64(s.closeOffset/time.Second)
	day := secs / int64(epochLength/time.Second)
	if secs < 0 && secs%int64(epochLength/time.Second) != 0 {
		day--
	}
	if day < 0 {
		return 0
	}
	return EpochID(day + 1)
}

// Auctions lists the auctions of epoch e in clearing order.
func (s *EpochSchedule) Auctions(e EpochID, order []Listing) []Auction {
	auctions := make([]Auction, 0, len(order))
	for _, l := range order {
		auctions = append(auctions, Auction{
			Pair:          l.Pair,
			Epoch:         e,
			OpenTime:      s.OpenTime(e),
			CloseTime:     s.CloseTime(e),
			SequenceIndex: l.SequenceIndex,
		})
	}
	return auctions
}
