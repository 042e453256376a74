package tdx

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Measurements maps register index to value.
type Measurements map[int][]byte

// PublishedMeasurements lists the prover builds whose quotes are accepted.
//
// JSON format:
//
//	[
//	  {
//	    "measurement_id": "atomica-prover-v0.1.0-tdx",
//	    "measurements": {
//	      "0": {"expected": "hex-encoded-mrtd..."},
//	      "1": {"expected": "hex-encoded-rtmr0..."}
//	    }
//	  }
//	]
//
// Keys in "measurements" are register indices. A quote is accepted if its
// registers match every register of any one entry.
type PublishedMeasurements []MeasurementEntry

// MeasurementEntry is one acceptable prover build.
type MeasurementEntry struct {
	MeasurementID string                   `json:"measurement_id"`
	Measurements  map[int]MeasurementValue `json:"measurements"`
}

type MeasurementValue struct {
	Expected string `json:"expected"`
}

// ToMeasurements decodes the expected values.
func (e *MeasurementEntry) ToMeasurements() (Measurements, error) {
	result := make(Measurements)
	for idx, mv := range e.Measurements {
		val, err := hex.DecodeString(mv.Expected)
		if err != nil {
			return nil, fmt.Errorf("invalid hex for index %d: %w", idx, err)
		}
		result[idx] = val
	}
	return result, nil
}

// MeasurementSource provides the allowlist.
type MeasurementSource interface {
	AllowedMeasurements(ctx context.Context) (PublishedMeasurements, error)
}

// StaticMeasurementSource serves a fixed allowlist.
type StaticMeasurementSource struct {
	Measurements PublishedMeasurements
}

func NewStaticMeasurementSource(measurements PublishedMeasurements) *StaticMeasurementSource {
	return &StaticMeasurementSource{Measurements: measurements}
}

// DummyMeasurementSource accepts the quotes of DummyProvider. Only for
// tests and local runs.
func DummyMeasurementSource() *StaticMeasurementSource {
	entry := MeasurementEntry{MeasurementID: "dummy-attestation", Measurements: map[int]MeasurementValue{}}
	for idx, val := range DummyMeasurements() {
		entry.Measurements[idx] = MeasurementValue{Expected: hex.EncodeToString(val)}
	}
	return NewStaticMeasurementSource(PublishedMeasurements{entry})
}

func (s *StaticMeasurementSource) AllowedMeasurements(context.Context) (PublishedMeasurements, error) {
	return s.Measurements, nil
}

// RemoteMeasurementSource fetches the allowlist from a URL and caches it
// for an hour.
type RemoteMeasurementSource struct {
	URL        string
	HTTPClient *http.Client

	mu           sync.Mutex
	cacheTimeout time.Time
	cached       PublishedMeasurements
}

func NewRemoteMeasurementSource(url string) *RemoteMeasurementSource {
	return &RemoteMeasurementSource{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *RemoteMeasurementSource) AllowedMeasurements(ctx context.Context) (PublishedMeasurements, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && time.Now().Before(r.cacheTimeout) {
		return r.cached, nil
	}

	published, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	r.cached = published
	r.cacheTimeout = time.Now().Add(time.Hour)
	return published, nil
}

func (r *RemoteMeasurementSource) fetch(ctx context.Context) (PublishedMeasurements, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching measurements: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("measurements returned %d: %s", resp.StatusCode, body)
	}

	var pub PublishedMeasurements
	if err := json.NewDecoder(resp.Body).Decode(&pub); err != nil {
		return nil, fmt.Errorf("decoding measurements: %w", err)
	}
	return pub, nil
}

// MatchMeasurements returns the first allowed entry matched by actual.
func MatchMeasurements(allowed PublishedMeasurements, actual Measurements) (MeasurementEntry, error) {
	for _, entry := range allowed {
		matches := true
		for idx, expected := range entry.Measurements {
			val, ok := actual[idx]
			if !ok || expected.Expected != hex.EncodeToString(val) {
				matches = false
				break
			}
		}
		if matches {
			return entry, nil
		}
	}
	return MeasurementEntry{}, errors.New("measurements do not match any allowed set")
}
