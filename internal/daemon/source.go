package daemon

import (
	"context"
	"sync/atomic"

	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/resource"
)

// currentKey is the fingerprint cache key for the latest scan.
const currentKey = "current"

// scanSource fingerprints the current location through the connection
// pool and keeps the latest result in the fingerprint cache.
type scanSource struct {
	scanner *fingerprint.Scanner
	res     *resource.Resources
	mode    atomic.Int32
}

func newScanSource(scanner *fingerprint.Scanner, res *resource.Resources, mode fingerprint.PrivacyMode) *scanSource {
	s := &scanSource{scanner: scanner, res: res}
	s.setMode(mode)
	return s
}

func (s *scanSource) setMode(m fingerprint.PrivacyMode) {
	s.mode.Store(int32(m))
}

func (s *scanSource) privacy() fingerprint.PrivacyMode {
	return fingerprint.PrivacyMode(s.mode.Load())
}

// Fingerprint always scans. Only a pool timeout or a cancelled context
// make it fail; a failed scan is an empty fingerprint.
func (s *scanSource) Fingerprint(ctx context.Context) (fingerprint.Fingerprint, error) {
	var fp fingerprint.Fingerprint
	err := s.res.Pool.Execute(ctx, resource.ConnWiFiScan, func(ctx context.Context) error {
		fp = s.scanner.Scan(ctx, s.privacy())
		return nil
	})
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	s.res.Cache.PutFingerprint(currentKey+"/"+s.privacy().String(), fp)
	return fp, nil
}

// Current returns the cached fingerprint while it is fresh and scans
// otherwise.
func (s *scanSource) Current(ctx context.Context) (fingerprint.Fingerprint, error) {
	if fp, ok := s.res.Cache.Fingerprint(currentKey + "/" + s.privacy().String()); ok {
		return fp, nil
	}
	return s.Fingerprint(ctx)
}
