package service

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
)

// AdmissionController throttles restorations to what the cache can hold.
type AdmissionController struct {
	cache    Cache
	requests *CacheRequestService
}

func NewAdmissionController(cache Cache, requests *CacheRequestService) *AdmissionController {
	return &AdmissionController{cache: cache, requests: requests}
}

// CalculateAdmissible returns the prefix of candidates that fits in the cache.
// The budget is the free cache space minus the size of every restoration
// already queued or running, candidates excluded.
func (a *AdmissionController) CalculateAdmissible(ctx context.Context, candidates []*domain.CacheRequest) ([]*domain.CacheRequest, error) {
	free, err := a.cache.FreeBytes(ctx)
	if err != nil {
		return nil, err
	}
	exclude := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		exclude[c.ID] = true
	}
	pending, err := a.requests.PendingBytes(ctx, exclude)
	if err != nil {
		return nil, err
	}

	admitted := Admit(candidates, free-pending)
	if len(admitted) < len(candidates) {
		log.Infof("Cache admits %d of %d restorations (free %d, pending %d bytes)", len(admitted), len(candidates), free, pending)
	}
	return admitted, nil
}

// Admit accepts candidates in order while their running size stays strictly
// below budget, and stops at the first one that does not fit.
func Admit(candidates []*domain.CacheRequest, budget int64) []*domain.CacheRequest {
	var running int64
	for i, c := range candidates {
		if running+c.FileSize >= budget {
			return candidates[:i]
		}
		running += c.FileSize
	}
	return candidates
}
