package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/domain"
)

func sized(sizes ...int64) []*domain.CacheRequest {
	out := make([]*domain.CacheRequest, len(sizes))
	for i, size := range sizes {
		out[i] = &domain.CacheRequest{FileSize: size}
	}
	return out
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name   string
		sizes  []int64
		budget int64
		want   int
	}{
		{name: "empty", budget: 100},
		{name: "all fit", sizes: []int64{10, 20, 30}, budget: 100, want: 3},
		{name: "prefix only", sizes: []int64{40, 40, 40}, budget: 100, want: 2},
		{name: "exact fit is refused", sizes: []int64{50, 50}, budget: 100, want: 1},
		{name: "stops at first misfit", sizes: []int64{10, 95, 1}, budget: 100, want: 1},
		{name: "no budget", sizes: []int64{1}, budget: 0},
		{name: "negative budget", sizes: []int64{1}, budget: -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidates := sized(tt.sizes...)
			admitted := Admit(candidates, tt.budget)
			assert.Len(t, admitted, tt.want)
			for i := range admitted {
				assert.Same(t, candidates[i], admitted[i])
			}
		})
	}
}

func TestAdmissionController_CountsPendingAndResidentBytes(t *testing.T) {
	h := newHarnessCapacity(t, 100)
	ctx := context.Background()
	h.addLocation(t, "tape", domain.StorageTypeRestoration, 30)

	// 30 bytes resident, 30 bytes queued elsewhere.
	h.stageCached(t, "resident", "012345678901234567890123456789", h.clock.Now().Add(time.Hour))
	h.reference(t, "tape", "queued", 30, "u1")
	_, err := h.availability.MakeAvailable(ctx, []string{"queued"}, h.clock.Now().Add(time.Hour), "")
	require.NoError(t, err)

	candidates := sized(20, 20)
	candidates[0].ID, candidates[1].ID = "c-1", "c-2"
	admitted, err := h.admission.CalculateAdmissible(ctx, candidates)
	require.NoError(t, err)
	assert.Len(t, admitted, 1, "budget is 100 - 30 resident - 30 queued")

	// The queued request is itself a candidate: it does not count against itself.
	queued, err := h.ledgers.Restoration.Search(ctx, repositoryFilterChecksum("queued"))
	require.NoError(t, err)
	admitted, err = h.admission.CalculateAdmissible(ctx, queued)
	require.NoError(t, err)
	assert.Len(t, admitted, 1)
}
