package service

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
	"github.com/zzenonn/zref/internal/repository"
)

// expirable is a ledger whose old failed requests can be purged.
type expirable interface {
	Kind() domain.RequestKind
	deleteFailedBefore(ctx context.Context, before time.Time) (int, error)
}

func (l *ledger[T]) deleteFailedBefore(ctx context.Context, before time.Time) (int, error) {
	return l.repo.DeleteRequests(ctx, repository.RequestFilter{
		Statuses:      []domain.RequestStatus{domain.StatusError},
		CreatedBefore: before,
	})
}

// RequestRetention purges requests left in ERROR for longer than maxAge.
type RequestRetention struct {
	ledgers []expirable
	maxAge  time.Duration
	clock   clock.Clock
}

func NewRequestRetention(ledgers Ledgers, maxAge time.Duration, clk clock.Clock) *RequestRetention {
	if clk == nil {
		clk = clock.WallClock
	}
	return &RequestRetention{
		ledgers: []expirable{ledgers.Storage, ledgers.Deletion, ledgers.Restoration, ledgers.Copy},
		maxAge:  maxAge,
		clock:   clk,
	}
}

// PurgeExpired deletes the expired failed requests of every ledger. A zero
// maxAge keeps everything.
func (r *RequestRetention) PurgeExpired(ctx context.Context) (int, error) {
	if r.maxAge <= 0 {
		return 0, nil
	}
	before := r.clock.Now().Add(-r.maxAge)
	total := 0
	var errs []error
	for _, l := range r.ledgers {
		n, err := l.deleteFailedBefore(ctx, before)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			log.WithField("kind", l.Kind()).Infof("Purged %d expired failed requests", n)
		}
		total += n
	}
	return total, errors.Join(errs...)
}
