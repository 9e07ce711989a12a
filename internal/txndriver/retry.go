package txndriver

import (
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
)

// RunIndependent runs fn as a one-shot (non-user) transaction: a fresh
// transid on the first attempt, the *same* transid on every retry, so
// the scheduler's deadlock-avoidance victim policy ages it toward
// priority instead of starting it over as a perpetually-young
// contender. On fn returning nil, it finishes the transaction (prepare
// if stable, then commit across every touched server) and returns. On
// fn returning an error, it aborts across every touched server; an
// EABORT outcome is retried up to cfg.RetryMax times, any other error
// is returned immediately.
//
// fn must call t.Observe after every operation so the transaction's
// per-server sequence numbers stay in sync with what the servers
// actually accepted.
func (d *Driver) RunIndependent(stable bool, fn func(t *Txn) error) error {
	id := transid.New()
	var lastErr error
	for attempt := 0; attempt <= d.cfg.RetryMax; attempt++ {
		t := d.Begin(id, stable)
		if err := fn(t); err != nil {
			_ = t.AbortAll()
			if piouserr.CodeOf(err) != piouserr.EABORT {
				return err
			}
			lastErr = err
			d.log.Debug().Str("transid", id.String()).Int("attempt", attempt).Msg("retrying aborted independent access")
			continue
		}
		if err := t.Finish(); err != nil {
			_ = t.AbortAll()
			return err
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return piouserr.New(piouserr.EABORT, "txndriver.RunIndependent")
}
