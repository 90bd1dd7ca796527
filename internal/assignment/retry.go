package assignment

import (
	"math/rand/v2"
	"time"

	"github.com/kylink/suffixpool/internal/model"
)

// maxLeaseRetries and baseJitter are spec §4.E.1's "concurrency under
// contention" defaults: up to 3 retries with randomized jitter based on a
// 50ms unit, the same math/rand/v2 source scanloop.Run uses for its own
// interval jitter.
const (
	maxLeaseRetries = 3
	baseJitter      = 50 * time.Millisecond
)

// withLeaseRetry calls fn up to maxLeaseRetries+1 times, sleeping a
// random jittered backoff between attempts whenever fn reports a
// conflict (state.ErrConflict — another caller won the race on the chosen
// pool item row). Any other error, or success, returns immediately.
func withLeaseRetry(isConflict func(error) bool, fn func() (model.Assignment, model.PoolItem, error)) (model.Assignment, model.PoolItem, error) {
	var lastErr error
	for attempt := 0; attempt <= maxLeaseRetries; attempt++ {
		a, p, err := fn()
		if err == nil {
			return a, p, nil
		}
		lastErr = err
		if !isConflict(err) {
			return model.Assignment{}, model.PoolItem{}, err
		}
		if attempt < maxLeaseRetries {
			time.Sleep(baseJitter + time.Duration(rand.Int64N(int64(baseJitter))))
		}
	}
	return model.Assignment{}, model.PoolItem{}, lastErr
}
