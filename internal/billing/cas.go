package billing

import (
	"context"

	"toeicprep/internal/types"
)

const casAttempts = 3

// mutateSubscription reads the user's row, lets fn compute the next state and
// writes it with compare-and-set, reloading on a concurrent write. fn receives
// nil when the user has no row and returns nil to skip the write.
func mutateSubscription(
	ctx context.Context,
	store SubscriptionStore,
	userID string,
	fn func(current *types.Subscription) (*types.Subscription, error),
) (*types.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := store.GetByUserID(ctx, userID)
		if err != nil {
			if !types.IsNotFound(err) {
				return nil, err
			}
			current = nil
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}

		if current == nil {
			err = store.Create(ctx, next)
		} else {
			err = store.Update(ctx, next)
		}
		if err == nil {
			return next, nil
		}
		if !types.HasCode(err, types.ErrCodeConflictConcurrent) && !types.HasCode(err, types.ErrCodeConflictAlreadyExists) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
