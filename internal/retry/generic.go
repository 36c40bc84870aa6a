package retry

import "context"

// DoWithResult 带返回值的重试包装
//
//	st, err := retry.DoWithResult(ctx, r, func(ctx context.Context) (*state.ConversationState, error) {
//	    return store.Load(ctx, id)
//	})
func DoWithResult[T any](ctx context.Context, r Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
