package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/winnowml/winnow/internal/providers"
)

// poolResult carries one chunk's raw model output plus request accounting.
type poolResult struct {
	output  string
	usage   providers.Usage
	retries int
}

type poolOptions struct {
	workers    int
	maxRetries int
	retryDelay time.Duration
	limiter    *providers.RateLimiter
	logger     *slog.Logger
}

// runPool fans prompts out to the provider with bounded concurrency. Results
// are index-addressed so prompt order survives arbitrary completion order.
// The provider client never retries; transient failures are retried here,
// and the first exhausted prompt cancels the not-yet-started remainder.
func runPool(ctx context.Context, p providers.Provider, prompts []string, opts poolOptions) ([]poolResult, error) {
	results := make([]poolResult, len(prompts))
	if len(prompts) == 0 {
		return results, nil
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	workers := opts.workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(prompts) {
		workers = len(prompts)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	tasks := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				res, err := requestOne(ctx, p, prompts[idx], opts)
				if err != nil {
					fail(fmt.Errorf("chunk %d: %w", idx, err))
					return
				}
				results[idx] = res
			}
		}()
	}

	for i := range prompts {
		select {
		case tasks <- i:
		case <-ctx.Done():
		}
	}
	close(tasks)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// requestOne runs one prompt through the provider, waiting on the shared
// rate limiter before every attempt. Only transient failures retry; a 429
// additionally drains the limiter so other workers back off too.
func requestOne(ctx context.Context, p providers.Provider, prompt string, opts poolOptions) (poolResult, error) {
	var res poolResult

	attempts := opts.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && providers.IsTransient(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			res.retries++
			if opts.limiter != nil && isThrottle(err) {
				opts.limiter.RecordThrottle()
			}
			opts.logger.Warn("retrying request", "attempt", n+1, "error", err)
		}),
	}
	if opts.retryDelay > 0 {
		retryOpts = append(retryOpts, retry.Delay(opts.retryDelay))
	}

	err := retry.Do(func() error {
		if opts.limiter != nil {
			if err := opts.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
		}
		batch, err := p.Infer(ctx, []string{prompt})
		if err != nil {
			return err
		}
		item := batch[0]
		if item.Err != nil {
			return item.Err
		}
		if len(item.Outputs) == 0 {
			return retry.Unrecoverable(errors.New("provider returned no outputs"))
		}
		res.output = item.Outputs[0].Output
		res.usage = item.Usage
		return nil
	}, retryOpts...)

	return res, err
}

func isThrottle(err error) bool {
	var re *providers.RuntimeError
	return errors.As(err, &re) && re.StatusCode == 429
}
