// Package ratelimit implements sliding-window admission control.
//
// A Limiter keeps, per "limitType:identifier" key, the timestamps of
// accepted requests that fall inside the trailing window. A check purges
// expired timestamps from the front, denies when the remaining count has
// reached the limit, and otherwise records the new timestamp:
//
//	l := ratelimit.New(nil, ratelimit.WithCleanup(5*time.Minute, time.Hour))
//	defer l.Close()
//
//	if ok, info := l.CheckSearch(userID); !ok {
//	    return fmt.Errorf("retry in %s", info.RetryAfter)
//	}
//
// Denials carry RetryAfter, the whole seconds until the oldest timestamp
// leaves the window, plus one. Limit types that are not configured are
// admitted and logged as a configuration warning.
//
// # Concurrency
//
// Windows are stored in a sync.Map and each carries its own mutex, so
// concurrent checks against one key are serialized while different keys
// proceed independently. The optional sweeper removes windows whose newest
// timestamp is older than the configured max age.
package ratelimit
