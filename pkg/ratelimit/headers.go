package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// unixThreshold separates reset values given as epoch seconds from values
// given as seconds-until-reset.
const unixThreshold = 1_000_000_000

// ParseHeaders extracts the request budget from response headers.
// It returns ok=false when the host does not advertise a budget.
func ParseHeaders(host string, headers http.Header, now time.Time) (state *RateLimitState, ok bool, err error) {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil, false, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	var limit int
	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	resetAt := now.Add(DefaultWindow)
	if resetStr := headers.Get(HeaderReset); resetStr != "" {
		reset, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		if reset >= unixThreshold {
			resetAt = time.Unix(reset, 0)
		} else {
			resetAt = now.Add(time.Duration(reset) * time.Second)
		}
	}

	state = &RateLimitState{
		Host:       host,
		Remaining:  remain,
		Limit:      limit,
		ResetAt:    resetAt,
		LastUpdate: now,
	}
	state.UpdateHealth()

	return state, true, nil
}
