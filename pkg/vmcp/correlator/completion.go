// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package correlator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

// maxCompletionValues bounds the merged value list, mirroring the
// protocol's own cap.
const maxCompletionValues = 100

// CompleteFunc queries one backend for completions.
type CompleteFunc func(ctx context.Context, backendID string) (*vmcp.CompletionResult, error)

// AggregateCompletions fans a completion request out to every backend
// that exposes the capability, bounded by perBackendTimeout each, and
// merges the results with duplicates removed. A backend that errors or
// runs past its timeout contributes nothing; its late values are
// ignored. Merge order follows the backendIDs order, so the output is
// deterministic.
func AggregateCompletions(ctx context.Context, backendIDs []string, perBackendTimeout time.Duration, fn CompleteFunc) *vmcp.CompletionResult {
	results := make([]*vmcp.CompletionResult, len(backendIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, backendID := range backendIDs {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, perBackendTimeout)
			defer cancel()
			res, err := fn(callCtx, backendID)
			if err != nil {
				logger.Debugw("completion backend skipped",
					"backend_id", backendID, "error", err)
				return nil
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	// Goroutines never return errors; Wait is purely a barrier.
	_ = g.Wait()

	merged := &vmcp.CompletionResult{}
	merged.Completion.Values = []string{}
	seen := make(map[string]bool)
	total := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, v := range res.Completion.Values {
			if seen[v] {
				continue
			}
			seen[v] = true
			total++
			if len(merged.Completion.Values) < maxCompletionValues {
				merged.Completion.Values = append(merged.Completion.Values, v)
			}
		}
		if res.Completion.HasMore {
			merged.Completion.HasMore = true
		}
	}
	merged.Completion.Total = total
	if total > len(merged.Completion.Values) {
		merged.Completion.HasMore = true
	}
	return merged
}
