// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package correlator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcp/pkg/vmcp"
)

func valuesResult(values ...string) *vmcp.CompletionResult {
	r := &vmcp.CompletionResult{}
	r.Completion.Values = values
	return r
}

func TestAggregateCompletions_MergesAndDeduplicates(t *testing.T) {
	t.Parallel()

	results := map[string]*vmcp.CompletionResult{
		"b1": valuesResult("alpha", "beta"),
		"b2": valuesResult("beta", "gamma"),
	}

	merged := AggregateCompletions(context.Background(), []string{"b1", "b2"}, time.Second,
		func(_ context.Context, backendID string) (*vmcp.CompletionResult, error) {
			return results[backendID], nil
		})

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, merged.Completion.Values)
	assert.Equal(t, 3, merged.Completion.Total)
	assert.False(t, merged.Completion.HasMore)
}

func TestAggregateCompletions_ErroringBackendSkipped(t *testing.T) {
	t.Parallel()

	merged := AggregateCompletions(context.Background(), []string{"good", "bad"}, time.Second,
		func(_ context.Context, backendID string) (*vmcp.CompletionResult, error) {
			if backendID == "bad" {
				return nil, errors.New("boom")
			}
			return valuesResult("only"), nil
		})

	assert.Equal(t, []string{"only"}, merged.Completion.Values)
}

func TestAggregateCompletions_SlowBackendBounded(t *testing.T) {
	t.Parallel()

	start := time.Now()
	merged := AggregateCompletions(context.Background(), []string{"fast", "slow"}, 100*time.Millisecond,
		func(ctx context.Context, backendID string) (*vmcp.CompletionResult, error) {
			if backendID == "slow" {
				select {
				case <-time.After(5 * time.Second):
					return valuesResult("late"), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return valuesResult("quick"), nil
		})
	elapsed := time.Since(start)

	assert.Equal(t, []string{"quick"}, merged.Completion.Values, "late arrivals are ignored")
	assert.Less(t, elapsed, 2*time.Second, "aggregation returns within its own bound")
}

func TestAggregateCompletions_DeterministicOrder(t *testing.T) {
	t.Parallel()

	merged := AggregateCompletions(context.Background(), []string{"b1", "b2", "b3"}, time.Second,
		func(_ context.Context, backendID string) (*vmcp.CompletionResult, error) {
			return valuesResult(backendID + "-value"), nil
		})

	assert.Equal(t, []string{"b1-value", "b2-value", "b3-value"}, merged.Completion.Values,
		"merge order follows the backend order regardless of completion order")
}

func TestAggregateCompletions_ValueCap(t *testing.T) {
	t.Parallel()

	var values []string
	for i := 0; i < 150; i++ {
		values = append(values, fmt.Sprintf("v%03d", i))
	}

	merged := AggregateCompletions(context.Background(), []string{"b1"}, time.Second,
		func(_ context.Context, _ string) (*vmcp.CompletionResult, error) {
			return valuesResult(values...), nil
		})

	assert.Len(t, merged.Completion.Values, 100)
	assert.Equal(t, 150, merged.Completion.Total)
	assert.True(t, merged.Completion.HasMore)
}

func TestAggregateCompletions_NoBackends(t *testing.T) {
	t.Parallel()

	merged := AggregateCompletions(context.Background(), nil, time.Second,
		func(_ context.Context, _ string) (*vmcp.CompletionResult, error) {
			t.Fatal("must not be called")
			return nil, nil
		})

	require.NotNil(t, merged)
	assert.Empty(t, merged.Completion.Values)
	assert.Zero(t, merged.Completion.Total)
}
