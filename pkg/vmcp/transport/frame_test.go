// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"
)

func frameWith(sep, payload string) string {
	return fmt.Sprintf("Content-Length: %d%s%s", len(payload), sep, payload)
}

func TestHeaderReader_Separators(t *testing.T) {
	t.Parallel()

	payload := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	tests := []struct {
		name  string
		input string
	}{
		{"crlf separator", frameWith("\r\n\r\n", payload)},
		{"bare lf separator", frameWith("\n\n", payload)},
		{"mixed line endings", "Content-Length: " + fmt.Sprint(len(payload)) + "\r\n\n" + payload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewHeaderReader(strings.NewReader(tt.input))
			msg, err := r.Read(context.Background())
			require.NoError(t, err)

			req, ok := msg.(*jsonrpc2.Request)
			require.True(t, ok, "expected a request, got %T", msg)
			assert.Equal(t, "ping", req.Method)
			assert.True(t, req.IsCall())
		})
	}
}

func TestHeaderReader_MissingContentLength(t *testing.T) {
	t.Parallel()

	payload := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
	input := "X-Unknown: yes\r\n\r\n" + frameWith("\r\n\r\n", payload)

	r := NewHeaderReader(strings.NewReader(input))

	_, err := r.Read(context.Background())
	require.ErrorIs(t, err, ErrMissingContentLength)

	// The reader consumed through the bad block's separator, so the
	// next read picks up the following message.
	msg, err := r.Read(context.Background())
	require.NoError(t, err)
	req, ok := msg.(*jsonrpc2.Request)
	require.True(t, ok)
	assert.Equal(t, "tools/list", req.Method)
}

func TestHeaderReader_StraySeparator(t *testing.T) {
	t.Parallel()

	payload := `{"jsonrpc":"2.0","id":3,"method":"ping"}`
	input := "\r\n" + frameWith("\r\n\r\n", payload)

	r := NewHeaderReader(strings.NewReader(input))
	msg, err := r.Read(context.Background())
	require.NoError(t, err)
	req, ok := msg.(*jsonrpc2.Request)
	require.True(t, ok)
	assert.Equal(t, "ping", req.Method)
}

func TestHeaderReader_CleanEOF(t *testing.T) {
	t.Parallel()

	r := NewHeaderReader(strings.NewReader(""))
	_, err := r.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderReader_InvalidContentLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"not a number", "Content-Length: banana\r\n\r\n{}"},
		{"zero", "Content-Length: 0\r\n\r\n"},
		{"negative", "Content-Length: -5\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewHeaderReader(strings.NewReader(tt.input))
			_, err := r.Read(context.Background())
			require.Error(t, err)
		})
	}
}

func TestHeaderWriter_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewHeaderWriter(&buf)

	call, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(7), "tools/call", map[string]any{"name": "echo"})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), call))

	assert.True(t, strings.HasPrefix(buf.String(), "Content-Length: "))

	r := NewHeaderReader(&buf)
	msg, err := r.Read(context.Background())
	require.NoError(t, err)

	req, ok := msg.(*jsonrpc2.Request)
	require.True(t, ok)
	assert.Equal(t, "tools/call", req.Method)
	assert.Equal(t, int64(7), req.ID.Raw())
}

func TestHeaderWriter_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	w := NewHeaderWriter(&buf)
	call, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), "ping", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Write(ctx, call), context.Canceled)
	assert.Zero(t, buf.Len())
}
