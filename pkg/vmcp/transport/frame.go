// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/exp/jsonrpc2"
)

// ErrMissingContentLength is returned by a header reader when a header
// block ends without a Content-Length. The reader has already consumed
// through the blank-line separator, so the caller may keep reading;
// the stream resynchronizes at the next message.
var ErrMissingContentLength = errors.New("missing Content-Length header")

// Reader reads one JSON-RPC message per call from a byte stream.
type Reader interface {
	Read(ctx context.Context) (jsonrpc2.Message, error)
}

// Writer writes one JSON-RPC message per call to a byte stream.
type Writer interface {
	Write(ctx context.Context, msg jsonrpc2.Message) error
}

// headerReader reads Content-Length framed messages. Both "\r\n" and
// "\n" line terminators are accepted, so a bare "\n\n" separator is as
// valid as "\r\n\r\n".
type headerReader struct {
	in *bufio.Reader
}

// NewHeaderReader wraps r in a Content-Length framed message reader.
func NewHeaderReader(r io.Reader) Reader {
	return &headerReader{in: bufio.NewReader(r)}
}

func (r *headerReader) Read(ctx context.Context) (jsonrpc2.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	firstRead := true
	sawHeader := false
	var contentLength int64
	for {
		line, err := r.in.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if firstRead && line == "" {
					return nil, io.EOF
				}
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("failed reading header line: %w", err)
		}
		firstRead = false

		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		sawHeader = true

		colon := strings.IndexRune(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("invalid header line %q", line)
		}
		name, value := line[:colon], strings.TrimSpace(line[colon+1:])
		switch name {
		case "Content-Length":
			if contentLength, err = strconv.ParseInt(value, 10, 32); err != nil {
				return nil, fmt.Errorf("failed parsing Content-Length: %v", value)
			}
			if contentLength <= 0 {
				return nil, fmt.Errorf("invalid Content-Length: %v", contentLength)
			}
		default:
			// ignoring unknown headers
		}
	}
	if contentLength == 0 {
		if !sawHeader {
			// Stray separator between messages; skip it.
			return r.Read(ctx)
		}
		return nil, ErrMissingContentLength
	}
	data := make([]byte, contentLength)
	if _, err := io.ReadFull(r.in, data); err != nil {
		return nil, err
	}
	return jsonrpc2.DecodeMessage(data)
}

// headerWriter writes Content-Length framed messages.
type headerWriter struct {
	out io.Writer
}

// NewHeaderWriter wraps w in a Content-Length framed message writer.
func NewHeaderWriter(w io.Writer) Writer {
	return &headerWriter{out: w}
}

func (w *headerWriter) Write(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if _, err := fmt.Fprintf(w.out, "Content-Length: %v\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = w.out.Write(data)
	return err
}
