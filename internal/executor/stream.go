package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// ChunkWriter is where normalized SSE frames go. *bufio.Writer satisfies it.
type ChunkWriter interface {
	io.Writer
	Flush() error
}

// Stream is an open upstream SSE response.
type Stream struct {
	exec   *Executor
	call   Call
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser

	closeOnce sync.Once
}

// Close aborts the upstream request if it is still running.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// Pump copies the upstream stream to w as chat.completion.chunk frames and
// finishes with exactly one usage chunk followed by data: [DONE].
//
// A failed write to w means the client went away: the upstream request is
// aborted and context.Canceled is returned. Upstream failures after the
// first byte cannot change the HTTP status any more, so they are sent as a
// gateway_error frame before [DONE] and returned as *UpstreamError. The
// returned Result is never nil and holds whatever was received.
func (s *Stream) Pump(w ChunkWriter, id, model string, created int64) (*Result, error) {
	defer s.Close()

	enc := chunkEncoder{id: id, model: model, created: created}
	res := &Result{ID: id}

	var (
		content  strings.Builder
		reported bool
		usage    providers.Usage
	)

	finish := func(err error) (*Result, error) {
		res.Content = content.String()
		if reported {
			res.Usage, res.UsageReported = usage, true
		} else {
			res.Usage = s.exec.estimate(s.call, res.Content)
		}
		switch {
		case err == nil:
			res.Unified = providers.UnifyFinishReason(res.FinishReason)
		case errors.Is(err, context.Canceled):
			res.Unified = providers.FinishCanceled
		default:
			res.Unified = providers.FinishUpstreamError
		}
		return res, err
	}

	write := func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return w.Flush()
	}
	emit := func(payload []byte) error {
		frame := make([]byte, 0, len(payload)+8)
		frame = append(frame, "data: "...)
		frame = append(frame, payload...)
		frame = append(frame, "\n\n"...)
		return write(frame)
	}
	clientGone := func(err error) (*Result, error) {
		s.exec.log.InfoContext(s.ctx, "client disconnected mid-stream",
			slog.String("provider", s.call.ProviderID),
			slog.String("error", err.Error()),
		)
		s.cancel()
		return finish(context.Canceled)
	}

	r := bufio.NewReader(s.body)
	for {
		line, readErr := r.ReadBytes('\n')
		if data, ok := sseData(line); ok {
			if bytes.Equal(data, doneMarker) {
				break
			}
			chunk, err := s.call.Adapter.ParseStreamChunk(data)
			if err != nil {
				ue := &UpstreamError{Provider: s.call.ProviderID, Message: err.Error(), Body: truncate(data)}
				if werr := s.writeError(emit, write, ue); werr != nil {
					return clientGone(werr)
				}
				return finish(ue)
			}
			if chunk != nil {
				if chunk.Usage != nil {
					reported = true
					if chunk.Usage.PromptTokens > 0 {
						usage.PromptTokens = chunk.Usage.PromptTokens
					}
					if chunk.Usage.CompletionTokens > 0 {
						usage.CompletionTokens = chunk.Usage.CompletionTokens
					}
				}
				if chunk.FinishReason != "" {
					res.FinishReason = chunk.FinishReason
				}
				if chunk.Content != "" || chunk.FinishReason != "" {
					content.WriteString(chunk.Content)
					payload, err := enc.delta(chunk.Content, chunk.FinishReason)
					if err != nil {
						return finish(err)
					}
					if err := emit(payload); err != nil {
						return clientGone(err)
					}
				}
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		err := s.exec.transportError(s.ctx, s.call, readErr)
		if errors.Is(err, context.Canceled) {
			return finish(err)
		}
		if werr := s.writeError(emit, write, err); werr != nil {
			return clientGone(werr)
		}
		return finish(err)
	}

	res.Content = content.String()
	final := usage
	if !reported {
		final = s.exec.estimate(s.call, res.Content)
	}
	payload, err := enc.usage(final)
	if err != nil {
		return finish(err)
	}
	if err := emit(payload); err != nil {
		return clientGone(err)
	}
	if err := write([]byte("data: [DONE]\n\n")); err != nil {
		return clientGone(err)
	}
	return finish(nil)
}

type errorFrame struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (s *Stream) writeError(emit func([]byte) error, write func([]byte) error, cause error) error {
	var f errorFrame
	f.Error.Message = cause.Error()
	f.Error.Type = "gateway_error"
	payload, _ := json.Marshal(f)
	if err := emit(payload); err != nil {
		return err
	}
	return write([]byte("data: [DONE]\n\n"))
}

// sseData returns the payload of a "data:" line.
func sseData(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}
