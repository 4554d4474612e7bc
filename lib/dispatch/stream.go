/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/llmgateway/lib/httplib"
	"github.com/gravitational/llmgateway/lib/provider"
	"github.com/gravitational/llmgateway/lib/types"
)

const streamReadBufferSize = 32 * 1024

type readResult struct {
	data []byte
	err  error
}

// ttftDeadline returns the channel that fires when the remaining
// time-to-first-token budget runs out. A zero configured timeout means
// no deadline and yields a nil channel, which never fires.
func (d *Dispatcher) ttftDeadline(start time.Time, timeoutMillis int64) <-chan time.Time {
	if timeoutMillis <= 0 {
		return nil
	}
	remaining := time.Duration(timeoutMillis)*time.Millisecond - d.cfg.Clock.Since(start)
	if remaining < 0 {
		remaining = 0
	}
	return d.cfg.Clock.After(remaining)
}

// serveStream relays a streaming upstream response. Before the first
// byte arrives the attempt may still time out and fall back; once a
// byte reaches the client the attempt is committed and a mid-stream
// failure only truncates the stream.
func (d *Dispatcher) serveStream(ctx context.Context, cancel context.CancelFunc, upstreamTimer clockwork.Timer, w http.ResponseWriter, log *slog.Logger, adapter provider.Provider, model *types.Model, backend *types.Backend, resp *http.Response, sessionID, requestID string, start time.Time) (bool, error) {
	defer resp.Body.Close()

	firstCh := make(chan readResult, 1)
	go func() {
		buf := make([]byte, streamReadBufferSize)
		n, err := resp.Body.Read(buf)
		firstCh <- readResult{data: buf[:n], err: err}
	}()

	var first readResult
	select {
	case first = <-firstCh:
	case <-d.ttftDeadline(start, backend.StreamingTTFTTimeoutMillis):
		cancel()
		log.WarnContext(ctx, "Backend missed the streaming first-token deadline.",
			"backend_id", backend.ID, "timeout_ms", backend.StreamingTTFTTimeoutMillis)
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, types.StreamTypeStreaming, httplib.CodeTTFTTimeout)
		return false, httplib.ErrTTFTTimeout(backend.ID)
	case <-ctx.Done():
		cancel()
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, types.StreamTypeStreaming, httplib.CodeNetworkError)
		return false, httplib.ErrNetwork(ctx.Err())
	}

	if len(first.data) == 0 && first.err != nil {
		if errors.Is(first.err, io.EOF) {
			// An empty stream is a successful, if useless, response. The
			// EOF counts as the first token for TTFT purposes.
			ttft := d.cfg.Clock.Since(start).Milliseconds()
			d.writeStreamHeaders(w, adapter, resp)
			d.cfg.Limiter.Release(ctx, backend.ID, requestID)
			d.recordAttempt(model.Name, backend.ID, requestID, types.StatusSuccess, start, &ttft, types.StreamTypeStreaming, "")
			return true, nil
		}
		// Failed before the first byte, fallback is still possible.
		log.WarnContext(ctx, "Upstream stream failed before the first byte.",
			"backend_id", backend.ID, "error", first.err)
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, types.StreamTypeStreaming, httplib.CodeNetworkError)
		return false, httplib.ErrNetwork(first.err)
	}

	ttft := d.cfg.Clock.Since(start).Milliseconds()
	// The first byte commits the stream to this backend. From here the
	// upstream may take as long as it keeps producing, only the client
	// going away or an upstream error ends it.
	upstreamTimer.Stop()
	d.writeStreamHeaders(w, adapter, resp)
	d.pinSession(model, backend.ID, sessionID)

	var carrier *utf8Carrier
	if !adapter.UsesBinaryStream() {
		carrier = &utf8Carrier{}
	}

	relayErr := d.relayChunk(w, adapter, carrier, first.data)
	streamErr := first.err
	for relayErr == nil && streamErr == nil {
		buf := make([]byte, streamReadBufferSize)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			relayErr = d.relayChunk(w, adapter, carrier, buf[:n])
		}
		streamErr = err
	}
	if carrier != nil && relayErr == nil {
		// Trailing bytes that never completed a rune still belong to
		// the client.
		if rem := carrier.flush(); len(rem) > 0 {
			relayErr = d.relayChunk(w, adapter, nil, rem)
		}
	}

	d.cfg.Limiter.Release(ctx, backend.ID, requestID)
	switch {
	case relayErr != nil:
		log.InfoContext(ctx, "Client went away mid-stream.",
			"backend_id", backend.ID, "error", relayErr)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, &ttft, types.StreamTypeStreaming, httplib.CodeStreamInterrupted)
	case streamErr != nil && !errors.Is(streamErr, io.EOF):
		log.WarnContext(ctx, "Upstream stream interrupted.",
			"backend_id", backend.ID, "error", streamErr)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, &ttft, types.StreamTypeStreaming, httplib.CodeStreamInterrupted)
	default:
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusSuccess, start, &ttft, types.StreamTypeStreaming, "")
	}
	// The client already received bytes, the attempt is committed
	// regardless of how the stream ended.
	return true, nil
}

func (d *Dispatcher) writeStreamHeaders(w http.ResponseWriter, adapter provider.Provider, resp *http.Response) {
	for name, values := range adapter.ProcessHeaders(resp.Header) {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	httplib.SetStreamingHeaders(w)
	w.WriteHeader(resp.StatusCode)
	httplib.Flush(w)
}

// relayChunk pushes one upstream chunk to the client. Text streams are
// cut at rune boundaries before the provider transform sees them.
func (d *Dispatcher) relayChunk(w http.ResponseWriter, adapter provider.Provider, carrier *utf8Carrier, chunk []byte) error {
	if carrier != nil {
		chunk = carrier.split(chunk)
	}
	if len(chunk) == 0 {
		return nil
	}
	if out := adapter.ProcessChunk(chunk); len(out) > 0 {
		if _, err := w.Write(out); err != nil {
			return err
		}
		httplib.Flush(w)
	}
	return nil
}

// serveBody relays a buffered upstream response, bounding the full body
// read by the backend's non-streaming first-token deadline.
func (d *Dispatcher) serveBody(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, log *slog.Logger, adapter provider.Provider, model *types.Model, backend *types.Backend, resp *http.Response, sessionID, requestID string, start time.Time) (bool, error) {
	defer resp.Body.Close()

	bodyCh := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(resp.Body)
		bodyCh <- readResult{data: data, err: err}
	}()

	var result readResult
	select {
	case result = <-bodyCh:
	case <-d.ttftDeadline(start, backend.NonStreamingTTFTTimeoutMillis):
		cancel()
		log.WarnContext(ctx, "Backend missed the response deadline.",
			"backend_id", backend.ID, "timeout_ms", backend.NonStreamingTTFTTimeoutMillis)
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, types.StreamTypeNonStreaming, httplib.CodeTTFTTimeout)
		return false, httplib.ErrTTFTTimeout(backend.ID)
	case <-ctx.Done():
		cancel()
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, types.StreamTypeNonStreaming, httplib.CodeNetworkError)
		return false, httplib.ErrNetwork(ctx.Err())
	}

	if result.err != nil {
		log.WarnContext(ctx, "Failed to read upstream response body.",
			"backend_id", backend.ID, "error", result.err)
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, types.StreamTypeNonStreaming, httplib.CodeNetworkError)
		return false, httplib.ErrNetwork(result.err)
	}
	if len(result.data) == 0 {
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, types.StreamTypeNonStreaming, httplib.CodeNoResponseBody)
		return false, httplib.ErrNoResponseBody()
	}
	processed, err := adapter.ProcessBody(result.data)
	if err != nil {
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, types.StreamTypeNonStreaming, httplib.CodeInternalError)
		return false, httplib.ErrInternal(err)
	}

	ttft := d.cfg.Clock.Since(start).Milliseconds()
	for name, values := range adapter.ProcessHeaders(resp.Header) {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(processed); err != nil {
		log.InfoContext(ctx, "Client went away before the response was written.",
			"backend_id", backend.ID, "error", err)
	}
	d.pinSession(model, backend.ID, sessionID)
	d.cfg.Limiter.Release(ctx, backend.ID, requestID)
	d.recordAttempt(model.Name, backend.ID, requestID, types.StatusSuccess, start, &ttft, types.StreamTypeNonStreaming, "")
	return true, nil
}

// utf8Carrier cuts a byte stream at rune boundaries, holding back the
// trailing bytes of an incomplete sequence until the next chunk.
type utf8Carrier struct {
	rem []byte
}

// split returns the longest prefix of rem+chunk that ends on a rune
// boundary and keeps the rest for the next call.
func (c *utf8Carrier) split(chunk []byte) []byte {
	buf := chunk
	if len(c.rem) > 0 {
		buf = append(c.rem, chunk...)
		c.rem = nil
	}
	cut := len(buf)
	for i := 1; i <= utf8.UTFMax && i <= len(buf); i++ {
		b := buf[len(buf)-i]
		if b < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(buf[len(buf)-i:]) {
				cut = len(buf) - i
			}
			break
		}
	}
	if cut < len(buf) {
		c.rem = append([]byte(nil), buf[cut:]...)
	}
	return buf[:cut]
}

// flush returns whatever is still held back.
func (c *utf8Carrier) flush() []byte {
	rem := c.rem
	c.rem = nil
	return rem
}
