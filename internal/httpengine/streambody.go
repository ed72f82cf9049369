package httpengine

import (
	"context"
	"io"
	"time"

	"github.com/kiroproxy/gateway/internal/gatewayerr"
)

// streamBody wraps an upstream streaming response body, enforcing the read
// timeout on every frame after the first (spec.md §4.4: "a long read timeout
// for subsequent frames"). It first replays any bytes captured while probing
// for the first byte during establishment.
//
// Enforcement works by canceling the shared request context when the timer
// fires rather than spawning a per-Read goroutine: the in-flight Read
// unblocks with ctx.Canceled, which this type translates into a stream-level
// timeout error.
type streamBody struct {
	rc     io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	readTimeout time.Duration
	pending     []byte
}

func newStreamBody(rc io.ReadCloser, ctx context.Context, cancel context.CancelFunc, readTimeout time.Duration, pending []byte) *streamBody {
	b := &streamBody{rc: rc, ctx: ctx, cancel: cancel, readTimeout: readTimeout, pending: pending}
	b.resetTimer()
	return b
}

func (b *streamBody) resetTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.readTimeout, b.cancel)
}

func (b *streamBody) Read(p []byte) (int, error) {
	if len(b.pending) > 0 {
		n := copy(p, b.pending)
		b.pending = b.pending[n:]
		b.resetTimer()
		return n, nil
	}

	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF && b.ctx.Err() == context.Canceled {
		return n, gatewayerr.Wrap(gatewayerr.KindUpstreamTimeout, "stream read timeout", err)
	}
	if err == nil {
		b.resetTimer()
	}
	return n, err
}

func (b *streamBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.rc.Close()
	b.cancel()
	return err
}
