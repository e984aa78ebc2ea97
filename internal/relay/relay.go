// Package relay copies bytes bidirectionally between a client connection
// and an upstream connection, with half-close propagation and optional
// per-direction throughput shaping.
package relay

import (
	"context"
	"io"
	"log/slog"
	"net"

	"golang.org/x/time/rate"

	"github.com/postalsys/dualproxy/internal/recovery"
)

// halfCloser is implemented by connections that support half-close (TCP).
// Closing only the write side lets the peer observe EOF on one direction
// while the other direction keeps draining.
type halfCloser interface {
	CloseWrite() error
}

// Limits configures optional throughput shaping. A zero value on either
// field disables shaping for that direction.
type Limits struct {
	ClientToTargetBytesPerSecond int64
	TargetToClientBytesPerSecond int64
}

// Result reports how many bytes crossed the relay in each direction.
type Result struct {
	ClientToTargetBytes int64
	TargetToClientBytes int64
}

// Pipe copies bytes between client and target until both directions reach
// EOF or one fails, then returns. It blocks until both io.Copy goroutines
// have exited. The first non-nil error observed is returned; a clean EOF on
// both sides returns a nil error.
func Pipe(ctx context.Context, logger *slog.Logger, client, target net.Conn, limits Limits) (Result, error) {
	var result Result
	errCh := make(chan error, 2)

	go func() {
		defer recovery.RecoverWithLog(logger, "relay.clientToTarget")
		src := rateLimitedReader(ctx, client, limits.ClientToTargetBytesPerSecond)
		n, err := io.Copy(target, src)
		result.ClientToTargetBytes = n
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		defer recovery.RecoverWithLog(logger, "relay.targetToClient")
		src := rateLimitedReader(ctx, target, limits.TargetToClientBytesPerSecond)
		n, err := io.Copy(client, src)
		result.TargetToClientBytes = n
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh

	if err1 != nil {
		return result, err1
	}
	return result, err2
}

// rateLimitedReader wraps r in a token-bucket-limited reader when
// bytesPerSecond is positive, otherwise returns r unchanged.
func rateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	const burstSize = 32 * 1024
	limiter := rate.NewLimiter(rate.Limit(bytesPerSecond), burstSize)
	return &limitedReader{ctx: ctx, r: r, limiter: limiter}
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	select {
	case <-lr.ctx.Done():
		return 0, lr.ctx.Err()
	default:
	}

	n, err := lr.r.Read(p)
	if n <= 0 {
		return n, err
	}
	if waitErr := lr.limiter.WaitN(lr.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}
