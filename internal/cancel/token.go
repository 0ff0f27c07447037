// Package cancel provides the cooperative stop signal polled by crawl loops.
package cancel

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"
)

// Token is a one-way stop flag. Once signaled it stays signaled. Workers poll
// it at loop boundaries and never block on it indefinitely. A nil *Token is
// never signaled.
type Token struct {
	once sync.Once
	done chan struct{}
}

// New returns a clear token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Signal moves the token to the signaled state. Extra calls are no-ops.
func (t *Token) Signal() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// IsSignaled reports whether Signal has been called.
func (t *Token) IsSignaled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on Signal. For a nil token it returns nil,
// which blocks forever in a select.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// OnSignals signals token on the first OS signal and cancels the returned
// context on the second, so an operator can force a hard stop. The returned
// stop function releases the signal handler.
func OnSignals(parent context.Context, token *Token, logger *zap.Logger, sigs ...os.Signal) (context.Context, func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case sig := <-ch:
				count++
				if count == 1 {
					logger.Warn("stop requested; finishing in-flight work", zap.String("signal", sig.String()))
					token.Signal()
					continue
				}
				logger.Warn("second stop signal; aborting", zap.String("signal", sig.String()))
				cancel()
				return
			case <-quit:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var stopOnce sync.Once
	return ctx, func() {
		stopOnce.Do(func() {
			signal.Stop(ch)
			close(quit)
			cancel()
		})
	}
}
