// Package utils contains the goroutine, context and logging helpers shared by the
// signaling, peer and call packages.
package utils

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ContextualMain calls a main entry point function with a cancellable
// context via SIGTERM. This should be called once per process so as
// to not clobber the signals from Notify.
func ContextualMain(main func(ctx context.Context, args []string, logger golog.Logger) error, logger golog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 2)
	notifyShutdown(signalCh)
	dumpCh := make(chan os.Signal, 1)
	notifySignals(dumpCh)

	PanicCapturingGo(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-signalCh:
				logger.Info("shutting down")
				cancel()
				return
			case <-dumpCh:
				buf := make([]byte, 1<<20)
				n := runtime.Stack(buf, true)
				logger.Infof("goroutine dump\n%s", buf[:n])
			}
		}
	})

	if err := FilterOutError(main(ctx, os.Args, logger), context.Canceled); err != nil {
		fatal(logger, err)
	}
}

var fatal = func(logger golog.Logger, args ...interface{}) {
	logger.Fatal(args...)
}

// FilterOutError filters out an error based on the given target. For
// example, if err was context.Canceled and so was the target, this
// would return nil. Furthermore, if err was a multierr containing
// a context.Canceled, it would also be filtered out from a new multierr.
func FilterOutError(err, target error) error {
	if err == nil {
		return nil
	}
	if target == nil {
		return err
	}
	var errs []error
	for _, e := range multierr.Errors(err) {
		if errors.Is(e, target) || e.Error() == target.Error() {
			continue
		}
		errs = append(errs, e)
	}
	return multierr.Combine(errs...)
}

// PanicCapturingGo spawns a goroutine to run the given function and captures
// any panic that occurs and logs it.
func PanicCapturingGo(f func()) {
	PanicCapturingGoWithCallback(f, func(err interface{}) {
		Logger.Errorw("panic while running function", "error", err)
		debug.PrintStack()
	})
}

// PanicCapturingGoWithCallback spawns a goroutine to run the given function and captures
// any panic that occurs, logs it, and calls the given callback.
func PanicCapturingGoWithCallback(f func(), callback func(err interface{})) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				callback(err)
			}
		}()
		f()
	}()
}

// SelectContextOrWait either terminates because the given context is done
// or the given duration elapses. It returns true if the duration elapsed.
func SelectContextOrWait(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	return SelectContextOrWaitChan(ctx, timer.C)
}

// SelectContextOrWaitChan either terminates because the given context is done
// or the given time channel is received on. It returns true if the channel
// was received on.
func SelectContextOrWaitChan[T any](ctx context.Context, c <-chan T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case <-ctx.Done():
		return false
	case <-c:
	}
	return true
}

// UncheckedError is used in places where we really do not care about an error but we
// want to at least report it. Never use this for closing writers.
func UncheckedError(err error) {
	uncheckedError(err)
}

func uncheckedError(err error) {
	if err == nil {
		return
	}
	Logger.Debugw("unchecked error", "error", err)
}

// UncheckedErrorFunc is used in places where we really do not care about an error but we
// want to at least report it. Never use this for closing writers.
func UncheckedErrorFunc(f func() error) {
	uncheckedError(f())
}
