package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/test"
)

func TestFilterOutError(t *testing.T) {
	test.That(t, FilterOutError(nil, context.Canceled), test.ShouldBeNil)
	test.That(t, FilterOutError(context.Canceled, context.Canceled), test.ShouldBeNil)
	test.That(t, FilterOutError(errors.Wrap(context.Canceled, "subscribe"), context.Canceled), test.ShouldBeNil)

	other := errors.New("store unreachable")
	test.That(t, FilterOutError(other, nil), test.ShouldEqual, other)
	test.That(t, FilterOutError(other, context.Canceled), test.ShouldBeError, other)
	test.That(t, FilterOutError(multierr.Combine(other, context.Canceled), context.Canceled), test.ShouldBeError, other)
}

func TestPanicCapturingGo(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	var captured interface{}
	PanicCapturingGoWithCallback(func() {
		panic("boom")
	}, func(err interface{}) {
		captured = err
		wg.Done()
	})
	wg.Wait()
	test.That(t, captured, test.ShouldEqual, "boom")
}

func TestSelectContextOrWait(t *testing.T) {
	test.That(t, SelectContextOrWait(context.Background(), time.Millisecond), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, SelectContextOrWait(ctx, time.Hour), test.ShouldBeFalse)

	ch := make(chan struct{})
	close(ch)
	test.That(t, SelectContextOrWaitChan[struct{}](context.Background(), ch), test.ShouldBeTrue)
}
