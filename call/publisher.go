package call

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"

	"go.yogatalks.dev/utils"
	"go.yogatalks.dev/utils/signaling"
)

const (
	publishAttempts = 3
	publishBackoff  = 100 * time.Millisecond
)

// candidatePublisher appends local candidates to a candidate log in gathering order.
// Publishing never blocks the caller. Storage errors are retried, then failures are
// logged and counted.
type candidatePublisher struct {
	channel signaling.Channel
	log     signaling.LogRef
	logger  golog.Logger

	onPublished func(webrtc.ICECandidateInit)
	onFailed    func(webrtc.ICECandidateInit, error)

	mu    sync.Mutex
	queue []webrtc.ICECandidateInit
	wake  chan struct{}
}

func newCandidatePublisher(
	channel signaling.Channel,
	log signaling.LogRef,
	logger golog.Logger,
	onPublished func(webrtc.ICECandidateInit),
	onFailed func(webrtc.ICECandidateInit, error),
) *candidatePublisher {
	return &candidatePublisher{
		channel:     channel,
		log:         log,
		logger:      logger,
		onPublished: onPublished,
		onFailed:    onFailed,
		wake:        make(chan struct{}, 1),
	}
}

func (p *candidatePublisher) publish(candidates ...webrtc.ICECandidateInit) {
	if len(candidates) == 0 {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, candidates...)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// append retries storage failures a few times. Anything else fails at once.
func (p *candidatePublisher) append(ctx context.Context, cand webrtc.ICECandidateInit) error {
	_, err := utils.RetryNTimesWithSleep(ctx, func() (struct{}, error) {
		return struct{}{}, p.channel.AppendCandidate(ctx, p.log, cand)
	}, publishAttempts, publishBackoff, signaling.ErrStorage)
	return err
}

// run drains the queue until ctx is done. Candidates still queued at that point are
// dropped.
func (p *candidatePublisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		p.mu.Lock()
		queued := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, cand := range queued {
			if ctx.Err() != nil {
				return
			}
			if err := p.append(ctx, cand); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Errorw("failed to publish local candidate", "log", p.log.String(), "error", err)
				p.onFailed(cand, err)
				continue
			}
			p.onPublished(cand)
		}
	}
}
