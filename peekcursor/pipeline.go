package peekcursor

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/wire"
)

// peekPipeline prefetches peek replies ahead of consumption. A feeder task
// chains requests against one pinned endpoint, each beginning where the
// previous reply ended, and parks results in a bounded queue. A reply whose
// begin version does not match the cursor's watermark is obsolete: the queue
// is discarded and the pipeline restarts at the watermark.
type peekPipeline struct {
	depth int

	endpoint Endpoint
	results  chan pipelinedReply
	cancel   context.CancelFunc
}

type pipelinedReply struct {
	reply *wire.PeekReply
	err   error
}

func newPeekPipeline(depth int) *peekPipeline {
	return &peekPipeline{depth: depth}
}

func (p *peekPipeline) running() bool { return p.results != nil }

// start launches the feeder at begin. The feeder outlives the caller's
// context: cancelling a single RemoteMoreAvailable must not tear down
// queued replies.
func (p *peekPipeline) start(ep Endpoint, team mutation.StorageTeamID, begin mutation.Version) {
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan pipelinedReply, p.depth)
	p.endpoint = ep
	p.results = results
	p.cancel = cancel

	go func() {
		defer close(results)
		next := begin
		for {
			reply, err := ep.Peek(ctx, &wire.PeekRequest{
				BeginVersion:    next,
				EndVersion:      mutation.MaxVersion,
				StorageTeamID:   team,
				ReturnIfBlocked: true,
			})
			select {
			case results <- pipelinedReply{reply: reply, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				// Errors, end-of-stream included, end the pipeline;
				// the cursor decides what they mean.
				return
			}
			if reply.EndVersion <= next {
				// Empty reply: nothing further to prefetch until the
				// cursor retries.
				return
			}
			next = reply.EndVersion
		}
	}()
}

func (p *peekPipeline) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.endpoint = nil
	p.results = nil
	p.cancel = nil
}

// remoteMoreAvailablePipelined consumes one prefetched reply, restarting the
// feeder as needed.
func (c *StorageTeamCursor) remoteMoreAvailablePipelined(ctx context.Context) (bool, error) {
	p := c.pipeline
	if !p.running() {
		ep := c.endpoints[rand.IntN(len(c.endpoints))]
		p.start(ep, c.team, c.lastVersion+1)
	}

	var res pipelinedReply
	var ok bool
	select {
	case res, ok = <-p.results:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if !ok {
		// Feeder exited after an empty reply or error already consumed;
		// restart on the next call.
		p.stop()
		return false, nil
	}
	if res.err != nil {
		p.stop()
		return false, res.err
	}

	reply := res.reply
	if reply.EndVersion > reply.BeginVersion && reply.BeginVersion != c.lastVersion+1 {
		// Prefetched against a stale watermark. Recover locally: drop
		// the queue and restart at the current position on the next
		// call, reporting not-ready for this one.
		p.stop()
		c.logger.Warn("pipelined peek obsolete",
			zap.String("team", c.team.String()),
			zap.Int64("replyBegin", int64(reply.BeginVersion)),
			zap.Int64("watermark", int64(c.lastVersion+1)),
			zap.Error(mutation.ErrOperationObsolete))
		return false, nil
	}

	c.lastPeekLocation = p.endpoint.ID()
	got, err := c.ingestReply(reply)
	if err != nil {
		p.stop()
		return false, err
	}
	if !got {
		// The feeder stops itself after an empty reply; reset so the
		// next call re-issues from the watermark.
		p.stop()
	}
	return got, nil
}
