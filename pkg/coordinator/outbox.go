package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/constraints"
)

const (
	outboxSize    = 256
	outboxTimeout = 5 * time.Second
)

// Pooler sends a newly signed commitment to the collector.
type Pooler interface {
	PoolConstraints(ctx context.Context, list []*constraints.SignedConstraints) error
}

// Submitter sends the finalized constraints of a slot to the builders.
type Submitter interface {
	SubmitConstraints(ctx context.Context, slot phase0.Slot, list []*constraints.SignedConstraints) error
}

type outboxJob struct {
	slot     phase0.Slot
	list     []*constraints.SignedConstraints
	finalize bool
}

// outbox performs outbound calls in FIFO order off the event loop.
type outbox struct {
	pooler    Pooler
	submitter Submitter
	jobs      chan outboxJob
	wg        sync.WaitGroup
	log       logrus.FieldLogger
}

func newOutbox(pooler Pooler, submitter Submitter, log logrus.FieldLogger) *outbox {
	return &outbox{
		pooler:    pooler,
		submitter: submitter,
		jobs:      make(chan outboxJob, outboxSize),
		log:       log.WithField("component", "outbox"),
	}
}

func (o *outbox) start(ctx context.Context) {
	o.wg.Add(1)

	go o.run(ctx)
}

// stop drains the queued jobs and waits for the worker.
func (o *outbox) stop() {
	close(o.jobs)
	o.wg.Wait()
}

// pool queues sc for the collector. Never blocks the caller.
func (o *outbox) pool(sc *constraints.SignedConstraints) {
	if o.pooler == nil {
		return
	}

	o.enqueue(outboxJob{slot: sc.Message.Slot, list: []*constraints.SignedConstraints{sc}})
}

// finalize queues the full list of a slot for the builders.
func (o *outbox) finalize(block *constraints.Block) {
	if o.submitter == nil {
		return
	}

	o.enqueue(outboxJob{slot: block.Slot, list: block.SignedConstraintsList, finalize: true})
}

func (o *outbox) enqueue(job outboxJob) {
	select {
	case o.jobs <- job:
	default:
		o.log.WithFields(logrus.Fields{
			"slot":     job.slot,
			"finalize": job.finalize,
		}).Warn("Outbox full, dropping outbound constraints")
	}
}

func (o *outbox) run(ctx context.Context) {
	defer o.wg.Done()

	for job := range o.jobs {
		o.send(ctx, job)
	}
}

func (o *outbox) send(ctx context.Context, job outboxJob) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outboxTimeout)
	defer cancel()

	var err error
	if job.finalize {
		err = o.submitter.SubmitConstraints(sendCtx, job.slot, job.list)
	} else {
		err = o.pooler.PoolConstraints(sendCtx, job.list)
	}

	if err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"slot":     job.slot,
			"finalize": job.finalize,
		}).Warn("Failed to send constraints")
	}
}
