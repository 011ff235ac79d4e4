package crawlqueue_test

import (
	"context"
	"time"

	"github.com/VsevolodSauta/crawlqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Worker cancellation", func() {
	var (
		backend   *crawlqueue.InMemoryBackend
		scheduler *crawlqueue.Scheduler
	)

	BeforeEach(func() {
		backend = crawlqueue.NewInMemoryBackend()
		var err error
		scheduler, err = crawlqueue.NewScheduler(backend, workerConfig(), testLogger())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = backend.Close()
	})

	It("should release the lease of an interrupted item", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := scheduler.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/long"}, 0, false)
		Expect(err).NotTo(HaveOccurred())

		started := make(chan struct{})
		worker := crawlqueue.NewWorker(scheduler, func(ctx context.Context, item *crawlqueue.WorkItem) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, nil, "interrupted-worker", testLogger())

		Expect(worker.Start(ctx)).To(Succeed())
		Eventually(started).Should(BeClosed())
		cancel()
		worker.Stop()

		bg := context.Background()
		stats, err := scheduler.Stats(bg)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Pending).To(Equal(int64(1)))
		Expect(stats.Processing).To(BeZero())

		snap := scheduler.Metrics().Snapshot()
		Expect(snap.Released).To(Equal(int64(1)))
		Expect(snap.Requeued).To(BeZero(), "interruption must not count as a failure")

		d, err := scheduler.Queue().PopAndLease(bg, "next-worker", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Item.AttemptCount).To(Equal(1), "release keeps the count of the interrupted lease")
	})

	It("should stop an idle worker promptly", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		worker := crawlqueue.NewWorker(scheduler, func(context.Context, *crawlqueue.WorkItem) error { return nil }, nil, "idle-worker", testLogger())
		Expect(worker.Start(ctx)).To(Succeed())

		start := time.Now()
		worker.Stop()
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})
})
