package crawlqueue_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VsevolodSauta/crawlqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func workerConfig() *crawlqueue.Config {
	cfg := memoryConfig()
	cfg.LeaseSeconds = 1
	cfg.ReclaimInterval = 50 * time.Millisecond
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	cfg.MaxRetries = 2
	return cfg
}

var _ = Describe("Worker", func() {
	var (
		ctx       context.Context
		backend   *crawlqueue.InMemoryBackend
		cfg       *crawlqueue.Config
		scheduler *crawlqueue.Scheduler
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = crawlqueue.NewInMemoryBackend()
		cfg = workerConfig()
	})

	JustBeforeEach(func() {
		var err error
		scheduler, err = crawlqueue.NewScheduler(backend, cfg, testLogger())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = backend.Close()
	})

	enqueue := func(url string) {
		added, err := scheduler.EnqueueRequest(ctx, &crawlqueue.Request{URL: url}, 0, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(added).To(BeTrue())
	}

	It("should process and acknowledge items", func() {
		enqueue("https://example.com/1")
		enqueue("https://example.com/2")

		processed := make(chan string, 10)
		worker := crawlqueue.NewWorker(scheduler, func(ctx context.Context, item *crawlqueue.WorkItem) error {
			req, err := crawlqueue.DecodeRequest(item)
			if err != nil {
				return err
			}
			processed <- req.URL
			return nil
		}, nil, "test-worker", testLogger())
		Expect(worker.ID()).To(Equal("test-worker"))

		Expect(worker.Start(ctx)).To(Succeed())
		defer worker.Stop()

		Eventually(processed).Should(Receive(Equal("https://example.com/1")))
		Eventually(processed).Should(Receive(Equal("https://example.com/2")))
		Eventually(func() int64 { return scheduler.Metrics().Snapshot().Acked }).Should(Equal(int64(2)))

		stats, err := scheduler.Stats(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Total()).To(BeZero())
	})

	It("should fall back to the scheduler's config when given an invalid one", func() {
		enqueue("https://example.com/zero-interval")

		bad := workerConfig()
		bad.ReclaimInterval = 0
		bad.LeaseSeconds = 0
		processed := make(chan string, 1)
		worker := crawlqueue.NewWorker(scheduler, func(ctx context.Context, item *crawlqueue.WorkItem) error {
			processed <- item.ID
			return nil
		}, bad, "fallback-worker", testLogger())

		// a zero reclaim interval would panic inside the reclaim loop
		Expect(worker.Start(ctx)).To(Succeed())
		defer worker.Stop()

		Eventually(processed, 3*time.Second).Should(Receive())
		Eventually(func() int64 { return scheduler.Metrics().Snapshot().Acked }).Should(Equal(int64(1)))
	})

	It("should generate a worker id when none is given", func() {
		worker := crawlqueue.NewWorker(scheduler, func(context.Context, *crawlqueue.WorkItem) error { return nil }, nil, "", nil)
		Expect(worker.ID()).NotTo(BeEmpty())
	})

	It("should retry failures and dead-letter after the budget", func() {
		enqueue("https://example.com/flaky")

		var mu sync.Mutex
		var attempts []int
		worker := crawlqueue.NewWorker(scheduler, func(ctx context.Context, item *crawlqueue.WorkItem) error {
			mu.Lock()
			attempts = append(attempts, item.AttemptCount)
			mu.Unlock()
			return errors.New("http 500")
		}, nil, "flaky-worker", testLogger())

		Expect(worker.Start(ctx)).To(Succeed())
		defer worker.Stop()

		Eventually(func() int64 { return scheduler.Metrics().Snapshot().DeadLettered }, 5*time.Second).Should(Equal(int64(1)))
		mu.Lock()
		Expect(attempts).To(Equal([]int{1, 2}))
		mu.Unlock()

		dead, err := scheduler.DeadLetters(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(dead).To(HaveLen(1))
		Expect(dead[0].Attempts).To(Equal(3))
		Expect(dead[0].Reason).To(ContainSubstring("http 500"))
	})

	It("should keep a long-running item leased with heartbeats", func() {
		enqueue("https://example.com/slow")

		done := make(chan struct{})
		worker := crawlqueue.NewWorker(scheduler, func(ctx context.Context, item *crawlqueue.WorkItem) error {
			time.Sleep(1500 * time.Millisecond)
			close(done)
			return nil
		}, nil, "slow-worker", testLogger())

		Expect(worker.Start(ctx)).To(Succeed())
		defer worker.Stop()

		Eventually(done, 5*time.Second).Should(BeClosed())
		Eventually(func() int64 { return scheduler.Metrics().Snapshot().Acked }).Should(Equal(int64(1)))
		Expect(scheduler.Metrics().Snapshot().Reclaimed).To(BeZero())
	})

	It("should finish the current item before Stop returns", func() {
		enqueue("https://example.com/a")

		started := make(chan struct{})
		worker := crawlqueue.NewWorker(scheduler, func(ctx context.Context, item *crawlqueue.WorkItem) error {
			close(started)
			time.Sleep(200 * time.Millisecond)
			return nil
		}, nil, "graceful-worker", testLogger())

		Expect(worker.Start(ctx)).To(Succeed())
		Eventually(started).Should(BeClosed())
		worker.Stop()

		Expect(scheduler.Metrics().Snapshot().Acked).To(Equal(int64(1)))
		stats, err := scheduler.Stats(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Total()).To(BeZero())
	})

	It("should allow Stop to be called twice", func() {
		worker := crawlqueue.NewWorker(scheduler, func(context.Context, *crawlqueue.WorkItem) error { return nil }, nil, "w", testLogger())
		Expect(worker.Start(ctx)).To(Succeed())
		worker.Stop()
		worker.Stop()
	})
})
