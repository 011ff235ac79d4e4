package crawlqueue_test

import (
	"context"
	"errors"
	"time"

	"github.com/VsevolodSauta/crawlqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func memoryConfig() *crawlqueue.Config {
	cfg := crawlqueue.DefaultConfig()
	cfg.Backend = crawlqueue.BackendMemory
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollMaxInterval = 50 * time.Millisecond
	return cfg
}

var _ = Describe("Scheduler", func() {
	var (
		ctx     context.Context
		backend *crawlqueue.InMemoryBackend
		cfg     *crawlqueue.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = crawlqueue.NewInMemoryBackend()
		cfg = memoryConfig()
	})

	AfterEach(func() {
		_ = backend.Close()
	})

	newScheduler := func(opts ...crawlqueue.SchedulerOption) *crawlqueue.Scheduler {
		s, err := crawlqueue.NewScheduler(backend, cfg, testLogger(), opts...)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	It("should reject an invalid config", func() {
		cfg.LeaseSeconds = 0
		_, err := crawlqueue.NewScheduler(backend, cfg, testLogger())
		Expect(err).To(HaveOccurred())
	})

	It("should reject an unknown serializer", func() {
		cfg.Serializer = "pickle"
		_, err := crawlqueue.NewScheduler(backend, cfg, testLogger())
		Expect(err).To(HaveOccurred())
	})

	Describe("job scoping", func() {
		It("should stay unscoped when scoping is disabled", func() {
			cfg.JobID = "ignored"
			s := newScheduler()
			Expect(s.JobID()).To(BeEmpty())
			Expect(s.Keys().Pending).To(Equal("crawl:requests:pending"))
		})

		It("should use the explicit job id", func() {
			cfg.JobScoping = true
			cfg.JobID = "crawl-42"
			s := newScheduler()
			Expect(s.JobID()).To(Equal("crawl-42"))
			Expect(s.Keys().Pending).To(Equal("{crawl-42}:crawl:requests:pending"))
		})

		It("should fall back to the CRAWL_JOB environment variable", func() {
			GinkgoT().Setenv(crawlqueue.JobIDEnv, "from-env")
			cfg.JobScoping = true
			s := newScheduler()
			Expect(s.JobID()).To(Equal("from-env"))
		})

		It("should isolate two jobs on one backend", func() {
			cfg.JobScoping = true
			cfg.JobID = "job-1"
			s1 := newScheduler()
			cfg2 := memoryConfig()
			cfg2.JobScoping = true
			cfg2.JobID = "job-2"
			s2, err := crawlqueue.NewScheduler(backend, cfg2, testLogger())
			Expect(err).NotTo(HaveOccurred())

			req := &crawlqueue.Request{URL: "https://example.com/"}
			added, err := s1.EnqueueRequest(ctx, req, 0, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())
			added, err = s2.EnqueueRequest(ctx, req, 0, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue(), "fingerprints must not leak across jobs")

			Expect(s1.Flush(ctx)).To(Succeed())
			n, err := s2.Len(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))
		})
	})

	Describe("Open", func() {
		It("should keep existing work by default", func() {
			s := newScheduler()
			_, err := s.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/a"}, 0, false)
			Expect(err).NotTo(HaveOccurred())

			s2 := newScheduler()
			Expect(s2.Open(ctx)).To(Succeed())
			n, err := s2.Len(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))
		})

		It("should clear the queue with flush_on_start", func() {
			s := newScheduler()
			_, err := s.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/a"}, 0, false)
			Expect(err).NotTo(HaveOccurred())

			cfg.FlushOnStart = true
			s2 := newScheduler()
			Expect(s2.Open(ctx)).To(Succeed())
			n, err := s2.Len(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})

	Describe("Next", func() {
		It("should return nil after the idle timeout", func() {
			s := newScheduler()
			Expect(s.Open(ctx)).To(Succeed())

			start := time.Now()
			d, err := s.Next(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(BeNil())
			Expect(time.Since(start)).To(BeNumerically(">=", cfg.IdleTimeout))
		})

		It("should lease items for the configured duration", func() {
			cfg.LeaseSeconds = 30
			s := newScheduler()
			_, err := s.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/a"}, 0, false)
			Expect(err).NotTo(HaveOccurred())

			d, err := s.Next(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d).NotTo(BeNil())
			Expect(d.Lease.ExpiresAt.Sub(d.Lease.AcquiredAt)).To(Equal(30 * time.Second))

			req, err := crawlqueue.DecodeRequest(d.Item)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.URL).To(Equal("https://example.com/a"))
		})

		It("should poll when blocking is off", func() {
			cfg.BlockingMode = "off"
			cfg.IdleTimeout = 2 * time.Second
			s := newScheduler()
			Expect(s.Open(ctx)).To(Succeed())

			go func() {
				defer GinkgoRecover()
				time.Sleep(50 * time.Millisecond)
				_, err := s.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/b"}, 0, false)
				Expect(err).NotTo(HaveOccurred())
			}()
			d, err := s.Next(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d).NotTo(BeNil())
		})
	})

	Describe("full cycle", func() {
		It("should enqueue, lease, fail, retry and ack", func() {
			clock := newFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
			var dropped []crawlqueue.DeadLetterEvent
			s := newScheduler(
				crawlqueue.WithSchedulerClock(clock.Now),
				crawlqueue.WithDeadLetterHook(func(_ context.Context, ev crawlqueue.DeadLetterEvent) {
					dropped = append(dropped, ev)
				}),
			)
			Expect(s.Open(ctx)).To(Succeed())

			added, err := s.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/p"}, 2, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			d, err := s.Next(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
			decision, ok, err := s.Fail(ctx, d, errors.New("connection reset by peer"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(decision.Kind).To(Equal(crawlqueue.DecisionRequeue))

			clock.Advance(decision.Delay)
			d, err = s.Next(ctx, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d).NotTo(BeNil())
			Expect(d.Item.AttemptCount).To(Equal(2))

			ok, err = s.Ack(ctx, d.Lease)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			stats, err := s.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total()).To(BeZero())
			Expect(dropped).To(BeEmpty())

			snap := s.Metrics().Snapshot()
			Expect(snap.Enqueued).To(Equal(int64(1)))
			Expect(snap.Leased).To(Equal(int64(2)))
			Expect(snap.Requeued).To(Equal(int64(1)))
			Expect(snap.Acked).To(Equal(int64(1)))
		})

		It("should recover an abandoned lease through ReclaimExpired", func() {
			clock := newFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
			s := newScheduler(crawlqueue.WithSchedulerClock(clock.Now))
			_, err := s.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/p"}, 0, false)
			Expect(err).NotTo(HaveOccurred())

			d, err := s.Next(ctx, "crashed-worker")
			Expect(err).NotTo(HaveOccurred())
			Expect(d).NotTo(BeNil())

			clock.Advance(cfg.LeaseDuration() + time.Second)
			n, err := s.ReclaimExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			clock.Advance(cfg.RetryMaxDelay)
			d2, err := s.Next(ctx, "healthy-worker")
			Expect(err).NotTo(HaveOccurred())
			Expect(d2).NotTo(BeNil())
			Expect(d2.Item.ID).To(Equal(d.Item.ID))
			Expect(d2.Item.AttemptCount).To(Equal(2))

			ok, err := s.Ack(ctx, d.Lease)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse(), "the crashed worker's lease must be dead")
		})
	})

	Describe("Close", func() {
		It("should keep the queue when persist is set", func() {
			s := newScheduler()
			_, err := s.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/a"}, 0, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Close(ctx)).To(Succeed())

			stats, err := backend.Stats(ctx, s.Keys())
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending).To(Equal(int64(1)))
		})

		It("should clear the queue when persist is off", func() {
			cfg.Persist = false
			s := newScheduler()
			_, err := s.EnqueueRequest(ctx, &crawlqueue.Request{URL: "https://example.com/a"}, 0, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Close(ctx)).To(Succeed())
			Expect(s.Close(ctx)).To(Succeed())

			stats, err := backend.Stats(ctx, s.Keys())
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total()).To(BeZero())
		})

		It("should refuse Next after Close", func() {
			s := newScheduler()
			Expect(s.Close(ctx)).To(Succeed())
			_, err := s.Next(ctx, "w1")
			Expect(err).To(MatchError(crawlqueue.ErrBackendClosed))
		})
	})
})
