package crawlqueue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VsevolodSauta/crawlqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func item(id string) *crawlqueue.WorkItem {
	return &crawlqueue.WorkItem{ID: id, Payload: []byte("payload-" + id)}
}

var _ = Describe("PriorityQueue", func() {
	var (
		ctx     context.Context
		backend *crawlqueue.InMemoryBackend
		queue   *crawlqueue.PriorityQueue
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = crawlqueue.NewInMemoryBackend()
		queue = crawlqueue.NewPriorityQueue(backend, testKeys("job-pq"), testLogger())
	})

	AfterEach(func() {
		_ = backend.Close()
	})

	It("should pop in priority order, FIFO within a priority", func() {
		for _, p := range []struct {
			id   string
			prio int
		}{{"c", 3}, {"a1", 1}, {"b", 2}, {"a2", 1}} {
			added, err := queue.Push(ctx, item(p.id), p.prio)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())
		}

		var got []string
		for {
			it, err := queue.Pop(ctx)
			Expect(err).NotTo(HaveOccurred())
			if it == nil {
				break
			}
			got = append(got, it.ID)
		}
		Expect(got).To(Equal([]string{"a1", "a2", "b", "c"}))
	})

	It("should return nil from an empty queue", func() {
		it, err := queue.Pop(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(it).To(BeNil())
	})

	It("should report a live duplicate as not added", func() {
		added, err := queue.Push(ctx, item("a"), 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(added).To(BeTrue())

		added, err = queue.Push(ctx, item("a"), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(added).To(BeFalse())

		n, err := queue.Len(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
	})

	It("should reject items without an ID", func() {
		_, err := queue.Push(ctx, &crawlqueue.WorkItem{}, 1)
		Expect(err).To(HaveOccurred())
		_, err = queue.Push(ctx, nil, 1)
		Expect(err).To(HaveOccurred())
	})

	It("should carry the payload through", func() {
		_, err := queue.Push(ctx, item("a"), 9)
		Expect(err).NotTo(HaveOccurred())

		it, err := queue.Pop(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(it.Payload).To(Equal([]byte("payload-a")))
		Expect(it.Priority).To(Equal(9))
		Expect(it.EnqueuedAt.IsZero()).To(BeFalse())
	})
})

var _ = Describe("LeasedQueue", func() {
	var (
		ctx     context.Context
		backend *crawlqueue.InMemoryBackend
		clock   *fakeClock
		metrics *crawlqueue.Metrics
		events  []crawlqueue.DeadLetterEvent
		queue   *crawlqueue.LeasedQueue
		keys    crawlqueue.Keys
	)

	newQueue := func(policy crawlqueue.RetryPolicy) *crawlqueue.LeasedQueue {
		return crawlqueue.NewLeasedQueue(backend, keys, testLogger(),
			crawlqueue.WithClock(clock.Now),
			crawlqueue.WithMetrics(metrics),
			crawlqueue.WithRetryPolicy(policy),
			crawlqueue.WithSerializer(crawlqueue.MsgpackSerializer{}),
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		backend = crawlqueue.NewInMemoryBackend()
		clock = newFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
		events = nil
		metrics = crawlqueue.NewMetrics(nil, "job-lq", func(_ context.Context, ev crawlqueue.DeadLetterEvent) {
			events = append(events, ev)
		}, testLogger())
		keys = testKeys("job-lq")
		queue = newQueue(crawlqueue.RetryPolicy{
			Enabled:    true,
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
		})
	})

	AfterEach(func() {
		_ = backend.Close()
	})

	Describe("PopAndLease", func() {
		It("should return a delivery with a lease owned by the worker", func() {
			_, err := queue.Push(ctx, item("a"), 1)
			Expect(err).NotTo(HaveOccurred())

			d, err := queue.PopAndLease(ctx, "worker-1", 2*time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(d).NotTo(BeNil())
			Expect(d.Item.ID).To(Equal("a"))
			Expect(d.Lease.WorkerID).To(Equal("worker-1"))
			Expect(d.Lease.Token).To(HavePrefix("worker-1/"))
			Expect(d.Lease.AcquiredAt).To(BeTemporally("==", clock.Now()))
			Expect(d.Lease.ExpiresAt).To(BeTemporally("==", clock.Now().Add(2*time.Minute)))
			Expect(metrics.Snapshot().Leased).To(Equal(int64(1)))
		})

		It("should reject a non-positive lease duration", func() {
			_, err := queue.PopAndLease(ctx, "worker-1", 0)
			Expect(err).To(HaveOccurred())
		})

		It("should dead-letter undecodable entries and move on", func() {
			_, err := backend.Push(ctx, keys, crawlqueue.Record{ID: "garbage", Priority: 0, Data: []byte{0xc1, 0x00}}, clock.Now())
			Expect(err).NotTo(HaveOccurred())
			_, err = queue.Push(ctx, item("good"), 5)
			Expect(err).NotTo(HaveOccurred())

			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Item.ID).To(Equal("good"))

			dead, err := queue.DeadLetters(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(dead).To(HaveLen(1))
			Expect(dead[0].ItemID).To(Equal("garbage"))

			Expect(events).To(HaveLen(1))
			var serr *crawlqueue.SerializationError
			Expect(errors.As(events[0].Err, &serr)).To(BeTrue())
			Expect(serr.ItemID).To(Equal("garbage"))
		})
	})

	Describe("Ack", func() {
		It("should be idempotent", func() {
			_, err := queue.Push(ctx, item("a"), 1)
			Expect(err).NotTo(HaveOccurred())
			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			ok, err := queue.Ack(ctx, d.Lease)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			ok, err = queue.Ack(ctx, d.Lease)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			Expect(metrics.Snapshot().Acked).To(Equal(int64(1)))
		})
	})

	Describe("Extend", func() {
		It("should move the lease expiry and keep the item out of reclaim", func() {
			_, err := queue.Push(ctx, item("a"), 1)
			Expect(err).NotTo(HaveOccurred())
			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(50 * time.Second)
			ok, err := queue.Extend(ctx, d.Lease, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(d.Lease.ExpiresAt).To(BeTemporally("==", clock.Now().Add(time.Minute)))

			clock.Advance(30 * time.Second)
			n, err := queue.ReclaimExpired(ctx, clock.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})

	Describe("Fail", func() {
		It("should requeue with backoff and an incremented attempt count", func() {
			_, err := queue.Push(ctx, item("a"), 1)
			Expect(err).NotTo(HaveOccurred())
			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			decision, ok, err := queue.Fail(ctx, d, errors.New("http 503"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(decision).To(Equal(crawlqueue.Decision{Kind: crawlqueue.DecisionRequeue, Delay: 2 * time.Second}))

			clock.Advance(time.Second)
			none, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(none).To(BeNil())

			clock.Advance(time.Second)
			d, err = queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Item.AttemptCount).To(Equal(2))
			Expect(metrics.Snapshot().Requeued).To(Equal(int64(1)))
		})

		It("should dead-letter on the fifth failure with ErrMaxRetriesExceeded", func() {
			_, err := queue.Push(ctx, item("a"), 1)
			Expect(err).NotTo(HaveOccurred())

			for attempt := 1; attempt <= 5; attempt++ {
				d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
				Expect(err).NotTo(HaveOccurred())
				Expect(d).NotTo(BeNil(), "attempt %d", attempt)
				_, _, err = queue.Fail(ctx, d, fmt.Errorf("failure %d", attempt))
				Expect(err).NotTo(HaveOccurred())
				clock.Advance(2 * time.Minute)
			}

			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(BeNil())

			Expect(events).To(HaveLen(1))
			Expect(events[0].ItemID).To(Equal("a"))
			Expect(events[0].Attempts).To(Equal(6))
			Expect(events[0].Err).To(MatchError(crawlqueue.ErrMaxRetriesExceeded))
			Expect(events[0].Reason).To(ContainSubstring("failure 5"))
			Expect(metrics.Snapshot().DeadLettered).To(Equal(int64(1)))
		})

		It("should dead-letter immediately when simple retry is disabled", func() {
			queue = newQueue(crawlqueue.RetryPolicy{Enabled: false, MaxRetries: 4})
			_, err := queue.Push(ctx, item("a"), 1)
			Expect(err).NotTo(HaveOccurred())
			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			decision, ok, err := queue.Fail(ctx, d, errors.New("parse error"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(decision.Kind).To(Equal(crawlqueue.DecisionDeadLetter))
			Expect(events).To(HaveLen(1))
			Expect(errors.Is(events[0].Err, crawlqueue.ErrMaxRetriesExceeded)).To(BeFalse())
		})

		It("should sink retried items when a priority adjustment is set", func() {
			queue = newQueue(crawlqueue.RetryPolicy{Enabled: true, MaxRetries: 4, PriorityAdjust: 10})
			_, err := queue.Push(ctx, item("retry-me"), 1)
			Expect(err).NotTo(HaveOccurred())
			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			_, err = queue.Push(ctx, item("fresh"), 5)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = queue.Fail(ctx, d, errors.New("timeout"))
			Expect(err).NotTo(HaveOccurred())

			first, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Item.ID).To(Equal("fresh"))
			second, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Item.ID).To(Equal("retry-me"))
			Expect(second.Item.Priority).To(Equal(21), "first failure is attempt 2, so the adjustment doubles")
		})

		It("should not touch an item whose lease was reclaimed", func() {
			_, err := queue.Push(ctx, item("a"), 1)
			Expect(err).NotTo(HaveOccurred())
			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(2 * time.Minute)
			n, err := queue.ReclaimExpired(ctx, clock.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			_, ok, err := queue.Fail(ctx, d, errors.New("late"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Release", func() {
		It("should return the item without counting an attempt", func() {
			_, err := queue.Push(ctx, item("a"), 1)
			Expect(err).NotTo(HaveOccurred())
			d, err := queue.PopAndLease(ctx, "worker-1", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			ok, err := queue.Release(ctx, d.Lease)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			d, err = queue.PopAndLease(ctx, "worker-2", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Item.AttemptCount).To(Equal(1))
			Expect(metrics.Snapshot().Released).To(Equal(int64(1)))
		})
	})

	Describe("crash recovery", func() {
		It("should reclaim, requeue and finally dead-letter an item that is never acknowledged", func() {
			queue = newQueue(crawlqueue.DefaultConfig().RetryPolicy())
			_, err := queue.Push(ctx, item("x"), 5)
			Expect(err).NotTo(HaveOccurred())

			for attempt := 1; attempt <= 5; attempt++ {
				d, err := queue.PopAndLease(ctx, "crashy", 120*time.Second)
				Expect(err).NotTo(HaveOccurred())
				Expect(d).NotTo(BeNil(), "attempt %d", attempt)
				Expect(d.Item.AttemptCount).To(Equal(attempt))

				clock.Advance(121 * time.Second)
				n, err := queue.ReclaimExpired(ctx, clock.Now())
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(1))
				clock.Advance(time.Minute)
			}

			stats, err := queue.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending + stats.Delayed + stats.Processing).To(BeZero())
			Expect(stats.DeadLettered).To(Equal(int64(1)))

			Expect(events).To(HaveLen(1))
			Expect(events[0].Attempts).To(Equal(6))
			Expect(events[0].Err).To(MatchError(crawlqueue.ErrMaxRetriesExceeded))
			Expect(metrics.Snapshot().Reclaimed).To(Equal(int64(5)))
		})
	})
})
