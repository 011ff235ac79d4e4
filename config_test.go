package crawlqueue_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VsevolodSauta/crawlqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	Describe("DefaultConfig", func() {
		It("should carry the documented defaults", func() {
			cfg := crawlqueue.DefaultConfig()
			Expect(cfg.JobScoping).To(BeFalse())
			Expect(cfg.QueueKey).To(Equal("crawl:requests"))
			Expect(cfg.Serializer).To(Equal(crawlqueue.SerializerSafe))
			Expect(cfg.LeaseDuration()).To(Equal(120 * time.Second))
			Expect(cfg.MaxRetries).To(Equal(5))
			Expect(cfg.BlockingMode).To(Equal("auto"))
			Expect(cfg.DedupeTTL()).To(Equal(7 * 24 * time.Hour))
			Expect(cfg.SimpleRetry).To(BeTrue())
			Expect(cfg.RetryBaseDelay).To(Equal(time.Second))
			Expect(cfg.RetryMaxDelay).To(Equal(5 * time.Minute))
			Expect(cfg.PollInterval).To(Equal(100 * time.Millisecond))
			Expect(cfg.PollMaxInterval).To(Equal(2 * time.Second))
			Expect(cfg.IdleTimeout).To(Equal(5 * time.Second))
			Expect(cfg.ReclaimInterval).To(Equal(10 * time.Second))
			Expect(cfg.ReclaimBatch).To(Equal(100))
			Expect(cfg.Persist).To(BeTrue())
			Expect(cfg.FlushOnStart).To(BeFalse())
			Expect(cfg.BackendRetries).To(Equal(3))
			Expect(cfg.Backend).To(Equal(crawlqueue.BackendRedis))
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should derive the retry policy", func() {
			cfg := crawlqueue.DefaultConfig()
			cfg.RetryPriorityAdjust = 2
			Expect(cfg.RetryPolicy()).To(Equal(crawlqueue.RetryPolicy{
				Enabled:        true,
				MaxRetries:     5,
				BaseDelay:      time.Second,
				MaxDelay:       5 * time.Minute,
				PriorityAdjust: 2,
			}))
		})
	})

	Describe("LoadConfig", func() {
		It("should apply environment overrides", func() {
			GinkgoT().Setenv("CRAWLQUEUE_LEASE_SECONDS", "30")
			GinkgoT().Setenv("CRAWLQUEUE_BLOCKING_MODE", "off")
			GinkgoT().Setenv("CRAWLQUEUE_RETRY_BASE_DELAY", "250ms")
			GinkgoT().Setenv("CRAWLQUEUE_JOB_SCOPING", "true")
			GinkgoT().Setenv("CRAWLQUEUE_BACKEND", "memory")

			cfg, err := crawlqueue.LoadConfig("")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.LeaseSeconds).To(Equal(30))
			Expect(cfg.BlockingMode).To(Equal("off"))
			Expect(cfg.RetryBaseDelay).To(Equal(250 * time.Millisecond))
			Expect(cfg.JobScoping).To(BeTrue())
			Expect(cfg.Backend).To(Equal(crawlqueue.BackendMemory))
		})

		It("should read a YAML file with the environment taking precedence", func() {
			dir := GinkgoT().TempDir()
			path := filepath.Join(dir, "crawlqueue.yaml")
			Expect(os.WriteFile(path, []byte(
				"queue_key: shop:requests\nmax_retries: 2\nserializer: msgpack\nbackend: badger\nbadger_path: /tmp/cq\n",
			), 0o600)).To(Succeed())
			GinkgoT().Setenv("CRAWLQUEUE_MAX_RETRIES", "7")

			cfg, err := crawlqueue.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.QueueKey).To(Equal("shop:requests"))
			Expect(cfg.Serializer).To(Equal(crawlqueue.SerializerMsgpack))
			Expect(cfg.MaxRetries).To(Equal(7))
			Expect(cfg.Backend).To(Equal(crawlqueue.BackendBadger))
			Expect(cfg.BadgerPath).To(Equal("/tmp/cq"))
		})

		It("should fail on a missing file", func() {
			_, err := crawlqueue.LoadConfig(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
			Expect(err).To(HaveOccurred())
		})

		DescribeTable("validation failures",
			func(key, value string) {
				GinkgoT().Setenv(key, value)
				_, err := crawlqueue.LoadConfig("")
				Expect(err).To(MatchError(ContainSubstring("invalid config")))
			},
			Entry("blocking mode", "CRAWLQUEUE_BLOCKING_MODE", "sometimes"),
			Entry("serializer", "CRAWLQUEUE_SERIALIZER", "pickle"),
			Entry("lease", "CRAWLQUEUE_LEASE_SECONDS", "0"),
			Entry("backend", "CRAWLQUEUE_BACKEND", "etcd"),
			Entry("retry max below base", "CRAWLQUEUE_RETRY_MAX_DELAY", "1ms"),
			Entry("negative retries", "CRAWLQUEUE_MAX_RETRIES", "-1"),
		)
	})

	Describe("OpenBackend", func() {
		It("should open the in-memory backend", func() {
			cfg := crawlqueue.DefaultConfig()
			cfg.Backend = crawlqueue.BackendMemory
			backend, err := crawlqueue.OpenBackend(cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer backend.Close()
			Expect(backend).To(BeAssignableToTypeOf(&crawlqueue.InMemoryBackend{}))
		})

		It("should open an in-memory Badger backend", func() {
			cfg := crawlqueue.DefaultConfig()
			cfg.Backend = crawlqueue.BackendBadger
			backend, err := crawlqueue.OpenBackend(cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer backend.Close()
			Expect(backend).To(BeAssignableToTypeOf(&crawlqueue.BadgerBackend{}))
		})

		It("should build a Redis backend from the URL without connecting", func() {
			cfg := crawlqueue.DefaultConfig()
			cfg.RedisURL = "redis://127.0.0.1:1/3"
			backend, err := crawlqueue.OpenBackend(cfg, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer backend.Close()
			rb, ok := backend.(*crawlqueue.RedisBackend)
			Expect(ok).To(BeTrue())
			Expect(rb.Client().(*redis.Client).Options().DB).To(Equal(3))
		})

		It("should reject an unknown backend", func() {
			cfg := crawlqueue.DefaultConfig()
			cfg.Backend = "etcd"
			_, err := crawlqueue.OpenBackend(cfg, testLogger())
			Expect(err).To(HaveOccurred())
		})
	})
})
