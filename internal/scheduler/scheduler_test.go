package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/GreedyKomodoDragon/collection-backup/internal/scheduler"
)

const shortWait = time.Second

var _ = Describe("ParseTimeOfDay", func() {
	It("parses HH:MM", func() {
		t, err := scheduler.ParseTimeOfDay("23:00")
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(scheduler.TimeOfDay{Hour: 23, Minute: 0}))
		Expect(t.String()).To(Equal("23:00"))
	})

	It("accepts midnight", func() {
		t, err := scheduler.ParseTimeOfDay("00:00")
		Expect(err).NotTo(HaveOccurred())
		Expect(t.String()).To(Equal("00:00"))
	})

	DescribeTable("rejects malformed values",
		func(value string) {
			_, err := scheduler.ParseTimeOfDay(value)
			Expect(err).To(HaveOccurred())
		},
		Entry("empty", ""),
		Entry("hour out of range", "24:00"),
		Entry("minute out of range", "12:60"),
		Entry("cron expression", "0 23 * * *"),
		Entry("seconds", "23:00:00"),
	)
})

var _ = Describe("Scheduler", func() {
	var (
		logger *slog.Logger
		at     scheduler.TimeOfDay
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		at = scheduler.TimeOfDay{Hour: 23, Minute: 0}
	})

	Describe("Next", func() {
		var s *scheduler.Scheduler

		BeforeEach(func() {
			s = scheduler.New(at, time.UTC, testclock.NewClock(time.Time{}), func(context.Context) {}, logger)
		})

		It("fires later the same day when the time has not passed", func() {
			now := time.Date(2024, 3, 15, 8, 30, 0, 0, time.UTC)
			Expect(s.Next(now)).To(Equal(time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)))
		})

		It("fires the next day once the time has passed", func() {
			now := time.Date(2024, 3, 15, 23, 30, 0, 0, time.UTC)
			Expect(s.Next(now)).To(Equal(time.Date(2024, 3, 16, 23, 0, 0, 0, time.UTC)))
		})

		It("is strictly after now", func() {
			now := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
			Expect(s.Next(now)).To(Equal(time.Date(2024, 3, 16, 23, 0, 0, 0, time.UTC)))
		})

		It("rolls over month ends", func() {
			now := time.Date(2024, 2, 29, 23, 5, 0, 0, time.UTC)
			Expect(s.Next(now)).To(Equal(time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)))
		})

		It("uses the configured location", func() {
			loc := time.FixedZone("UTC+2", 2*60*60)
			s = scheduler.New(at, loc, testclock.NewClock(time.Time{}), func(context.Context) {}, logger)

			// 21:30 UTC is 23:30 local, already past the trigger
			now := time.Date(2024, 3, 15, 21, 30, 0, 0, time.UTC)
			next := s.Next(now)
			Expect(next.Equal(time.Date(2024, 3, 16, 21, 0, 0, 0, time.UTC))).To(BeTrue())
		})
	})

	Describe("Run", func() {
		var (
			clk    *testclock.Clock
			fired  atomic.Int32
			ctx    context.Context
			cancel context.CancelFunc
			done   chan error
		)

		BeforeEach(func() {
			clk = testclock.NewClock(time.Date(2024, 3, 15, 22, 0, 0, 0, time.UTC))
			fired.Store(0)
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan error, 1)
		})

		start := func(job scheduler.Job) {
			s := scheduler.New(at, time.UTC, clk, job, logger)
			go func() { done <- s.Run(ctx) }()
		}

		AfterEach(func() {
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("does not fire before the scheduled time", func() {
			start(func(context.Context) { fired.Add(1) })

			Expect(clk.WaitAdvance(59*time.Minute, shortWait, 1)).To(Succeed())
			Consistently(fired.Load, 50*time.Millisecond).Should(BeZero())
		})

		It("fires once a day", func() {
			start(func(context.Context) { fired.Add(1) })

			Expect(clk.WaitAdvance(time.Hour, shortWait, 1)).To(Succeed())
			Eventually(fired.Load).Should(BeEquivalentTo(1))

			Expect(clk.WaitAdvance(24*time.Hour, shortWait, 1)).To(Succeed())
			Eventually(fired.Load).Should(BeEquivalentTo(2))
		})

		It("does not catch up missed runs", func() {
			start(func(context.Context) { fired.Add(1) })

			Expect(clk.WaitAdvance(72*time.Hour, shortWait, 1)).To(Succeed())
			Eventually(fired.Load).Should(BeEquivalentTo(1))
			Consistently(fired.Load, 50*time.Millisecond).Should(BeEquivalentTo(1))
		})

		It("fires a slot only once when the clock steps back after it", func() {
			stepping := &steppingClock{Clock: clk, step: time.Second}
			s := scheduler.New(at, time.UTC, stepping, func(context.Context) { fired.Add(1) }, logger)
			go func() { done <- s.Run(ctx) }()

			Expect(clk.WaitAdvance(time.Hour, shortWait, 1)).To(Succeed())
			Eventually(fired.Load).Should(BeEquivalentTo(1))
			Eventually(stepping.timers).Should(HaveLen(2))

			// the second timer targets tomorrow's slot, not the one that just fired
			Expect(stepping.timers()[1]).To(BeNumerically(">", 24*time.Hour))

			Expect(clk.WaitAdvance(time.Second, shortWait, 1)).To(Succeed())
			Consistently(fired.Load, 50*time.Millisecond).Should(BeEquivalentTo(1))
		})

		It("keeps scheduling while a job is still running", func() {
			release := make(chan struct{})
			start(func(context.Context) {
				fired.Add(1)
				<-release
			})

			Expect(clk.WaitAdvance(time.Hour, shortWait, 1)).To(Succeed())
			Eventually(fired.Load).Should(BeEquivalentTo(1))

			Expect(clk.WaitAdvance(24*time.Hour, shortWait, 1)).To(Succeed())
			Eventually(fired.Load).Should(BeEquivalentTo(2))

			close(release)
		})

		It("waits for the in-flight job on shutdown", func() {
			release := make(chan struct{})
			var finished atomic.Bool
			start(func(context.Context) {
				fired.Add(1)
				<-release
				finished.Store(true)
			})

			Expect(clk.WaitAdvance(time.Hour, shortWait, 1)).To(Succeed())
			Eventually(fired.Load).Should(BeEquivalentTo(1))

			cancel()
			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

			close(release)
			Eventually(finished.Load).Should(BeTrue())
		})

		It("passes a context that is cancelled on shutdown", func() {
			jobCtx := make(chan context.Context, 1)
			start(func(ctx context.Context) { jobCtx <- ctx })

			Expect(clk.WaitAdvance(time.Hour, shortWait, 1)).To(Succeed())
			var got context.Context
			Eventually(jobCtx).Should(Receive(&got))

			cancel()
			Eventually(got.Done()).Should(BeClosed())
		})
	})
})

// steppingClock moves Now back by step once the first timer is armed,
// like an NTP correction right after a trigger.
type steppingClock struct {
	*testclock.Clock
	step time.Duration

	mu        sync.Mutex
	skew      time.Duration
	durations []time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Clock.Now().Add(-c.skew)
}

func (c *steppingClock) NewTimer(d time.Duration) clock.Timer {
	c.mu.Lock()
	c.durations = append(c.durations, d)
	if len(c.durations) == 1 {
		c.skew = c.step
	}
	c.mu.Unlock()
	return c.Clock.NewTimer(d)
}

func (c *steppingClock) timers() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.durations...)
}
