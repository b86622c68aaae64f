package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/scheduler"
	"github.com/petrijr/stepflow/pkg/api"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type switchLeader struct{ on atomic.Bool }

func (l *switchLeader) IsLeader() bool { return l.on.Load() }

var _ = Describe("Scheduler", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		clock  *fakeClock
		leader *switchLeader
		store  *persistence.InMemoryStore
		sched  *scheduler.Scheduler
		fired  atomic.Int32
	)

	counting := func(name, schedule string) scheduler.Job {
		return scheduler.Job{
			Name:     name,
			Schedule: schedule,
			Enabled:  true,
			Task: func(context.Context) error {
				fired.Add(1)
				return nil
			},
		}
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		clock = &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		leader = &switchLeader{}
		leader.on.Store(true)
		store = persistence.NewInMemoryStore()
		fired.Store(0)
		sched = scheduler.New(
			scheduler.WithClock(clock.Now),
			scheduler.WithLeader(leader),
			scheduler.WithSettings(store),
			scheduler.WithResolution(5*time.Millisecond),
		)
	})

	AfterEach(func() {
		cancel()
		sched.Wait()
	})

	Describe("firing", func() {
		It("fires a job once its time has come", func() {
			Expect(sched.Register(ctx, counting("tick", "@every 1m"))).To(Succeed())
			Expect(sched.Start(ctx)).To(Succeed())

			Consistently(fired.Load, "50ms").Should(BeZero())
			clock.Advance(61 * time.Second)
			Eventually(fired.Load).Should(BeEquivalentTo(1))
			Consistently(fired.Load, "50ms").Should(BeEquivalentTo(1))
		})

		It("accepts five and six field cron expressions", func() {
			Expect(sched.Register(ctx, counting("five", "*/5 * * * *"))).To(Succeed())
			Expect(sched.Register(ctx, counting("six", "30 */5 * * * *"))).To(Succeed())
			Expect(sched.Start(ctx)).To(Succeed())

			clock.Advance(5*time.Minute + 31*time.Second)
			Eventually(fired.Load).Should(BeEquivalentTo(2))
		})

		It("does not fire while another instance leads", func() {
			leader.on.Store(false)
			Expect(sched.Register(ctx, counting("tick", "@every 1m"))).To(Succeed())
			Expect(sched.Start(ctx)).To(Succeed())

			clock.Advance(61 * time.Second)
			Consistently(fired.Load, "50ms").Should(BeZero())

			leader.on.Store(true)
			clock.Advance(61 * time.Second)
			Eventually(fired.Load).Should(BeEquivalentTo(1))
		})

		It("never overlaps a job with itself", func() {
			release := make(chan struct{})
			var running, peak atomic.Int32
			Expect(sched.Register(ctx, scheduler.Job{
				Name:     "slow",
				Schedule: "@every 1m",
				Enabled:  true,
				Task: func(ctx context.Context) error {
					n := running.Add(1)
					if n > peak.Load() {
						peak.Store(n)
					}
					defer running.Add(-1)
					fired.Add(1)
					select {
					case <-release:
					case <-ctx.Done():
					}
					return nil
				},
			})).To(Succeed())
			Expect(sched.Start(ctx)).To(Succeed())

			clock.Advance(61 * time.Second)
			Eventually(fired.Load).Should(BeEquivalentTo(1))
			clock.Advance(61 * time.Second)
			Consistently(fired.Load, "50ms").Should(BeEquivalentTo(1))

			close(release)
			Eventually(func() bool {
				jobs, err := sched.Jobs(ctx)
				return err == nil && !jobs[0].Running
			}).Should(BeTrue())
			clock.Advance(61 * time.Second)
			Eventually(fired.Load).Should(BeEquivalentTo(2))
			Expect(peak.Load()).To(BeEquivalentTo(1))
		})

		It("records task failures and panics", func() {
			Expect(sched.Register(ctx, scheduler.Job{
				Name: "bad", Schedule: "@every 1m", Enabled: true,
				Task: func(context.Context) error { return errors.New("nope") },
			})).To(Succeed())
			Expect(sched.Register(ctx, scheduler.Job{
				Name: "worse", Schedule: "@every 1m", Enabled: true,
				Task: func(context.Context) error { panic("boom") },
			})).To(Succeed())
			Expect(sched.Start(ctx)).To(Succeed())

			clock.Advance(61 * time.Second)
			Eventually(func() []string {
				jobs, _ := sched.Jobs(ctx)
				var errs []string
				for _, j := range jobs {
					errs = append(errs, j.LastErr)
				}
				return errs
			}).Should(Equal([]string{"nope", "job panicked: boom"}))
		})
	})

	Describe("commands", func() {
		It("rejects commands before start", func() {
			_, err := sched.Jobs(ctx)
			Expect(err).To(MatchError(scheduler.ErrNotStarted))
			Expect(sched.SetEnabled(ctx, "x", true)).To(MatchError(scheduler.ErrNotStarted))
			Expect(sched.Start(ctx)).To(Succeed())
			Expect(sched.Start(ctx)).To(MatchError(scheduler.ErrAlreadyStarted))
		})

		It("validates registrations", func() {
			Expect(sched.Register(ctx, counting("bad", "not a schedule"))).NotTo(Succeed())
			Expect(sched.Register(ctx, scheduler.Job{Name: "notask", Schedule: "@hourly"})).NotTo(Succeed())
			Expect(sched.Register(ctx, counting("dup", "@hourly"))).To(Succeed())
			Expect(sched.Register(ctx, counting("dup", "@hourly"))).To(MatchError(ContainSubstring("already registered")))

			Expect(sched.Start(ctx)).To(Succeed())
			Expect(errors.Is(sched.Register(ctx, counting("dup", "@hourly")), scheduler.ErrJobExists)).To(BeTrue())
			Expect(sched.Register(ctx, counting("late", "@hourly"))).To(Succeed())

			jobs, err := sched.Jobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(2))
			Expect(jobs[1].Name).To(Equal("late"))
			Expect(jobs[1].Next).To(Equal(clock.Now().Truncate(time.Hour).Add(time.Hour)))
		})

		It("disables and re-enables a job and persists the choice", func() {
			Expect(sched.Register(ctx, counting("tick", "@every 1m"))).To(Succeed())
			Expect(sched.Start(ctx)).To(Succeed())

			Expect(sched.SetEnabled(ctx, "tick", false)).To(Succeed())
			clock.Advance(61 * time.Second)
			Consistently(fired.Load, "50ms").Should(BeZero())

			settings, err := store.GetJobSettings(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(settings["tick"].Enabled).NotTo(BeNil())
			Expect(*settings["tick"].Enabled).To(BeFalse())

			Expect(sched.SetEnabled(ctx, "tick", true)).To(Succeed())
			clock.Advance(61 * time.Second)
			Eventually(fired.Load).Should(BeEquivalentTo(1))

			Expect(sched.SetEnabled(ctx, "missing", true)).To(MatchError(scheduler.ErrJobNotFound))
		})

		It("applies persisted overrides at start", func() {
			off := false
			Expect(store.SaveJobSettings(ctx, "quiet", api.JobSettings{Enabled: &off})).To(Succeed())
			Expect(store.SaveJobSettings(ctx, "faster", api.JobSettings{Interval: 5 * time.Minute})).To(Succeed())
			Expect(store.SaveJobSettings(ctx, "moved", api.JobSettings{Schedule: "@daily"})).To(Succeed())

			Expect(sched.Register(ctx, counting("quiet", "@every 1m"))).To(Succeed())
			Expect(sched.Register(ctx, counting("faster", "@hourly"))).To(Succeed())
			Expect(sched.Register(ctx, counting("moved", "@hourly"))).To(Succeed())
			Expect(sched.Start(ctx)).To(Succeed())

			jobs, err := sched.Jobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			byName := map[string]scheduler.JobInfo{}
			for _, j := range jobs {
				byName[j.Name] = j
			}
			Expect(byName["quiet"].Enabled).To(BeFalse())
			Expect(byName["faster"].Schedule).To(Equal("@every 5m0s"))
			Expect(byName["moved"].Schedule).To(Equal("@daily"))
		})
	})
})
