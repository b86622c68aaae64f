package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/petrijr/stepflow/internal/lease"
	"github.com/petrijr/stepflow/internal/scheduler"
)

// flakyLocker cuts one owner off from the lock backend, as if its
// connection dropped.
type flakyLocker struct {
	lease.Locker
	cutOff atomic.Value // string
}

var errUnreachable = errors.New("lock backend unreachable")

func (f *flakyLocker) isCut(owner string) bool {
	v, _ := f.cutOff.Load().(string)
	return v != "" && v == owner
}

func (f *flakyLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if f.isCut(owner) {
		return false, errUnreachable
	}
	return f.Locker.TryAcquire(ctx, key, owner, ttl)
}

func (f *flakyLocker) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	if f.isCut(owner) {
		return errUnreachable
	}
	return f.Locker.Renew(ctx, key, owner, ttl)
}

func (f *flakyLocker) Release(ctx context.Context, key, owner string) error {
	if f.isCut(owner) {
		return errUnreachable
	}
	return f.Locker.Release(ctx, key, owner)
}

var _ = Describe("LeaderElector", func() {
	const ttl = 300 * time.Millisecond

	var (
		locker *flakyLocker
		wg     sync.WaitGroup
	)

	BeforeEach(func() {
		locker = &flakyLocker{Locker: lease.NewMemoryLocker()}
	})

	start := func(n int) ([]*scheduler.LeaderElector, []context.CancelFunc) {
		electors := make([]*scheduler.LeaderElector, n)
		cancels := make([]context.CancelFunc, n)
		for i := range electors {
			electors[i] = scheduler.NewLeaderElector(locker, scheduler.ElectorConfig{
				Owner:    fmt.Sprintf("instance-%d", i),
				TTL:      ttl,
				Interval: 20 * time.Millisecond,
			})
			ctx, cancel := context.WithCancel(context.Background())
			cancels[i] = cancel
			wg.Add(1)
			go func(e *scheduler.LeaderElector) {
				defer wg.Done()
				e.Run(ctx)
			}(electors[i])
		}
		DeferCleanup(func() {
			for _, c := range cancels {
				c()
			}
			wg.Wait()
		})
		return electors, cancels
	}

	leaders := func(es []*scheduler.LeaderElector) []int {
		var out []int
		for i, e := range es {
			if e.IsLeader() {
				out = append(out, i)
			}
		}
		return out
	}

	It("elects exactly one of many instances", func() {
		electors, _ := start(5)
		Eventually(func() []int { return leaders(electors) }).Should(HaveLen(1))
		Consistently(func() []int { return leaders(electors) }, "200ms").Should(HaveLen(1))
	})

	It("hands over after the leader resigns", func() {
		electors, cancels := start(2)
		Eventually(func() []int { return leaders(electors) }).Should(HaveLen(1))
		first := leaders(electors)[0]

		cancels[first]()
		Eventually(func() []int { return leaders(electors) }).Should(Equal([]int{1 - first}))
	})

	It("hands over within one TTL once the leader stops renewing", func() {
		electors, _ := start(2)
		Eventually(func() []int { return leaders(electors) }).Should(HaveLen(1))
		first := leaders(electors)[0]

		locker.cutOff.Store(electors[first].Owner())
		Eventually(electors[first].IsLeader).Should(BeFalse())
		Eventually(func() []int { return leaders(electors) }, 2*ttl, 10*time.Millisecond).
			Should(Equal([]int{1 - first}))
	})

	It("uses the shared lock key by default", func() {
		e := scheduler.NewLeaderElector(lease.NewMemoryLocker(), scheduler.ElectorConfig{})
		Expect(scheduler.DefaultLockKey).To(Equal("workflow-scheduler:leader"))
		Expect(e.Owner()).NotTo(BeEmpty())
		Expect(e.IsLeader()).To(BeFalse())
	})
})

var _ = Describe("AlwaysLeader", func() {
	It("always leads", func() {
		Expect(scheduler.AlwaysLeader{}.IsLeader()).To(BeTrue())
	})
})
