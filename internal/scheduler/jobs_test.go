package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/scheduler"
	"github.com/petrijr/stepflow/pkg/api"
)

type submission struct {
	org string
	req api.RunRequest
}

type recordingSubmitter struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (r *recordingSubmitter) Submit(_ context.Context, orgID string, req api.RunRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.subs = append(r.subs, submission{org: orgID, req: req})
	return "run-1", nil
}

type recovererFunc func(ctx context.Context, olderThan time.Duration) (int, error)

func (f recovererFunc) RecoverStuckRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	return f(ctx, olderThan)
}

type countingPruner struct{ calls int }

func (p *countingPruner) Prune() int {
	p.calls++
	return 2
}

var _ = Describe("Jobs", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("WorkflowJobs", func() {
		It("builds one job per enabled cron workflow", func() {
			store := persistence.NewInMemoryStore()
			for _, wf := range []*api.Workflow{
				{ID: "nightly", OrganizationID: "acme", Enabled: true, Trigger: api.Trigger{Type: api.TriggerCron, Cron: "0 2 * * *"}},
				{ID: "admin-report", Enabled: true, Trigger: api.Trigger{Type: api.TriggerCron, Cron: "@hourly"}},
				{ID: "paused", Enabled: false, Trigger: api.Trigger{Type: api.TriggerCron, Cron: "@hourly"}},
				{ID: "manual", Enabled: true, Trigger: api.Trigger{Type: api.TriggerManual}},
			} {
				Expect(store.SaveWorkflow(ctx, wf)).To(Succeed())
			}
			sub := &recordingSubmitter{}

			jobs, err := scheduler.WorkflowJobs(ctx, store, sub)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(2))
			Expect(jobs[0].Name).To(Equal("workflow:admin-report"))
			Expect(jobs[1].Name).To(Equal(scheduler.WorkflowJobName("nightly")))
			Expect(jobs[1].Schedule).To(Equal("0 2 * * *"))

			for _, j := range jobs {
				Expect(j.Task(ctx)).To(Succeed())
			}
			Expect(sub.subs).To(HaveLen(2))
			Expect(sub.subs[0].org).To(BeEmpty())
			Expect(sub.subs[1].org).To(Equal("acme"))
			Expect(sub.subs[1].req.WorkflowID).To(Equal("nightly"))
			Expect(sub.subs[1].req.TriggerType).To(Equal(api.TriggerCron))
			_, ok := sub.subs[1].req.TriggerData.Get("firedAt")
			Expect(ok).To(BeTrue())
		})

		It("surfaces enqueue failures", func() {
			store := persistence.NewInMemoryStore()
			Expect(store.SaveWorkflow(ctx, &api.Workflow{
				ID: "wf", Enabled: true, Trigger: api.Trigger{Type: api.TriggerCron, Cron: "@hourly"},
			})).To(Succeed())
			sub := &recordingSubmitter{err: errors.New("queue down")}

			jobs, err := scheduler.WorkflowJobs(ctx, store, sub)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs[0].Task(ctx)).To(MatchError("queue down"))
		})
	})

	It("RecoveryJob passes the age threshold", func() {
		var got time.Duration
		job := scheduler.RecoveryJob(recovererFunc(func(_ context.Context, d time.Duration) (int, error) {
			got = d
			return 1, nil
		}), time.Hour, "@every 5m")

		Expect(job.Enabled).To(BeTrue())
		Expect(job.Task(ctx)).To(Succeed())
		Expect(got).To(Equal(time.Hour))
		_, err := scheduler.ParseSchedule(job.Schedule)
		Expect(err).NotTo(HaveOccurred())
	})

	It("PruneJob prunes the hub", func() {
		p := &countingPruner{}
		job := scheduler.PruneJob(p, "@every 1m")
		Expect(job.Task(ctx)).To(Succeed())
		Expect(p.calls).To(Equal(1))
	})
})
