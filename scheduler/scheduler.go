// Package scheduler turns the daily production target into a
// deterministic plan of generation requests and feeds them to the
// queue at their batch windows.
//
// Planning is a pure function of the date, the configuration, and the
// capacity snapshot: replanning the same day yields the same request
// IDs, so a restarted scheduler re-enqueues work the worker will
// recognize as duplicates rather than minting a second day's worth.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/queue"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/router"
)

// CapacitySource supplies what planning needs to down-scale a day that
// the budget cannot cover.
type CapacitySource interface {
	// TotalCredits is the sum of credits remaining across providers.
	TotalCredits() int

	// UnitCost is the cheapest configured credit cost for a tier.
	UnitCost(tier core.Tier) (int, bool)
}

// RouterCapacity adapts the router's capacity surface to CapacitySource.
type RouterCapacity struct {
	Router *router.Router
}

func (rc RouterCapacity) TotalCredits() int {
	total := 0
	for _, credits := range rc.Router.Capacity().Providers {
		total += credits
	}
	return total
}

func (rc RouterCapacity) UnitCost(tier core.Tier) (int, bool) {
	best := 0
	found := false
	for _, d := range rc.Router.Descriptors() {
		m, ok := d.CheapestModelFor(tier)
		if !ok {
			continue
		}
		if !found || m.CreditCost < best {
			best = m.CreditCost
			found = true
		}
	}
	return best, found
}

// Config wires the scheduler.
type Config struct {
	Scheduler core.SchedulerConfig

	// Capacity is optional; when nil the plan is never down-scaled.
	Capacity CapacitySource

	// PlanTime is when the daemon plans each day, "HH:MM" UTC.
	// Default: "00:05"
	PlanTime string

	Logger core.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler plans and enqueues the daily production run.
type Scheduler struct {
	queue    queue.TaskQueue
	config   core.SchedulerConfig
	capacity CapacitySource
	planTime string
	logger   core.Logger
	now      func() time.Time

	planned  uint64
	lastDate atomic.Value // string, last planned date

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler over the given queue.
func New(q queue.TaskQueue, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Scheduler.DailyTarget <= 0 {
		cfg.Scheduler = core.DefaultConfig().Scheduler
	}
	planTime := cfg.PlanTime
	if planTime == "" {
		planTime = "00:05"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		queue:    q,
		config:   cfg.Scheduler,
		capacity: cfg.Capacity,
		planTime: planTime,
		logger:   core.ComponentLogger(cfg.Logger, "scheduler"),
		now:      now,
	}
}

// Plan builds the day's envelopes. Premium items are spread across all
// windows, volume items are biased into off-peak windows, and the whole
// plan shrinks from the cheapest tier up when the remaining budget
// cannot cover it.
func (s *Scheduler) Plan(date time.Time) ([]core.TaskEnvelope, error) {
	date = date.UTC()
	counts := s.tierCounts()
	s.downScale(counts)

	windows, err := s.windowTimes(date)
	if err != nil {
		return nil, err
	}

	slots := s.windowSlots(counts, len(windows))
	assignment := assignTiers(counts, slots, s.offPeakIndexes())

	topics := NewStaticTopicSource(s.config.Topics)
	platforms := s.config.Platforms
	if len(platforms) == 0 {
		platforms = []string{"default"}
	}

	var envelopes []core.TaskEnvelope
	seq := 0
	now := s.now().UTC()
	dateTag := date.Format("20060102")

	for wi, tiers := range assignment {
		for _, tier := range tiers {
			platform := platforms[seq%len(platforms)]
			spec, err := topics.Next(platform, tier)
			if err != nil {
				return nil, err
			}

			requestID := fmt.Sprintf("%s-b%02d-i%03d", dateTag, wi+1, seq)
			envelopes = append(envelopes, core.TaskEnvelope{
				RequestID: requestID,
				Payload: core.GenerationRequest{
					RequestID:       requestID,
					Tier:            tier,
					Prompt:          spec.Prompt,
					DurationSeconds: spec.DurationSeconds,
					AspectRatio:     spec.AspectRatio,
					PlatformHint:    platform,
					CreatedAt:       now,
				},
				EnqueueTime: now,
				NotBefore:   windows[wi],
				Retry:       core.DefaultRetryPolicy(),
			})
			seq++
		}
	}
	return envelopes, nil
}

// EnqueuePlan plans a date and hands every envelope to the queue. The
// queue holds each one until its batch window opens.
func (s *Scheduler) EnqueuePlan(ctx context.Context, date time.Time) (int, error) {
	envelopes, err := s.Plan(date)
	if err != nil {
		return 0, err
	}
	for i := range envelopes {
		if err := s.queue.Enqueue(ctx, &envelopes[i]); err != nil {
			return i, fmt.Errorf("enqueue %s: %w", envelopes[i].RequestID, err)
		}
	}
	s.logger.Info("Daily plan enqueued", map[string]interface{}{
		"date":  date.UTC().Format("2006-01-02"),
		"count": len(envelopes),
	})
	return len(envelopes), nil
}

// Start launches the planning daemon. It plans the current day
// immediately (worker idempotency absorbs any overlap with a previous
// run) and then each following day at the configured plan time.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopOnce = sync.Once{}
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the planning daemon.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduler loop panic", map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			})
		}
	}()

	s.planOnce(ctx, s.now())

	for {
		next := s.nextPlanTime(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.planOnce(ctx, s.now())
		}
	}
}

func (s *Scheduler) planOnce(ctx context.Context, now time.Time) {
	date := now.UTC().Format("2006-01-02")
	if last, _ := s.lastDate.Load().(string); last == date {
		return
	}
	if _, err := s.EnqueuePlan(ctx, now); err != nil {
		s.logger.Error("Failed to enqueue daily plan", map[string]interface{}{
			"date":  date,
			"error": err.Error(),
		})
		return
	}
	s.lastDate.Store(date)
}

func (s *Scheduler) nextPlanTime(now time.Time) time.Time {
	t, err := time.Parse("15:04", s.planTime)
	if err != nil {
		t = time.Date(0, 1, 1, 0, 5, 0, 0, time.UTC)
	}
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// tierCounts splits the daily target by the configured shares, pushing
// rounding drift into the volume tier.
func (s *Scheduler) tierCounts() map[core.Tier]int {
	target := s.config.DailyTarget
	counts := map[core.Tier]int{
		core.TierPremium:  int(math.Round(float64(target) * s.config.TierShares[core.TierPremium])),
		core.TierStandard: int(math.Round(float64(target) * s.config.TierShares[core.TierStandard])),
	}
	counts[core.TierVolume] = target - counts[core.TierPremium] - counts[core.TierStandard]
	if counts[core.TierVolume] < 0 {
		counts[core.TierVolume] = 0
	}
	return counts
}

// downScale trims the plan, cheapest tier first, until its estimated
// cost fits the remaining budget.
func (s *Scheduler) downScale(counts map[core.Tier]int) {
	if s.capacity == nil {
		return
	}
	credits := s.capacity.TotalCredits()
	order := []core.Tier{core.TierVolume, core.TierStandard, core.TierPremium}

	for estimated := s.estimate(counts); estimated > credits; estimated = s.estimate(counts) {
		trimmed := false
		for _, tier := range order {
			if counts[tier] > 0 {
				counts[tier]--
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
}

func (s *Scheduler) estimate(counts map[core.Tier]int) int {
	total := 0
	for tier, n := range counts {
		cost, ok := s.capacity.UnitCost(tier)
		if !ok {
			continue
		}
		total += n * cost
	}
	return total
}

// windowTimes resolves the configured "HH:MM" windows onto a date.
func (s *Scheduler) windowTimes(date time.Time) ([]time.Time, error) {
	windows := make([]time.Time, 0, len(s.config.BatchWindows))
	for _, w := range s.config.BatchWindows {
		t, err := time.Parse("15:04", w.Time)
		if err != nil {
			return nil, fmt.Errorf("%w: bad batch window time %q", core.ErrInvalidConfiguration, w.Time)
		}
		windows = append(windows, time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC))
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Before(windows[j]) })
	return windows, nil
}

// windowSlots distributes the (possibly down-scaled) total across the
// windows by share, earliest windows absorbing the remainder.
func (s *Scheduler) windowSlots(counts map[core.Tier]int, numWindows int) []int {
	total := counts[core.TierPremium] + counts[core.TierStandard] + counts[core.TierVolume]
	slots := make([]int, numWindows)
	assigned := 0
	for i, w := range s.config.BatchWindows {
		if i >= numWindows {
			break
		}
		n := int(math.Floor(float64(total) * w.Share))
		slots[i] = n
		assigned += n
	}
	for i := 0; assigned < total; i = (i + 1) % numWindows {
		slots[i]++
		assigned++
	}
	return slots
}

func (s *Scheduler) offPeakIndexes() map[int]bool {
	offPeak := make(map[int]bool)
	for i, w := range s.config.BatchWindows {
		if w.OffPeak {
			offPeak[i] = true
		}
	}
	return offPeak
}

// assignTiers fills window slots: premium spread round-robin across all
// windows, volume packed into off-peak windows first, standard filling
// whatever remains.
func assignTiers(counts map[core.Tier]int, slots []int, offPeak map[int]bool) [][]core.Tier {
	assignment := make([][]core.Tier, len(slots))
	if len(slots) == 0 {
		return assignment
	}
	free := make([]int, len(slots))
	copy(free, slots)

	place := func(wi int, tier core.Tier) bool {
		if free[wi] <= 0 {
			return false
		}
		assignment[wi] = append(assignment[wi], tier)
		free[wi]--
		return true
	}

	// Premium: one per window, cycling, so no single window carries the
	// whole premium allotment.
	for remaining, wi := counts[core.TierPremium], 0; remaining > 0; {
		if place(wi, core.TierPremium) {
			remaining--
		}
		wi = (wi + 1) % len(slots)
		if allFull(free) {
			break
		}
	}

	// Volume: off-peak windows first, spill into the rest.
	remaining := counts[core.TierVolume]
	for _, pass := range []bool{true, false} {
		for wi := range slots {
			if offPeak[wi] != pass {
				continue
			}
			for remaining > 0 && place(wi, core.TierVolume) {
				remaining--
			}
		}
	}

	// Standard takes the leftover slots.
	for wi := range slots {
		for free[wi] > 0 {
			if !place(wi, core.TierStandard) {
				break
			}
		}
	}
	return assignment
}

func allFull(free []int) bool {
	for _, f := range free {
		if f > 0 {
			return false
		}
	}
	return true
}
