// Package dream implements the memory consolidator: a long-interval
// background job that prunes low-importance episodic memories and
// folds recent mid-importance fragments into a single
// higher-importance summary.
package dream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kitsune-ai/anima/pkg/affect"
	"github.com/kitsune-ai/anima/pkg/episodic"
)

// DefaultInterval is the consolidator's tick period.
const DefaultInterval = 30 * time.Minute

const (
	pruneImportance     = 1
	pruneMinAge         = 3 * 24 * time.Hour
	consolidateMaxAge   = 24 * time.Hour
	consolidateMinBatch = 4
	consolidateTakeN    = 10
	staminaCredit       = 30
	quietPeriod         = 5 * time.Minute
)

// Summarizer produces the consolidated summary text from a batch of
// fragment texts. Implementations return the literal "SKIP" (or any
// string shorter than 5 characters) when nothing is worth keeping.
type Summarizer interface {
	Summarize(ctx context.Context, fragments []string) (string, error)
}

// Consolidator owns the prune/consolidate cycle.
type Consolidator struct {
	store       *episodic.Store
	affectStore *affect.Store
	summarizer  Summarizer
	interval    time.Duration
	lockPath    string
	log         zerolog.Logger

	lastUserActivity func() time.Time
}

// New builds a Consolidator. lockPath names the file used as a
// cross-process single-writer advisory lock, so only one consolidator
// runs across process instances. lastUserActivity reports the most
// recent inbound event time across all sessions, used for the
// quiet-period skip.
func New(store *episodic.Store, affectStore *affect.Store, summarizer Summarizer, lockPath string, lastUserActivity func() time.Time, log zerolog.Logger) *Consolidator {
	return &Consolidator{
		store:            store,
		affectStore:      affectStore,
		summarizer:       summarizer,
		interval:         DefaultInterval,
		lockPath:         lockPath,
		lastUserActivity: lastUserActivity,
		log:              log.With().Str("component", "dream").Logger(),
	}
}

// cronSchedule parses an "@every <dur>" descriptor through
// robfig/cron's descriptor parser, which computes the consolidator's
// next fire time.
func cronSchedule(interval time.Duration) cronlib.Schedule {
	parser := cronlib.NewParser(cronlib.Descriptor)
	sched, err := parser.Parse(fmt.Sprintf("@every %s", interval))
	if err != nil {
		panic(fmt.Sprintf("dream: invalid tick interval %s: %v", interval, err))
	}
	return sched
}

// Run blocks, ticking every interval until ctx is cancelled.
func (c *Consolidator) Run(ctx context.Context) {
	sched := cronSchedule(c.interval)
	next := sched.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.tick(ctx)
			next = sched.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

func (c *Consolidator) tick(ctx context.Context) {
	if c.lastUserActivity != nil && time.Since(c.lastUserActivity()) < quietPeriod {
		c.log.Debug().Msg("dream: skipping, recent user activity")
		return
	}

	unlock, ok := c.acquireLock()
	if !ok {
		c.log.Debug().Msg("dream: another instance holds the consolidation lock")
		return
	}
	defer unlock()

	pruned, err := c.prune(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("dream: prune phase failed")
	}
	consolidated, err := c.consolidate(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("dream: consolidate phase failed")
	}

	if pruned > 0 || consolidated {
		c.affectStore.Update(affect.Delta{Stamina: staminaCredit})
		c.log.Info().Int("pruned", pruned).Bool("consolidated", consolidated).Msg("dream: consolidation pass succeeded")
	}
}

// prune deletes stale importance-1 memories.
func (c *Consolidator) prune(ctx context.Context) (int, error) {
	return c.store.PruneByImportance(ctx, pruneImportance, pruneMinAge)
}

// consolidate folds recent mid-importance fragments into one
// higher-importance summary.
func (c *Consolidator) consolidate(ctx context.Context) (bool, error) {
	candidates, err := c.store.CollectForConsolidation(ctx, []float64{2, 3}, consolidateMaxAge)
	if err != nil {
		return false, err
	}
	if len(candidates) < consolidateMinBatch {
		return false, nil
	}
	if len(candidates) > consolidateTakeN {
		candidates = candidates[:consolidateTakeN]
	}

	fragments := make([]string, len(candidates))
	ids := make([]string, len(candidates))
	for i, cand := range candidates {
		fragments[i] = cand.Text
		ids[i] = cand.ID
	}

	summary, err := c.summarizer.Summarize(ctx, fragments)
	if err != nil {
		return false, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "SKIP" || len([]rune(summary)) < 5 {
		return false, nil
	}

	if _, err := c.store.AddTexts(ctx, []string{summary}, []episodic.Metadata{{
		Category:              "consolidated",
		Source:                "dream_consolidation",
		Importance:            4,
		CreatedAt:             time.Now(),
		ConsolidatedFromCount: len(candidates),
	}}); err != nil {
		return false, err
	}
	if err := c.store.Delete(ctx, ids); err != nil {
		return false, err
	}
	return true, nil
}

// acquireLock implements the file-based single-writer lock: an
// exclusive-create of lockPath succeeds for exactly one process at a
// time. A stale lock left by a crash is not detected here;
// DefaultInterval is long enough that an operator clears a stuck lock
// file well before it matters.
func (c *Consolidator) acquireLock() (unlock func(), ok bool) {
	if c.lockPath == "" {
		return func() {}, true
	}
	f, err := os.OpenFile(c.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, false
		}
		c.log.Warn().Err(err).Msg("dream: lock file open failed, proceeding without lock")
		return func() {}, true
	}
	f.Close()
	return func() { os.Remove(c.lockPath) }, true
}
