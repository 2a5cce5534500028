// Package autosave debounces section field edits, acknowledges them
// optimistically and persists them in the background with retries.
package autosave

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"filing-workflow/internal/access"
	"filing-workflow/internal/common/config"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/common/logger"
	"filing-workflow/internal/common/metrics"
	"filing-workflow/internal/models"
	"filing-workflow/internal/section"
)

var ErrClosed = stderrors.New("autosave coordinator is closed")

type Trigger string

const (
	TriggerTyping Trigger = "typing"
	TriggerBlur   Trigger = "blur"
	TriggerSave   Trigger = "save"
)

func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(strings.ToLower(strings.TrimSpace(s))); t {
	case TriggerTyping, TriggerBlur, TriggerSave:
		return t, nil
	case "":
		return TriggerSave, nil
	default:
		return "", errors.NewFieldValidationError("trigger", fmt.Sprintf("unknown trigger %q", s))
	}
}

// Debounced reports whether edits with this trigger wait for the debounce window.
func (t Trigger) Debounced() bool { return t == TriggerTyping }

type SectionKey struct {
	ApplicationID string
	SectionNumber int
}

func (k SectionKey) String() string {
	return fmt.Sprintf("%s/%d", k.ApplicationID, k.SectionNumber)
}

// Persister writes field updates to a section. *store.Service satisfies it.
type Persister interface {
	SaveSectionFields(ctx context.Context, id string, number int, updates []section.FieldUpdate, expectedVersion int64) (*models.Section, error)
}

type Config struct {
	Debounce   time.Duration
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
	// ResultBuffer is the capacity of the Results channel.
	ResultBuffer int
}

func ConfigFrom(cfg config.AutoSaveConfig) Config {
	return Config{
		Debounce:   config.GetDuration(cfg.DebounceMs),
		MaxRetries: cfg.MaxRetries,
		RetryBase:  config.GetDuration(cfg.RetryBaseMs),
		RetryMax:   config.GetDuration(cfg.RetryMaxMs),
	}
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 900 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 10 * c.RetryBase
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = 256
	}
	return c
}

// Ack is returned as soon as an edit is accepted.
type Ack struct {
	Key     SectionKey              `json:"-"`
	Trigger Trigger                 `json:"trigger"`
	Paths   []string                `json:"paths"`
	View    map[string]models.Value `json:"view"`
	// Result is set when the edit was flushed before Edit returned.
	Result *Result `json:"-"`
}

// Result reports the outcome of one flush.
type Result struct {
	Key      SectionKey
	Trigger  Trigger
	Paths    []string
	Section  *models.Section
	Err      error
	Attempts int
}

func (r Result) Confirmed() bool { return r.Err == nil }

type fieldKey struct {
	section SectionKey
	path    string
}

type pendingEdit struct {
	timer  *time.Timer
	actor  models.Actor
	change Change
}

type Coordinator struct {
	cfg       Config
	persister Persister
	logger    logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	seq     uint64
	states  map[SectionKey]State
	pending map[fieldKey]*pendingEdit
	closed  bool
	wg      sync.WaitGroup

	results chan Result
}

func New(cfg Config, persister Persister, log logger.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		persister: persister,
		logger:    log,
		baseCtx:   ctx,
		cancel:    cancel,
		states:    make(map[SectionKey]State),
		pending:   make(map[fieldKey]*pendingEdit),
		results:   make(chan Result, cfg.ResultBuffer),
	}
}

// Results delivers the outcome of every flush. It is closed by Close.
func (c *Coordinator) Results() <-chan Result {
	return c.results
}

// State returns the current confirmed and pending view of a section.
func (c *Coordinator) State(key SectionKey) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[key]
	if !ok {
		return NewState()
	}
	return s.clone()
}

// Edit records updates for a section on behalf of the actor in ctx.
//
// Typing edits are debounced per field path; a newer edit to the same path
// replaces the pending one. Blur and save edits cancel any pending timer
// for their paths and are persisted before Edit returns, using ctx.
func (c *Coordinator) Edit(ctx context.Context, key SectionKey, updates []section.FieldUpdate, trigger Trigger) (*Ack, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, errors.NewValidationError("no fields to update")
	}
	for _, u := range updates {
		if _, err := models.SplitPath(u.Path); err != nil {
			return nil, errors.NewFieldValidationError(u.Path, err.Error())
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	changes := make([]Change, 0, len(updates))
	for _, u := range updates {
		c.seq++
		changes = append(changes, Change{Path: u.Path, Value: u.Value.Clone(), Seq: c.seq})
	}
	state := Reduce(c.stateLocked(key), Event{Kind: EventEdit, Changes: changes})
	c.states[key] = state

	for _, ch := range changes {
		fk := fieldKey{section: key, path: ch.Path}
		c.dropPendingLocked(fk)
		if trigger.Debounced() {
			c.schedule(fk, actor, ch)
		}
	}

	ack := &Ack{Key: key, Trigger: trigger, Paths: pathsOf(changes), View: state.View()}
	if trigger.Debounced() {
		c.mu.Unlock()
		return ack, nil
	}

	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	res := c.flush(ctx, actor, key, changes, trigger)
	ack.Result = &res
	return ack, nil
}

// FlushAll persists every edit still waiting for its debounce window.
func (c *Coordinator) FlushAll(ctx context.Context) error {
	type group struct {
		key     SectionKey
		actor   models.Actor
		changes []Change
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	groups := make(map[string]*group)
	for fk, pe := range c.pending {
		if !pe.timer.Stop() {
			// Already firing; the timer goroutine owns it.
			continue
		}
		delete(c.pending, fk)
		metrics.AutoSavePending.Dec()

		id := fk.section.String() + "|" + pe.actor.UserID
		g, ok := groups[id]
		if !ok {
			g = &group{key: fk.section, actor: pe.actor}
			groups[id] = g
		}
		g.changes = append(g.changes, pe.change)
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := groups[id]
		sort.Slice(g.changes, func(i, j int) bool { return g.changes[i].Seq < g.changes[j].Seq })
		c.flush(ctx, g.actor, g.key, g.changes, TriggerSave)
	}
	return nil
}

// Close cancels pending timers, waits for in-flight flushes and closes
// the Results channel. Edits still inside their debounce window are
// dropped; call FlushAll first to keep them.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for fk := range c.pending {
		c.dropPendingLocked(fk)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.results)
}

// ==========================
// Internals
// ==========================

func (c *Coordinator) stateLocked(key SectionKey) State {
	if s, ok := c.states[key]; ok {
		return s
	}
	return NewState()
}

func (c *Coordinator) schedule(fk fieldKey, actor models.Actor, ch Change) {
	pe := &pendingEdit{actor: actor, change: ch}
	pe.timer = time.AfterFunc(c.cfg.Debounce, func() { c.fire(fk, ch.Seq) })
	c.pending[fk] = pe
	metrics.AutoSavePending.Inc()
}

func (c *Coordinator) dropPendingLocked(fk fieldKey) {
	pe, ok := c.pending[fk]
	if !ok {
		return
	}
	pe.timer.Stop()
	delete(c.pending, fk)
	metrics.AutoSavePending.Dec()
}

func (c *Coordinator) fire(fk fieldKey, seq uint64) {
	c.mu.Lock()
	pe, ok := c.pending[fk]
	if c.closed || !ok || pe.change.Seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.pending, fk)
	metrics.AutoSavePending.Dec()
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.flush(c.baseCtx, pe.actor, fk.section, []Change{pe.change}, TriggerTyping)
}

// flush persists changes with retries and folds the outcome into the
// section state.
func (c *Coordinator) flush(ctx context.Context, actor models.Actor, key SectionKey, changes []Change, trigger Trigger) Result {
	updates := make([]section.FieldUpdate, 0, len(changes))
	for _, ch := range changes {
		updates = append(updates, section.FieldUpdate{Path: ch.Path, Value: ch.Value})
	}
	ctx = access.WithActor(ctx, actor)

	res := Result{Key: key, Trigger: trigger, Paths: pathsOf(changes)}
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		sec, err := c.persister.SaveSectionFields(ctx, key.ApplicationID, key.SectionNumber, updates, 0)
		if err == nil {
			res.Section = sec
			res.Err = nil
			break
		}
		res.Err = err

		if !errors.IsRetryable(err) || attempt >= c.cfg.MaxRetries {
			break
		}
		delay := c.cfg.RetryBase * time.Duration(1<<attempt)
		if delay > c.cfg.RetryMax {
			delay = c.cfg.RetryMax
		}
		c.logger.Debug("Auto-save failed, retrying", map[string]interface{}{
			"section": key.String(),
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res.Err = fmt.Errorf("auto-save of %s cancelled after %d attempts: %w", key, attempt+1, ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
	}

	ev := Event{Kind: EventConfirm, Changes: changes}
	outcome := "confirmed"
	if res.Err != nil {
		ev = Event{Kind: EventRevert, Changes: changes, Err: res.Err}
		outcome = "reverted"
		c.logger.Warn("Auto-save reverted", map[string]interface{}{
			"section":  key.String(),
			"paths":    res.Paths,
			"attempts": res.Attempts,
			"error":    res.Err.Error(),
		})
	} else if res.Section != nil {
		ev.Version = res.Section.Version
	}
	metrics.AutoSaveFlushes.WithLabelValues(string(trigger), outcome).Inc()

	c.mu.Lock()
	c.states[key] = Reduce(c.stateLocked(key), ev)
	c.mu.Unlock()

	c.emit(res)
	return res
}

func (c *Coordinator) emit(res Result) {
	select {
	case c.results <- res:
	default:
		c.logger.Warn("Auto-save result dropped, results channel full", map[string]interface{}{
			"section": res.Key.String(),
		})
	}
}

func pathsOf(changes []Change) []string {
	out := make([]string, 0, len(changes))
	for _, ch := range changes {
		out = append(out, ch.Path)
	}
	return out
}
