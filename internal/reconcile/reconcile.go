// Package reconcile keeps the visibility of every post in a page in line
// with the current settings and the account locations it can learn.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"noeu/internal/classify"
	"noeu/internal/page"
	"noeu/internal/resolve"
	"noeu/internal/state"
)

const DefaultInterval = 3 * time.Second

type Options struct {
	// Interval between periodic scans. Zero means DefaultInterval.
	Interval time.Duration
}

// Reconciler evaluates the posts of one document.
type Reconciler struct {
	doc      *page.Document
	state    *state.State
	resolver resolve.LocationResolver
	interval time.Duration

	// gen changes whenever earlier evaluations become stale.
	gen atomic.Uint64

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

func New(doc *page.Document, st *state.State, resolver resolve.LocationResolver, opts Options) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	idle := make(chan struct{})
	close(idle)
	return &Reconciler{
		doc:      doc,
		state:    st,
		resolver: resolver,
		interval: interval,
		idle:     idle,
	}
}

// Run scans the document once, then keeps scanning on a timer, on every
// mutation batch and on every settings reaction until ctx ends.
func (r *Reconciler) Run(ctx context.Context, reactions <-chan state.Reaction) {
	r.Scan(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	mutations := r.doc.Mutations()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Scan(ctx)
		case nodes := <-mutations:
			r.ScanNodes(ctx, nodes)
		case reaction, ok := <-reactions:
			if !ok {
				reactions = nil
				continue
			}
			r.React(ctx, reaction)
		}
	}
}

// Process scans the document and waits up to settle for the lookups it
// started, applying any settings reaction that arrives meanwhile and
// rescanning on the periodic interval. It is used for one-shot pages.
func (r *Reconciler) Process(ctx context.Context, settle time.Duration, reactions <-chan state.Reaction) {
	r.Scan(ctx)
	if settle <= 0 {
		return
	}
	timer := time.NewTimer(settle)
	defer timer.Stop()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		idle := r.idle
		r.mu.Unlock()
		select {
		case <-idle:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			slog.Debug("page settled with lookups pending", "pending", r.Pending())
			return
		case <-ticker.C:
			r.Scan(ctx)
		case reaction, ok := <-reactions:
			if !ok {
				reactions = nil
				continue
			}
			r.React(ctx, reaction)
		}
	}
}

// Scan evaluates every post in the document.
func (r *Reconciler) Scan(ctx context.Context) {
	if !r.state.Enabled() {
		return
	}
	for _, post := range r.doc.Posts() {
		r.evaluate(ctx, post)
	}
}

// ScanNodes evaluates the posts among freshly added nodes.
func (r *Reconciler) ScanNodes(ctx context.Context, nodes []*html.Node) {
	if !r.state.Enabled() {
		return
	}
	for _, post := range r.doc.PostsIn(nodes) {
		r.evaluate(ctx, post)
	}
}

// React carries out what a settings change requires.
func (r *Reconciler) React(ctx context.Context, reaction state.Reaction) {
	switch reaction {
	case state.ReactRescan:
		r.RescanAll(ctx)
	case state.ReactUnhide:
		r.UnhideAll()
	}
}

// RescanAll drops every decision and evaluates the document again.
// Evaluations still in flight are discarded when they finish.
func (r *Reconciler) RescanAll(ctx context.Context) {
	r.gen.Add(1)
	unhidden := r.doc.UnhideAll()
	cleared := r.doc.ClearMarks()
	slog.Debug("rescanning page", "unhidden", unhidden, "cleared", cleared)
	r.Scan(ctx)
}

// UnhideAll reveals every hidden post. Marks stay so a later rescan starts
// from a clean slate only when asked to.
func (r *Reconciler) UnhideAll() {
	r.gen.Add(1)
	n := r.doc.UnhideAll()
	slog.Debug("filtering disabled, unhid posts", "count", n)
}

// Pending returns the number of evaluations waiting on a lookup.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Wait blocks until no evaluation is in flight or ctx ends.
func (r *Reconciler) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == 0 {
		r.idle = make(chan struct{})
	}
	r.pending++
}

func (r *Reconciler) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if r.pending == 0 {
		close(r.idle)
	}
}

func (r *Reconciler) evaluate(ctx context.Context, post *page.Post) {
	if !r.state.Enabled() {
		return
	}
	handle, ok := post.Author()
	if !ok {
		return
	}

	rules := r.state.Rules()
	acct := classify.Account{
		Handle:      handle,
		DisplayName: post.DisplayName(),
		Followed:    r.state.IsFollowed(handle),
	}
	if rules.Bypass(acct) {
		post.SetHidden(false)
		return
	}
	if rules.IdentityBlocked(acct) {
		r.decide(ctx, post, true)
		return
	}

	switch post.Mark() {
	case page.MarkEvaluating:
		return
	case page.MarkHidden, page.MarkVisible:
		// Settled posts follow the cache without a new lookup.
		if entry, ok := r.state.Cache().Get(handle); ok {
			r.decide(ctx, post, rules.LocationBlocked(entry.Location))
		}
		return
	}

	if !post.Claim() {
		return
	}
	gen := r.gen.Load()
	r.begin()
	go func() {
		defer r.end()
		loc := r.resolver.Resolve(ctx, handle)
		if ctx.Err() != nil || !r.state.Enabled() || r.gen.Load() != gen {
			return
		}
		r.decide(ctx, post, r.state.Rules().LocationBlocked(loc))
	}()
}

// decide applies a verdict and counts a post the first time it is hidden.
func (r *Reconciler) decide(ctx context.Context, post *page.Post, hide bool) {
	previous, ok := post.Decide(hide)
	if !ok || !hide || previous == page.MarkHidden {
		return
	}
	r.state.IncFiltered()
	if err := r.state.Persist(context.WithoutCancel(ctx)); err != nil {
		slog.Error("persisting stats failed", "err", err)
	}
}
