// Package reconcile merges bulk history, optimistic local inserts and
// live pushes for one scope into a single ordered, deduplicated view.
//
// The same Reconciler serves chat messages and notifications. All
// mutators take the same lock, so pushes, optimistic appends and
// failure marks are serialized relative to each other.
package reconcile

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"
)

// DefaultMatchWindow is how long after an optimistic append a pushed
// record with the same author and content may still promote it.
const DefaultMatchWindow = 10 * time.Second

// IngestResult reports what IngestPushed did with a record.
type IngestResult int

const (
	// Inserted means the record was new and added as Confirmed.
	Inserted IngestResult = iota
	// Promoted means the record confirmed a Pending optimistic record.
	Promoted
	// Duplicate means a Confirmed record with the same id already existed.
	Duplicate
)

func (r IngestResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Promoted:
		return "promoted"
	case Duplicate:
		return "duplicate"
	}

	return fmt.Sprintf("IngestResult(%d)", int(r))
}

// entry is a record plus the local clock reading at which it entered
// the view. localAt drives the match window; CreatedAt drives ordering.
type entry struct {
	models.Record
	localAt time.Time
}

// Reconciler holds the reconciled sequence for one scope.
type Reconciler struct {
	scopeID string
	window  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries []entry
	ids     map[string]struct{}
	entropy io.Reader

	subs    map[uint64]chan struct{}
	nextSub uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMatchWindow overrides DefaultMatchWindow. Non-positive values are ignored.
func WithMatchWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates an empty Reconciler for scopeID.
func New(scopeID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		scopeID: scopeID,
		window:  DefaultMatchWindow,
		now:     time.Now,
		ids:     make(map[string]struct{}),
		entropy: ulid.Monotonic(rand.Reader, 0),
		subs:    make(map[uint64]chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ScopeID returns the scope this reconciler belongs to.
func (r *Reconciler) ScopeID() string {
	return r.scopeID
}

// MatchWindow returns the configured optimistic match window.
func (r *Reconciler) MatchWindow() time.Duration {
	return r.window
}

// LoadHistory replaces the confirmed baseline with records. Optimistic
// records (Pending or Failed) survive, as do Confirmed records that are
// absent from the response and newer than its newest entry, so a late
// history response never moves the view backward. A fetched record
// that echoes a Pending send promotes it, same as a push would.
func (r *Reconciler) LoadHistory(records []models.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	history := make(map[string]struct{}, len(records))
	incoming := make([]models.Record, 0, len(records))

	var newest time.Time

	for _, rec := range records {
		if rec.ID == "" {
			continue
		}

		if _, dup := history[rec.ID]; dup {
			continue
		}

		history[rec.ID] = struct{}{}
		incoming = append(incoming, rec)

		if rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
		}
	}

	kept := make([]entry, 0, len(r.entries)+len(incoming))
	ids := make(map[string]struct{}, len(r.entries)+len(incoming))

	for _, e := range r.entries {
		if e.DeliveryState != models.Confirmed {
			kept = append(kept, e)
			continue
		}

		if _, inHistory := history[e.ID]; inHistory {
			continue
		}

		if e.CreatedAt.After(newest) {
			kept = append(kept, e)
			ids[e.ID] = struct{}{}
		}
	}

	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].CreatedAt.Before(incoming[j].CreatedAt)
	})

	for _, rec := range incoming {
		if idx := matchHistory(kept, rec, r.window); idx >= 0 {
			promote(&kept[idx], rec)
			ids[rec.ID] = struct{}{}

			continue
		}

		kept = append(kept, confirmedEntry(r.scopeID, rec, now))
		ids[rec.ID] = struct{}{}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].CreatedAt.Before(kept[j].CreatedAt)
	})

	r.entries = kept
	r.ids = ids
	r.notifyLocked()
}

// AppendOptimistic inserts a Pending record at the end of the sequence
// and returns its client temp id. The record's time is the local clock,
// raised to the newest existing record so it sorts after anything
// already ingested.
func (r *Reconciler) AppendOptimistic(content, authorID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	tempID := ulid.MustNew(ulid.Timestamp(now), r.entropy).String()

	r.entries = append(r.entries, entry{
		Record: models.Record{
			ClientTempID:  tempID,
			ScopeID:       r.scopeID,
			AuthorID:      authorID,
			Content:       content,
			CreatedAt:     r.tailTimeLocked(now),
			DeliveryState: models.Pending,
		},
		localAt: now,
	})
	r.notifyLocked()

	return tempID
}

// IngestPushed merges one server-pushed record. A repeated id is
// discarded. Otherwise the most recently created Pending record from
// the same author with the same content, still inside the match
// window, is promoted in place. Anything else is inserted as Confirmed
// in timestamp order.
func (r *Reconciler) IngestPushed(rec models.Record) (IngestResult, error) {
	if rec.ID == "" {
		return Inserted, fmt.Errorf("%w: pushed record has no id", serrors.ErrInvalidRecord)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[rec.ID]; ok {
		return Duplicate, nil
	}

	now := r.now()
	r.ids[rec.ID] = struct{}{}

	if idx := r.matchPushLocked(rec, now); idx >= 0 {
		e := r.entries[idx]
		promote(&e, rec)
		r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
		r.insertLocked(e)
		r.notifyLocked()

		return Promoted, nil
	}

	r.insertLocked(confirmedEntry(r.scopeID, rec, now))
	r.notifyLocked()

	return Inserted, nil
}

// MarkFailed moves the Pending record named by clientTempID to Failed.
// It stays in the view. A record that has already been confirmed is
// left alone: the server echo is stronger evidence than a send error.
func (r *Reconciler) MarkFailed(clientTempID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findTempLocked(clientTempID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", serrors.ErrUnknownRecord, clientTempID)
	}

	if r.entries[idx].DeliveryState != models.Pending {
		return nil
	}

	r.entries[idx].DeliveryState = models.Failed
	r.notifyLocked()

	return nil
}

// Requeue turns a Failed record back into a Pending one at the end of
// the sequence, with a fresh local time, and returns it for resending.
func (r *Reconciler) Requeue(clientTempID string) (models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findTempLocked(clientTempID)
	if idx < 0 {
		return models.Record{}, fmt.Errorf("%w: %s", serrors.ErrUnknownRecord, clientTempID)
	}

	e := r.entries[idx]
	if e.DeliveryState != models.Failed {
		return models.Record{}, fmt.Errorf("%w: %s is %s, not failed", serrors.ErrInvalidRecord, clientTempID, e.DeliveryState)
	}

	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)

	now := r.now()
	e.DeliveryState = models.Pending
	e.localAt = now
	e.CreatedAt = r.tailTimeLocked(now)
	r.entries = append(r.entries, e)
	r.notifyLocked()

	return e.Record, nil
}

// Discard removes a Failed record from the view.
func (r *Reconciler) Discard(clientTempID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findTempLocked(clientTempID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", serrors.ErrUnknownRecord, clientTempID)
	}

	if r.entries[idx].DeliveryState != models.Failed {
		return fmt.Errorf("%w: only failed records can be discarded", serrors.ErrInvalidRecord)
	}

	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	r.notifyLocked()

	return nil
}

// SetRead sets the read flag of the Confirmed record id and returns the
// previous value, so callers can roll back.
func (r *Reconciler) SetRead(id string, read bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].ID != id {
			continue
		}

		prev := r.entries[i].Read
		if prev != read {
			r.entries[i].Read = read
			r.notifyLocked()
		}

		return prev, nil
	}

	return false, fmt.Errorf("%w: %s", serrors.ErrUnknownRecord, id)
}

// Reset drops every confirmed record. Used after the server clears
// history; local sends that are still Pending or Failed stay visible so
// an in-flight send can settle.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]

	for _, e := range r.entries {
		if e.DeliveryState != models.Confirmed {
			kept = append(kept, e)
		}
	}

	clear(r.entries[len(kept):])
	r.entries = kept
	r.ids = make(map[string]struct{})
	r.notifyLocked()
}

// Snapshot returns an ordered copy of the view.
func (r *Reconciler) Snapshot() []models.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Record, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Record
	}

	return out
}

// Groups returns the snapshot grouped by local calendar date.
func (r *Reconciler) Groups(loc *time.Location) []models.DateGroup {
	return models.GroupByDate(r.Snapshot(), loc)
}

// Find looks a record up by server id or client temp id.
func (r *Reconciler) Find(key string) (models.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.ID == key || (e.ClientTempID != "" && e.ClientTempID == key) {
			return e.Record, true
		}
	}

	return models.Record{}, false
}

// Count returns the number of records matching pred.
func (r *Reconciler) Count(pred func(models.Record) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, e := range r.entries {
		if pred(e.Record) {
			n++
		}
	}

	return n
}

// Len returns the number of records in the view.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Subscribe returns a channel that receives a value after every change.
// Notifications coalesce: a slow reader sees one pending signal and
// should read Snapshot. The returned func unsubscribes and closes the
// channel.
func (r *Reconciler) Subscribe() (<-chan struct{}, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++

	ch := make(chan struct{}, 1)
	r.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Reconciler) notifyLocked() {
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// insertLocked places e after every entry with CreatedAt <= e.CreatedAt.
func (r *Reconciler) insertLocked(e entry) {
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].CreatedAt.After(e.CreatedAt)
	})

	r.entries = append(r.entries, entry{})
	copy(r.entries[idx+1:], r.entries[idx:])
	r.entries[idx] = e
}

func (r *Reconciler) tailTimeLocked(now time.Time) time.Time {
	if n := len(r.entries); n > 0 && r.entries[n-1].CreatedAt.After(now) {
		return r.entries[n-1].CreatedAt
	}

	return now
}

func (r *Reconciler) findTempLocked(clientTempID string) int {
	if clientTempID == "" {
		return -1
	}

	for i := range r.entries {
		if r.entries[i].ClientTempID == clientTempID {
			return i
		}
	}

	return -1
}

// matchPushLocked returns the index of the most recently created Pending
// record that rec echoes, or -1.
func (r *Reconciler) matchPushLocked(rec models.Record, now time.Time) int {
	want := normalize(rec.Content)
	best := -1

	for i, e := range r.entries {
		if !echoes(e, rec, want) {
			continue
		}

		if now.Sub(e.localAt) > r.window {
			continue
		}

		if best < 0 || e.localAt.After(r.entries[best].localAt) {
			best = i
		}
	}

	return best
}

// matchHistory is the history-side variant: fetched records may arrive
// long after the send, so recency is judged by the server timestamp,
// which must not predate the optimistic append by more than window.
func matchHistory(entries []entry, rec models.Record, window time.Duration) int {
	want := normalize(rec.Content)
	best := -1

	for i, e := range entries {
		if !echoes(e, rec, want) {
			continue
		}

		if rec.CreatedAt.Before(e.localAt.Add(-window)) {
			continue
		}

		if best < 0 || e.localAt.After(entries[best].localAt) {
			best = i
		}
	}

	return best
}

func echoes(e entry, rec models.Record, normalizedContent string) bool {
	return e.DeliveryState == models.Pending &&
		e.ID == "" &&
		e.AuthorID == rec.AuthorID &&
		normalize(e.Content) == normalizedContent
}

func promote(e *entry, rec models.Record) {
	e.ID = rec.ID
	e.DeliveryState = models.Confirmed
	e.CreatedAt = rec.CreatedAt
}

func confirmedEntry(scopeID string, rec models.Record, now time.Time) entry {
	rec.ScopeID = scopeID
	rec.ClientTempID = ""
	rec.DeliveryState = models.Confirmed

	return entry{Record: rec, localAt: now}
}

// normalize folds the differences a server round trip may introduce
// (Unicode composition, surrounding whitespace) before comparing content.
func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
