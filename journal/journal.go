// Package journal keeps a bounded, time-ordered record of lifecycle events
// for display and diagnostics.
package journal

import (
	"fmt"
	"sync"
	"time"

	"glasslink/log"
)

// Capacity is the number of entries a journal created with New(0) retains.
const Capacity = 50

type Entry struct {
	Time    time.Time
	Message string
}

// String renders the entry the way the activity view shows it.
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Message)
}

// Journal is a fixed-capacity ring. When full, Add evicts the oldest entry.
// All methods are safe for concurrent use.
type Journal struct {
	mu    sync.Mutex
	buf   []Entry
	head  int
	count int
	subs  map[chan Entry]struct{}
	now   func() time.Time
}

func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Journal{
		buf:  make([]Entry, capacity),
		subs: make(map[chan Entry]struct{}),
		now:  time.Now,
	}
}

func (j *Journal) Add(msg string) {
	e := Entry{Time: j.now(), Message: msg}

	j.mu.Lock()
	idx := (j.head + j.count) % len(j.buf)
	j.buf[idx] = e
	if j.count == len(j.buf) {
		j.head = (j.head + 1) % len(j.buf)
	} else {
		j.count++
	}
	for ch := range j.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
	j.mu.Unlock()

	log.Journal(msg)
}

func (j *Journal) Addf(format string, args ...any) {
	j.Add(fmt.Sprintf(format, args...))
}

// Entries returns a copy of the retained entries, newest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, j.count)
	for i := 0; i < j.count; i++ {
		out[i] = j.buf[(j.head+j.count-1-i)%len(j.buf)]
	}
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Subscribe delivers entries added after the call. cancel closes the channel.
func (j *Journal) Subscribe() (ch <-chan Entry, cancel func()) {
	c := make(chan Entry, 64)

	j.mu.Lock()
	j.subs[c] = struct{}{}
	j.mu.Unlock()

	cancel = func() {
		j.mu.Lock()
		if _, ok := j.subs[c]; ok {
			delete(j.subs, c)
			close(c)
		}
		j.mu.Unlock()
	}
	return c, cancel
}
