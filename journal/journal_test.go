package journal

import (
	"fmt"
	"testing"
	"time"
)

func TestBoundedNewestFirst(t *testing.T) {
	j := New(0)
	for i := 0; i < 60; i++ {
		j.Add(fmt.Sprintf("entry %d", i))
	}

	got := j.Entries()
	if len(got) != Capacity {
		t.Fatalf("len = %d, want %d", len(got), Capacity)
	}
	for i, e := range got {
		want := fmt.Sprintf("entry %d", 59-i)
		if e.Message != want {
			t.Fatalf("entries[%d] = %q, want %q", i, e.Message, want)
		}
	}
}

func TestPartiallyFilled(t *testing.T) {
	j := New(5)
	j.Add("a")
	j.Add("b")

	got := j.Entries()
	if len(got) != 2 || got[0].Message != "b" || got[1].Message != "a" {
		t.Errorf("got %v, want [b a]", got)
	}
	if j.Len() != 2 {
		t.Errorf("Len() = %d, want 2", j.Len())
	}
}

func TestEntriesIsCopy(t *testing.T) {
	j := New(3)
	j.Add("a")
	got := j.Entries()
	got[0].Message = "mutated"
	if j.Entries()[0].Message != "a" {
		t.Error("Entries must return a copy")
	}
}

func TestEntryString(t *testing.T) {
	e := Entry{Time: time.Date(2024, 1, 1, 9, 5, 7, 0, time.UTC), Message: "connected"}
	if got := e.String(); got != "[09:05:07] connected" {
		t.Errorf("got %q", got)
	}
}

func TestSubscribe(t *testing.T) {
	j := New(0)
	ch, cancel := j.Subscribe()

	j.Add("hello")
	select {
	case e := <-ch:
		if e.Message != "hello" {
			t.Errorf("got %q, want hello", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
	}

	cancel()
	cancel() // idempotent
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	j.Add("after cancel") // must not panic
}
