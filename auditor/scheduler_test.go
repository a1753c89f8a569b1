package auditor

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestScheduler_InlineReturnsFinishedRecord(t *testing.T) {
	svc, up := newTestService(t)
	sched := NewScheduler(svc, true, zerolog.Nop())
	path := writeTempFile(t, t.TempDir(), "inline.pdf", "x")

	rec := svc.RegisterPending(path, "inline.pdf", "s1", KindReference)
	rec = sched.Schedule("s1", rec)

	if rec.Status != StatusUploaded {
		t.Fatalf("inline schedule must finish the upload, got %s", rec.Status)
	}
	if up.Calls() != 1 {
		t.Fatalf("expected exactly one upload, got %d", up.Calls())
	}
}

func TestScheduler_DeferredUploadsInBackground(t *testing.T) {
	svc, up := newTestService(t)
	sched := NewScheduler(svc, false, zerolog.Nop())
	path := writeTempFile(t, t.TempDir(), "bg.pdf", "x")

	rec := svc.RegisterPending(path, "bg.pdf", "s1", KindTarget)
	returned := sched.Schedule("s1", rec)
	if returned.Status != StatusPending {
		t.Fatalf("deferred schedule must return immediately, got %s", returned.Status)
	}

	sched.Drain()
	if up.Calls() != 1 {
		t.Fatalf("expected exactly one upload, got %d", up.Calls())
	}
	sess := svc.SessionDetails("s1")
	if len(sess.Target) != 1 || sess.Target[0].Status != StatusUploaded {
		t.Fatalf("expected persisted uploaded record, got %+v", sess.Target)
	}

	// The drain wait observes the background completion.
	if err := svc.WaitForUploads(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
}

func TestScheduler_SkipsTerminalRecords(t *testing.T) {
	svc, up := newTestService(t)
	sched := NewScheduler(svc, true, zerolog.Nop())

	rec := FileRecord{Name: "cached.pdf", URI: "files/cached", Kind: KindReference, Status: StatusUploaded}
	out := sched.Schedule("s1", rec)
	if out != rec {
		t.Fatalf("terminal record must pass through untouched, got %+v", out)
	}
	if up.Calls() != 0 {
		t.Fatalf("expected no upload for a cache hit, got %d", up.Calls())
	}
}
