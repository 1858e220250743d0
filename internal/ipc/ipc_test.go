package ipc

import "testing"

func newTestPipeRegistry(tb testing.TB) *PipeRegistry {
	tb.Helper()
	woken := make(chan uint64, 16)
	return NewPipeRegistry(nil, func(id uint64) {
		select {
		case woken <- id:
		default:
		}
	})
}

func TestPipeWriteReadOrdering(t *testing.T) {
	r := newTestPipeRegistry(t)
	p, err := r.Create("test:pipe", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, s := range []string{"A", "B", "C"} {
		if _, err := p.Write([]byte(s), true); err != nil {
			t.Fatalf("Write(%q): %v", s, err)
		}
	}

	out := make([]byte, 3)
	n, err := p.Read(out, true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 || string(out) != "ABC" {
		t.Fatalf("Read = %q (n=%d), want ABC", out, n)
	}
}

func TestPipeCapacityInvariant(t *testing.T) {
	r := newTestPipeRegistry(t)
	p, _ := r.Create("test:bounded", 4)

	n, err := p.Write([]byte("12345"), true)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n > p.Capacity {
		t.Fatalf("wrote %d bytes into a %d-byte pipe", n, p.Capacity)
	}
	if b := p.Buffered(); b < 0 || b > p.Capacity {
		t.Fatalf("Buffered() = %d, want in [0, %d]", b, p.Capacity)
	}
}

func TestPipeCreateDuplicateNameFails(t *testing.T) {
	r := newTestPipeRegistry(t)
	if _, err := r.Create("dup", 0); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := r.Create("dup", 0); err == nil {
		t.Fatalf("second Create with duplicate name succeeded, want Exists error")
	}
}

func TestShmRefcountAndRelease(t *testing.T) {
	reg := NewShmRegistry(nil)
	seg, err := reg.Create(1, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if seg.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", seg.Refcount())
	}
	if _, err := reg.Map(seg.ID, 2); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if seg.Refcount() != 2 {
		t.Fatalf("refcount after Map = %d, want 2", seg.Refcount())
	}
	reg.Unmap(seg.ID, 1)
	if seg.Refcount() != 1 {
		t.Fatalf("refcount after Unmap = %d, want 1", seg.Refcount())
	}
	reg.Unmap(seg.ID, 2)
	if _, ok := reg.Lookup(seg.ID); ok {
		t.Fatalf("segment still present after refcount hit 0")
	}
}

func TestShmCreateZeroSizeFails(t *testing.T) {
	reg := NewShmRegistry(nil)
	if _, err := reg.Create(1, 0); err == nil {
		t.Fatalf("Create(size=0) succeeded, want InvalidArgument")
	}
}

func TestMessageQueueSendRecv(t *testing.T) {
	reg := NewMsgQRegistry()
	q := reg.Create(2)
	if err := q.Send(1, 7, []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := q.Send(1, 7, []byte("again")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := q.Send(1, 7, []byte("overflow")); err == nil {
		t.Fatalf("Send on full queue succeeded, want QuotaExceeded")
	}
	m, ok := q.Recv()
	if !ok || string(m.Payload) != "hi" {
		t.Fatalf("Recv = %+v, ok=%v, want payload hi", m, ok)
	}
}

func TestEventChannelPerPublisherOrdering(t *testing.T) {
	reg := NewEventChanRegistry()
	ch := reg.Open("compositor:events")
	sub := reg.NewSubscriberID()
	ch.Subscribe(sub, 0)

	ch.Emit([]byte("first"))
	ch.Emit([]byte("second"))

	ev1, ok := ch.Poll(sub)
	if !ok || string(ev1.Payload) != "first" {
		t.Fatalf("Poll 1 = %+v, ok=%v", ev1, ok)
	}
	ev2, ok := ch.Poll(sub)
	if !ok || string(ev2.Payload) != "second" {
		t.Fatalf("Poll 2 = %+v, ok=%v", ev2, ok)
	}
	if ev2.Seq <= ev1.Seq {
		t.Fatalf("sequence not increasing: %d then %d", ev1.Seq, ev2.Seq)
	}
}

func TestEventChannelDropsOldestOnOverflow(t *testing.T) {
	reg := NewEventChanRegistry()
	ch := reg.Open("sys:cpu_load")
	sub := reg.NewSubscriberID()
	ch.Subscribe(sub, 2)

	ch.Emit([]byte("a"))
	ch.Emit([]byte("b"))
	ch.Emit([]byte("c"))

	ev, ok := ch.Poll(sub)
	if !ok || string(ev.Payload) != "b" {
		t.Fatalf("Poll after overflow = %+v, ok=%v, want b (a dropped)", ev, ok)
	}
}

func TestEventChannelReleaseSubscriptions(t *testing.T) {
	reg := NewEventChanRegistry()
	ch := reg.Open("topic")
	sub := reg.NewSubscriberID()
	ch.Subscribe(sub, 0)
	reg.ReleaseSubscriptions(sub)
	ch.Emit([]byte("x"))
	if _, ok := ch.Poll(sub); ok {
		t.Fatalf("Poll succeeded after ReleaseSubscriptions, want unsubscribed")
	}
}
