package transport

import (
	"net"
	"testing"
	"time"

	"github.com/akrobe/traffic-twin/internal/ids"
	"github.com/akrobe/traffic-twin/internal/timing"
	"github.com/akrobe/traffic-twin/internal/wire"
)

func TestLinkFrameSendRecv(t *testing.T) {
	a, b := Pipe(0, 1, ids.TagFeat, 4)
	defer a.Close()

	go func() {
		_ = a.SendFrame(wire.TickFrame{TickID: 5, Count: 2, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	}()
	f, err := b.RecvFrame()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f.TickID != 5 || f.Count != 2 {
		t.Fatalf("frame mismatch: %+v", f)
	}
}

func TestLinkRejectsWrongTag(t *testing.T) {
	ca, cb := net.Pipe()
	sender := NewLink(1, ids.TagFeat, ca, 4)
	receiver := NewLink(0, ids.TagPred, cb, 4)
	defer sender.Close()
	defer receiver.Close()

	go func() { _ = sender.SendFrame(wire.TickFrame{TickID: 1, Count: 0}) }()
	if _, err := receiver.RecvFrame(); err == nil {
		t.Fatal("expected tag mismatch error")
	}
}

func TestFrameInboxTryRecv(t *testing.T) {
	a, b := Pipe(0, 1, ids.TagPred, 4)
	defer a.Close()
	inbox := NewFrameInbox(b)

	if _, ok := inbox.TryRecv(); ok {
		t.Fatal("TryRecv on idle inbox must miss")
	}
	go func() { _ = a.SendFrame(wire.TickFrame{TickID: 9, Count: 0}) }()

	deadline := time.Now().Add(time.Second)
	for {
		if f, ok := inbox.TryRecv(); ok {
			if f.TickID != 9 {
				t.Fatalf("tick mismatch: %d", f.TickID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never arrived")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLevelInboxDrainAll(t *testing.T) {
	a, b := Pipe(0, 1, ids.TagBP, 0)
	defer a.Close()
	inbox := NewLevelInbox(b)

	for _, lvl := range []int32{1, 3, 2} {
		if err := a.SendLevel(lvl); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var got []int32
	deadline := time.Now().Add(time.Second)
	for len(got) < 3 {
		got = append(got, inbox.DrainAll()...)
		if time.Now().After(deadline) {
			t.Fatalf("drained only %v", got)
		}
		time.Sleep(time.Millisecond)
	}
	if got[0] != 1 || got[1] != 3 || got[2] != 2 {
		t.Fatalf("order violated: %v", got)
	}
	if extra := inbox.DrainAll(); len(extra) != 0 {
		t.Fatalf("second drain must be empty, got %v", extra)
	}
}

func TestHandshake(t *testing.T) {
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	go func() { _ = AnnounceHandshake(ca, 3, ids.TagBP) }()
	rank, tag, err := ReadHandshake(cb)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if rank != 3 || tag != ids.TagBP {
		t.Fatalf("handshake mismatch: rank=%d tag=%s", rank, tag)
	}
}

func TestListenerDemultiplexesByHandshake(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	clk := timing.RealClock{}
	go func() {
		l, err := DialHandshakeRetry(clk, 2000, 2, 0, ids.TagPred, ln.Addr(), 4)
		if err == nil {
			defer l.Close()
			_ = l.SendFrame(wire.TickFrame{TickID: 1, Count: 0})
		}
	}()

	conn, rank, tag, err := ln.AcceptHandshake()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if rank != 2 || tag != ids.TagPred {
		t.Fatalf("handshake mismatch: rank=%d tag=%s", rank, tag)
	}
	link := Accept(rank, ids.TagPred, conn, 4)
	defer link.Close()
	f, err := link.RecvFrame()
	if err != nil || f.TickID != 1 {
		t.Fatalf("frame over tcp: %v %+v", err, f)
	}
}

func TestPollUntilDeadline(t *testing.T) {
	clk := timing.NewFakeClock(time.UnixMilli(0))
	calls := 0
	ok := PollUntil(clk, 10, func() bool {
		calls++
		return false
	})
	if ok {
		t.Fatal("try never succeeds; PollUntil must report false")
	}
	if timing.NowMS(clk) < 10 {
		t.Fatalf("clock must reach the deadline, at %d", timing.NowMS(clk))
	}
	if calls < 2 {
		t.Fatalf("expected repeated polls, got %d", calls)
	}
}

func TestPollUntilSucceeds(t *testing.T) {
	clk := timing.NewFakeClock(time.UnixMilli(0))
	n := 0
	ok := PollUntil(clk, 100, func() bool {
		n++
		return n >= 3
	})
	if !ok {
		t.Fatal("expected success")
	}
	if got := timing.NowMS(clk); got != 2 {
		t.Fatalf("expected success after two 1ms backoffs, clock at %d", got)
	}
}
