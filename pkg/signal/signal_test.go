package signal

import "testing"

func TestSetBits(t *testing.T) {
	var s Set
	s = s.Add(SIGUSR1)
	if !s.Has(SIGUSR1) {
		t.Fatal("expected SIGUSR1 set")
	}
	if s.Has(SIGUSR2) {
		t.Fatal("SIGUSR2 should not be set")
	}
	s = s.Clear(SIGUSR1)
	if s.Has(SIGUSR1) {
		t.Fatal("expected SIGUSR1 cleared")
	}
}

func TestLowestAscending(t *testing.T) {
	pending := Set(0).Add(SIGTERM).Add(SIGINT).Add(SIGUSR1)
	if got := Lowest(pending, 0); got != SIGINT {
		t.Fatalf("lowest = %d, want SIGINT", got)
	}
	// Masking SIGINT should surface SIGUSR1 (10) next, before SIGTERM (15).
	masked := Lowest(pending, bit(SIGINT))
	if masked != SIGUSR1 {
		t.Fatalf("lowest after masking SIGINT = %d, want SIGUSR1", masked)
	}
}

func TestDefaultDisposition(t *testing.T) {
	cases := map[int]Disposition{
		SIGCHLD: DispIgnore,
		SIGSTOP: DispStop,
		SIGCONT: DispContinue,
		SIGKILL: DispTerminate,
		SIGSEGV: DispTerminate,
	}
	for signo, want := range cases {
		if got := DefaultDisposition(signo); got != want {
			t.Errorf("DefaultDisposition(%d) = %v, want %v", signo, got, want)
		}
	}
}

func TestSigactionResetNonIgnored(t *testing.T) {
	tbl := NewTable()
	tbl.Set(SIGUSR1, Action{Handler: 0x4000})
	tbl.Set(SIGUSR2, Action{Handler: SIG_IGN})
	tbl.ResetNonIgnored()
	if got := tbl.Get(SIGUSR1).Handler; got != SIG_DFL {
		t.Fatalf("SIGUSR1 handler = %#x, want SIG_DFL", got)
	}
	if got := tbl.Get(SIGUSR2).Handler; got != SIG_IGN {
		t.Fatalf("SIGUSR2 handler = %#x, want SIG_IGN (preserved)", got)
	}
}

func TestStateRaiseConsumeRoundTrip(t *testing.T) {
	s := &State{}
	s.Raise(SIGUSR1)
	s.Raise(SIGTERM)
	if got := s.Deliverable(); got != SIGUSR1 {
		t.Fatalf("deliverable = %d, want SIGUSR1", got)
	}
	s.Consume(SIGUSR1)
	if got := s.Deliverable(); got != SIGTERM {
		t.Fatalf("deliverable after consume = %d, want SIGTERM", got)
	}
	if len(s.Queue) != 1 || s.Queue[0] != SIGTERM {
		t.Fatalf("queue = %v, want [SIGTERM]", s.Queue)
	}
}

func TestHandlerBeginEndRoundTrip(t *testing.T) {
	s := &State{Mask: bit(SIGINT)}
	frame := "trapframe-snapshot"
	if !s.BeginHandler(SIGUSR1, frame) {
		t.Fatal("BeginHandler should succeed when idle")
	}
	if s.BeginHandler(SIGUSR2, "other") {
		t.Fatal("BeginHandler should refuse to nest")
	}
	s.SetMask(bit(SIGINT) | bit(SIGUSR1))
	got, ok := s.EndHandler()
	if !ok {
		t.Fatal("EndHandler should succeed")
	}
	if got != frame {
		t.Fatalf("restored frame = %v, want %v", got, frame)
	}
	if s.GetMask() != bit(SIGINT) {
		t.Fatalf("restored mask = %b, want original mask", s.GetMask())
	}
}

func TestKillAndFrozen(t *testing.T) {
	s := &State{}
	if s.IsKilled() || s.IsFrozen() {
		t.Fatal("new state should not be killed or frozen")
	}
	s.Kill()
	s.SetFrozen(true)
	if !s.IsKilled() || !s.IsFrozen() {
		t.Fatal("expected killed and frozen flags set")
	}
}
