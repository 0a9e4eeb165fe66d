package supervisor

import (
	"testing"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/profile"
)

func TestRunResultExitCode(t *testing.T) {
	cases := []struct {
		state RunState
		want  int
	}{
		{RunStateStopped, 0},
		{RunStateFatal, 1},
		{RunState("unknown"), 1},
	}
	for _, c := range cases {
		got := RunResult{State: c.state}.ExitCode()
		if got != c.want {
			t.Errorf("RunResult{State: %q}.ExitCode() = %d, want %d", c.state, got, c.want)
		}
	}
}

func TestMinDuration(t *testing.T) {
	if got := minDuration(2*time.Second, 5*time.Second); got != 2*time.Second {
		t.Fatalf("minDuration(2s, 5s) = %v, want 2s", got)
	}
	if got := minDuration(5*time.Second, 2*time.Second); got != 2*time.Second {
		t.Fatalf("minDuration(5s, 2s) = %v, want 2s", got)
	}
	if got := minDuration(-time.Second, time.Second); got != -time.Second {
		t.Fatalf("minDuration(-1s, 1s) = %v, want -1s (overdue deadlines stay negative, caller floors the sleep)", got)
	}
}

func TestConfigRecurringPollIntervalDefault(t *testing.T) {
	rt := &AgentRuntime{cfg: Config{}}
	if got := rt.recurringPollInterval(); got != 30*time.Second {
		t.Fatalf("recurringPollInterval() default = %v, want 30s", got)
	}

	rt = &AgentRuntime{cfg: Config{RecurringPollInterval: 5 * time.Second}}
	if got := rt.recurringPollInterval(); got != 5*time.Second {
		t.Fatalf("recurringPollInterval() override = %v, want 5s", got)
	}
}

func TestToSet(t *testing.T) {
	if got := toSet(nil); got != nil {
		t.Fatalf("toSet(nil) = %v, want nil (preserve allow-all-vs-allow-none default)", got)
	}
	if got := toSet([]string{}); got != nil {
		t.Fatalf("toSet(empty) = %v, want nil", got)
	}
	got := toSet([]string{"a", "b", "a"})
	if len(got) != 2 || !got["a"] || !got["b"] {
		t.Fatalf("toSet = %v, want set{a,b}", got)
	}
}

func TestIdentityValueOmitsBlankFields(t *testing.T) {
	v := identityValue(profile.Identity{Name: "Rex"})
	if name, _ := v.Get("name").AsText(); name != "Rex" {
		t.Fatalf("name = %q, want Rex", name)
	}
	if !v.Get("creature").IsNull() {
		t.Fatal("blank creature must not be set on the identity object")
	}
	if !v.Get("vibe").IsNull() {
		t.Fatal("blank vibe must not be set on the identity object")
	}
	if !v.Get("emoji").IsNull() {
		t.Fatal("blank emoji must not be set on the identity object")
	}

	full := identityValue(profile.Identity{Name: "Rex", Creature: "dog", Vibe: "eager", Emoji: "🐕"})
	if creature, _ := full.Get("creature").AsText(); creature != "dog" {
		t.Fatalf("creature = %q, want dog", creature)
	}
	if vibe, _ := full.Get("vibe").AsText(); vibe != "eager" {
		t.Fatalf("vibe = %q, want eager", vibe)
	}
	if emoji, _ := full.Get("emoji").AsText(); emoji != "🐕" {
		t.Fatalf("emoji = %q, want dog emoji", emoji)
	}
}

func TestRecoverIntoSwallowsPanics(t *testing.T) {
	rt := &AgentRuntime{errSink: nil}

	func() {
		defer rt.recoverInto("supervisor.test")
		panic("boom")
	}()
	// Reaching here means the panic was recovered and never crashed the
	// test process, mirroring the error-barrier guarantee every scheduled
	// tick relies on.
}

func TestStopIsIdempotent(t *testing.T) {
	rt := &AgentRuntime{stopCh: make(chan struct{})}
	rt.Stop()
	rt.Stop() // must not panic on double-close

	select {
	case <-rt.stopCh:
	default:
		t.Fatal("stopCh should be closed after Stop")
	}
}
