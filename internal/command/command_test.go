package command

import "testing"

func TestTargetValid(t *testing.T) {
	for _, tgt := range Targets {
		if !tgt.Valid() {
			t.Errorf("%s should be valid", tgt)
		}
	}
	if Target("kernel").Valid() {
		t.Error("unknown target reported valid")
	}
}

func TestExpectsResults(t *testing.T) {
	out := &StructuredOutput{Commands: []Command{
		{ID: "c1", Target: TargetMessageBus},
		{ID: "c2", Target: TargetTool, ExpectsResult: true},
	}}
	if !out.HasCommands() || !out.ExpectsResults() {
		t.Fatal("expected commands that want results")
	}
	out.Commands = out.Commands[:1]
	if out.ExpectsResults() {
		t.Error("fire-and-forget command does not expect a result")
	}
	if got := out.Commands[0].String(); got != "message_bus(c1)" {
		t.Errorf("String() = %q", got)
	}
	if (Result{Status: StatusTimeout}).OK() {
		t.Error("timeout is not OK")
	}
}
