package envelope

import "testing"

func TestArgsRoundTrip(t *testing.T) {
	e := New("TestClass", "__create__", "s1", "1")
	e.SetArg(1, "alice")
	e.SetArg(2, 42.0)

	args := e.Args()
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d: %+v", len(args), args)
	}
	if args[0] != "alice" || args[1] != 42.0 {
		t.Fatalf("unexpected args: %+v", args)
	}
}

func TestResultAndErrorAreExclusive(t *testing.T) {
	e := New("X", "hasEntry", "s1", "2")
	e.SetResult(false)
	if !e.HasResult() || e.HasError() {
		t.Fatalf("expected only result set, got data=%+v", e.Data)
	}

	e.SetError("Could not find function: %s", "not_there")
	if e.HasResult() {
		t.Fatalf("SetError should clear a prior result, got data=%+v", e.Data)
	}
	if e.Error() != "Could not find function: not_there" {
		t.Fatalf("unexpected error string: %q", e.Error())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	e := New("TestClass", "__createNamed__", "s2", "")
	e.SetArg(1, "alice")
	e.SetResult("alice")

	raw, err := e.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	parsed, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if parsed.Context != e.Context || parsed.Method != e.Method || parsed.Sender != e.Sender {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, e)
	}
	if parsed.Result() != "alice" {
		t.Fatalf("expected result alice, got %v", parsed.Result())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e := New("X", "__callAll__", "s1", "")
	e.SetArg(1, "hello")

	clone := e.Clone()
	clone.SetArg(1, "changed")
	clone.SetResult("done")

	if v, _ := e.Arg(1); v != "hello" {
		t.Fatalf("original envelope mutated by clone: %+v", e.Data)
	}
	if e.HasResult() {
		t.Fatalf("original envelope should not have a result from the clone's dispatch")
	}
}

func TestCallbackAndPromiseTags(t *testing.T) {
	id, ok := IsCallbackTag("__f__cb-1")
	if !ok || id != "cb-1" {
		t.Fatalf("expected callback tag cb-1, got %q ok=%v", id, ok)
	}
	if _, ok := IsCallbackTag("not-a-tag"); ok {
		t.Fatalf("expected non-tag string to not match")
	}
	if _, ok := IsPromiseTag("__f__cb-1"); ok {
		t.Fatalf("callback tag should not match promise prefix")
	}

	tag := PromiseTag(7)
	pid, ok := IsPromiseTag(tag)
	if !ok || pid != "7" {
		t.Fatalf("expected promise tag 7, got %q ok=%v", pid, ok)
	}
}
