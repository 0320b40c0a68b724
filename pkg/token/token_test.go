package token

import "testing"

func TestResolve_Precedence(t *testing.T) {
	ctx := &Context{
		Variables:   map[string]string{"NAME": "from-variable"},
		ParamValues: map[string]string{"NAME": "from-param"},
		Reserved:    map[string]string{"NAME": "from-reserved"},
	}
	got, err := Resolve("$(NAME)", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "from-variable" {
		t.Errorf("got %q, want variable to win over param/reserved", got)
	}
}

func TestResolve_ParamLabel(t *testing.T) {
	ctx := &Context{
		ParamLabels: map[string]string{"SIZE": "SIZE.10"},
	}
	got, err := Resolve("out-$(SIZE.label).log", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "out-SIZE.10.log" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_LabelReferencesParameter(t *testing.T) {
	// Labels legally reference parameters; a monotone fixed point resolves
	// the nesting without tie-breaking.
	ctx := &Context{
		Labels:      map[string]string{"OUTFILE": "$(SIZE.label).log"},
		ParamLabels: map[string]string{"SIZE": "SIZE.20"},
	}
	got, err := Resolve("$(OUTFILE)", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "SIZE.20.log" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_StepWorkspace(t *testing.T) {
	ctx := &Context{
		StepWorkspace: func(step string) (string, bool) {
			if step == "preprocess" {
				return "/out/preprocess", true
			}
			return "", false
		},
	}
	got, err := Resolve("$(preprocess.workspace)/in.dat", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/out/preprocess/in.dat" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_Unresolved(t *testing.T) {
	ctx := &Context{}
	_, err := Resolve("$(NOPE)", ctx)
	if err == nil {
		t.Fatal("expected an UnresolvedError")
	}
	if _, ok := err.(*UnresolvedError); !ok {
		t.Errorf("got %T, want *UnresolvedError", err)
	}
}

func TestResolve_LauncherDeferredWhenNil(t *testing.T) {
	ctx := &Context{}
	got, err := Resolve("$(LAUNCHER)[2n,4p] mycmd", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "$(LAUNCHER)[2n,4p] mycmd" {
		t.Errorf("expected LAUNCHER left untouched, got %q", got)
	}
}

func TestResolve_LauncherResolvesWithBracket(t *testing.T) {
	var seen string
	ctx := &Context{
		Launcher: func(bracket string) (string, error) {
			seen = bracket
			return "srun -N2 -n4", nil
		},
	}
	got, err := Resolve("$(LAUNCHER)[2n,4p] mycmd", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seen != "2n,4p" {
		t.Errorf("bracket = %q", seen)
	}
	if got != "srun -N2 -n4 mycmd" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_CycleDetected(t *testing.T) {
	ctx := &Context{
		Variables: map[string]string{"A": "$(B)", "B": "$(A)"},
	}
	_, err := Resolve("$(A)", ctx)
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if _, ok := err.(*CycleError); !ok {
		t.Errorf("got %T, want *CycleError", err)
	}
}

func TestUsedNames(t *testing.T) {
	got := UsedNames("run $(SIZE) with $(ITER.label) into $(step.workspace) using $(LAUNCHER)")
	want := map[string]bool{"SIZE": true, "ITER": true}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for _, n := range got {
		if !want[n] {
			t.Errorf("unexpected name %q in %v", n, got)
		}
	}
}
