package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name: name,
		Args: map[string]string{"text": "string"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprint(args["text"]), nil
		},
	}
}

func TestRegistry_CatalogueOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool("zeta"))
	r.Register(echoTool("alpha"))
	r.Register(echoTool("zeta"))

	cat := r.Catalogue()
	if len(cat) != 2 {
		t.Fatalf("len(Catalogue) = %d, want 2", len(cat))
	}
	if cat[0].Name != "zeta" || cat[1].Name != "alpha" {
		t.Errorf("Catalogue order = [%s %s], want [zeta alpha]", cat[0].Name, cat[1].Name)
	}
	if names := r.Names(); names[0] != "alpha" {
		t.Errorf("Names()[0] = %q, want alpha", names[0])
	}
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), "missing", nil)

	var unknown *ErrUnknownTool
	if !errors.As(err, &unknown) {
		t.Fatalf("Execute error = %v, want *ErrUnknownTool", err)
	}
	if unknown.Name != "missing" {
		t.Errorf("Name = %q, want missing", unknown.Name)
	}

	wrapped := fmt.Errorf("turn: %w", err)
	if !errors.As(wrapped, &unknown) {
		t.Error("errors.As should match a wrapped *ErrUnknownTool")
	}
}

func TestRegistry_ExecuteHook(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool("echo"))

	var seen string
	r.SetHook(func(tool *Tool, _ time.Duration, err error) {
		seen = tool.Name
		if err != nil {
			t.Errorf("hook err = %v", err)
		}
	})

	out, err := r.Execute(context.Background(), "echo", map[string]any{"text": "namaste"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "namaste" {
		t.Errorf("out = %q, want namaste", out)
	}
	if seen != "echo" {
		t.Errorf("hook saw %q, want echo", seen)
	}
}

func TestOutcome(t *testing.T) {
	if got := Outcome("", errors.New("boom")); got["error"] != "boom" {
		t.Errorf("error outcome = %v", got)
	}
	if got := Outcome(`{"ndvi": 0.7}`, nil); got["ndvi"] != 0.7 {
		t.Errorf("object outcome = %v", got)
	}
	if got := Outcome("0.52", nil); got["result"] != "0.52" {
		t.Errorf("scalar outcome = %v", got)
	}
	if got := Outcome("{not json", nil); got["result"] != "{not json" {
		t.Errorf("broken object outcome = %v", got)
	}
}

func TestArgFloat(t *testing.T) {
	args := map[string]any{"a": 18.5, "b": " 73.8 ", "c": "north", "d": 3}
	if v, ok := ArgFloat(args, "a"); !ok || v != 18.5 {
		t.Errorf("a = %v, %v", v, ok)
	}
	if v, ok := ArgFloat(args, "b"); !ok || v != 73.8 {
		t.Errorf("b = %v, %v", v, ok)
	}
	if _, ok := ArgFloat(args, "c"); ok {
		t.Error("c should not parse")
	}
	if v, ok := ArgFloat(args, "d"); !ok || v != 3 {
		t.Errorf("d = %v, %v", v, ok)
	}
	if _, ok := ArgFloat(args, "missing"); ok {
		t.Error("missing should not parse")
	}
}

func TestContextValues(t *testing.T) {
	ctx := WithTurnID(context.Background(), "turn-1")
	ctx = WithHints(ctx, map[string]string{"lat": "18.5"})
	if got := TurnIDFromContext(ctx); got != "turn-1" {
		t.Errorf("TurnID = %q", got)
	}
	if got := HintsFromContext(ctx)["lat"]; got != "18.5" {
		t.Errorf("hint lat = %q", got)
	}
	if WithHints(ctx, nil) != ctx {
		t.Error("nil hints should return ctx unchanged")
	}
	if HintsFromContext(context.Background()) != nil {
		t.Error("empty ctx should have nil hints")
	}
}
