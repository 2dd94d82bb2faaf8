package validate

import (
	"strings"
	"testing"
)

type sample struct {
	Name  string  `json:"name" validate:"required"`
	Usage float64 `json:"usage_pct" validate:"gte=0,lte=100"`
	Inner *inner  `json:"inner"`
}

type inner struct {
	Port int `json:"port" validate:"min=1,max=65535"`
}

func TestStructMessage(t *testing.T) {
	err := Struct(sample{Usage: 120, Inner: &inner{Port: 0}})
	if err == nil {
		t.Fatal("expected validation error")
	}

	msg := Message(err)
	for _, want := range []string{"name failed required", "usage_pct failed lte=100", "inner.port failed min=1"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}

	first, ok := First(err)
	if !ok || first.StructField() != "Name" {
		t.Fatalf("got first error %v", first)
	}
}

func TestStructNilNested(t *testing.T) {
	if err := Struct(sample{Name: "ok", Usage: 50}); err != nil {
		t.Fatalf("nil nested struct should be skipped, got %v", err)
	}
}

func TestVar(t *testing.T) {
	if err := Var("ws", "oneof=tcp ws"); err != nil {
		t.Fatal(err)
	}
	if err := Var("udp", "oneof=tcp ws"); err == nil {
		t.Fatal("expected oneof failure")
	}
	if _, ok := First(Var("udp", "oneof=tcp ws")); !ok {
		t.Fatal("expected a field error")
	}
}
