package cpulocal

import (
	"sync"
	"testing"
)

func TestLocalGetSetTake(t *testing.T) {
	var l Local[int]

	if _, ok := l.Get(0); ok {
		t.Fatal("expected Get on an unset slot to report false")
	}

	l.Set(0, 42)
	if v, ok := l.Get(0); !ok || v != 42 {
		t.Fatalf("Get(0) = %d, %t; want 42, true", v, ok)
	}

	v, ok := l.Take(0)
	if !ok || v != 42 {
		t.Fatalf("Take(0) = %d, %t; want 42, true", v, ok)
	}
	if _, ok := l.Get(0); ok {
		t.Fatal("expected Get after Take to report false")
	}
}

// TestLocalPerCPUIsolation verifies each CPU id only ever observes values
// written to its own slot.
func TestLocalPerCPUIsolation(t *testing.T) {
	var l Local[int]
	l.Grow(8)

	var wg sync.WaitGroup
	for cpu := 0; cpu < 8; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			l.Set(cpu, cpu*10)
		}(cpu)
	}
	wg.Wait()

	for cpu := 0; cpu < 8; cpu++ {
		v, ok := l.Get(cpu)
		if !ok || v != cpu*10 {
			t.Fatalf("cpu %d: Get() = %d, %t; want %d, true", cpu, v, ok, cpu*10)
		}
	}
}

func TestLocalGrowPreservesExistingValues(t *testing.T) {
	var l Local[string]
	l.Set(1, "b")

	l.Grow(4)

	if v, ok := l.Get(1); !ok || v != "b" {
		t.Fatalf("Get(1) after Grow = %q, %t; want \"b\", true", v, ok)
	}
}
