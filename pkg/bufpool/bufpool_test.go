package bufpool

import "testing"

func TestGet_SmallestFittingClass(t *testing.T) {
	p := New(128, 1024, 4096)

	cases := []struct {
		size    int
		wantCap int
	}{
		{1, 128},
		{128, 128},
		{129, 1024},
		{1024, 1024},
		{4096, 4096},
	}
	for _, c := range cases {
		region := p.Get(c.size)
		if len(region) != c.size {
			t.Errorf("Get(%d) len = %d", c.size, len(region))
		}
		if cap(region) != c.wantCap {
			t.Errorf("Get(%d) cap = %d, want %d", c.size, cap(region), c.wantCap)
		}
		p.Put(region)
	}
}

func TestGet_AboveLadderNotRecycled(t *testing.T) {
	p := New(128, 1024)

	region := p.Get(2048)
	if len(region) != 2048 {
		t.Errorf("oversized Get len = %d", len(region))
	}
	if cap(region) != 2048 {
		t.Errorf("oversized Get cap = %d, want exact", cap(region))
	}
	p.Put(region) // must be a no-op, not a panic
}

func TestNew_SortsAndDeduplicates(t *testing.T) {
	p := New(4096, 128, 4096, 0, -5, 1024)

	if len(p.classes) != 3 {
		t.Fatalf("expected 3 classes, got %d", len(p.classes))
	}
	for i, want := range []int{128, 1024, 4096} {
		if p.classes[i].size != want {
			t.Errorf("class %d size = %d, want %d", i, p.classes[i].size, want)
		}
	}
}

func TestNew_DefaultLadder(t *testing.T) {
	p := New()

	region := p.Get(1 << 20)
	if cap(region) != 1<<20 {
		t.Errorf("expected the 1MB class, got cap %d", cap(region))
	}
	p.Put(region)
}

func TestPut_NilIgnored(t *testing.T) {
	p := New(128)
	p.Put(nil)
}

func TestReuse_RegionShape(t *testing.T) {
	p := New(128)

	region := p.Get(100)
	region[0] = 0xAA
	p.Put(region)

	// A recycled region keeps its old bytes; callers must not rely on zeroes.
	again := p.Get(100)
	if len(again) != 100 || cap(again) != 128 {
		t.Errorf("unexpected region shape: len=%d cap=%d", len(again), cap(again))
	}
	p.Put(again)
}
