package cache

import (
	"bytes"
	"fmt"
	"testing"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(3, 0)
	for i := 0; i < 3; i++ {
		c.Set(Item{Key: fmt.Sprintf("k%d", i), Size: 1})
	}
	c.Set(Item{Key: "k3", Size: 1})

	if _, ok := c.Peek("k0"); ok {
		t.Fatal("expected k0 to be evicted")
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if _, ok := c.Peek(k); !ok {
			t.Fatalf("expected %s to survive", k)
		}
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", s.Evictions)
	}
}

func TestLRUTouchPreventsEviction(t *testing.T) {
	c := NewLRU(3, 0)
	for i := 0; i < 3; i++ {
		c.Set(Item{Key: fmt.Sprintf("k%d", i), Size: 1})
	}
	if _, ok := c.Get("k0", 0); !ok {
		t.Fatal("expected k0 hit")
	}
	c.Set(Item{Key: "k3", Size: 1})

	if _, ok := c.Peek("k0"); !ok {
		t.Fatal("expected touched k0 to survive")
	}
	if _, ok := c.Peek("k1"); ok {
		t.Fatal("expected k1 to be evicted instead")
	}
}

func TestLRUByteCeiling(t *testing.T) {
	c := NewLRU(0, 100)
	for i := 0; i < 10; i++ {
		c.Set(Item{Key: fmt.Sprintf("k%d", i), Size: 30})
		if b := c.Bytes(); b > 100 {
			t.Fatalf("usage %d exceeded ceiling after insert %d", b, i)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 entries of 30 bytes, got %d", c.Len())
	}
	if keys := c.Keys(); keys[0] != "k9" || keys[2] != "k7" {
		t.Fatalf("expected newest entries k9..k7, got %v", keys)
	}

	if c.Set(Item{Key: "huge", Size: 101}) {
		t.Fatal("expected oversized item to be rejected")
	}
	if c.Len() != 3 {
		t.Fatal("expected rejection to leave cache intact")
	}
}

func TestLRUReplaceAdjustsBytes(t *testing.T) {
	c := NewLRU(10, 100)
	c.Set(Item{Key: "a", Size: 40})
	c.Set(Item{Key: "a", Size: 10})
	if c.Bytes() != 10 || c.Len() != 1 {
		t.Fatalf("expected 1 entry of 10 bytes, got %d entries / %d bytes", c.Len(), c.Bytes())
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU(10, 0)
	c.Set(Item{Key: "a", Size: 1, ExpiresAt: 1000})
	c.Set(Item{Key: "b", Size: 1})

	if _, ok := c.Get("a", 999); !ok {
		t.Fatal("expected a before expiry")
	}
	if _, ok := c.Get("a", 1000); ok {
		t.Fatal("expected a to expire")
	}
	c.Set(Item{Key: "c", Size: 1, ExpiresAt: 10})
	if n := c.PruneExpired(50); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("expected 1 hit / 1 miss, got %d / %d", s.Hits, s.Misses)
	}
}

func TestLRUOnEvict(t *testing.T) {
	c := NewLRU(1, 0)
	var evicted []string
	c.OnEvict(func(it Item) { evicted = append(evicted, it.Key) })
	c.Set(Item{Key: "a", Size: 1})
	c.Set(Item{Key: "b", Size: 1})
	c.Delete("b")
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected only capacity eviction of a, got %v", evicted)
	}
}

func TestPoolReuse(t *testing.T) {
	p := NewPool(2, func() *bytes.Buffer { return new(bytes.Buffer) }, func(b *bytes.Buffer) *bytes.Buffer {
		b.Reset()
		return b
	})

	b := p.Get()
	b.WriteString("dirty")
	p.Put(b)

	again := p.Get()
	if again.Len() != 0 {
		t.Fatal("expected reset buffer")
	}
	if s := p.Stats(); s.Hits != 1 || s.Misses != 1 || s.ReuseRate != 0.5 {
		t.Fatalf("expected 1 hit / 1 miss / 0.5, got %+v", s)
	}

	p.Put(new(bytes.Buffer))
	p.Put(new(bytes.Buffer))
	p.Put(new(bytes.Buffer))
	if s := p.Stats(); s.Idle != 2 || s.Dropped != 1 {
		t.Fatalf("expected 2 idle and 1 dropped, got %+v", s)
	}
}

func TestPoolWarm(t *testing.T) {
	allocs := 0
	p := NewPool(3, func() int { allocs++; return allocs }, nil)
	p.Warm()

	if s := p.Stats(); s.Idle != 3 || s.Misses != 0 {
		t.Fatalf("expected 3 idle and no misses, got %+v", s)
	}
	for i := 0; i < 3; i++ {
		p.Get()
	}
	if s := p.Stats(); s.Hits != 3 || s.ReuseRate != 1 {
		t.Fatalf("expected warm gets to be hits, got %+v", s)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte(`{"phase":"analysis","ok":true},`), 1000)
	for _, codec := range []Codec{CodecZstd, CodecLZ4, CodecNone} {
		t.Run(string(codec), func(t *testing.T) {
			enc, err := Compress(codec, data)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if codec != CodecNone && len(enc) >= len(data) {
				t.Fatalf("expected compression to shrink %d bytes, got %d", len(data), len(enc))
			}
			dec, err := Decompress(codec, enc, len(data))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(dec, data) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestCodecIncompressible(t *testing.T) {
	if _, err := Compress(CodecZstd, []byte("x")); err != ErrIncompressible {
		t.Fatalf("expected ErrIncompressible, got %v", err)
	}
	if _, err := ParseCodec("brotli"); err == nil {
		t.Fatal("expected unknown codec error")
	}
}
