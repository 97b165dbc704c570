package call

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/petervdpas/goopcall/internal/realtime"
)

type applied struct {
	mu  sync.Mutex
	got []string
	err error
}

func (a *applied) apply(c realtime.ICECandidate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, c.Candidate)
	return a.err
}

func (a *applied) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.got...)
}

func cand(s string) realtime.ICECandidate { return realtime.ICECandidate{Candidate: s} }

func TestICEBufferHoldsUntilFlush(t *testing.T) {
	b := newICEBuffer("s1")
	var a applied

	assert.False(t, b.Push(cand("a")))
	assert.False(t, b.Push(cand("b")))
	assert.Equal(t, 2, b.Len())
	assert.False(t, b.Flushed())

	assert.Equal(t, 2, b.Flush(a.apply))
	assert.Equal(t, []string{"a", "b"}, a.list())
	assert.Equal(t, 0, b.Len())
	assert.True(t, b.Flushed())

	assert.True(t, b.Push(cand("c")))
	assert.Equal(t, []string{"a", "b", "c"}, a.list())
}

func TestICEBufferFlushOnce(t *testing.T) {
	b := newICEBuffer("s1")
	var first, second applied

	b.Push(cand("a"))
	b.Flush(first.apply)
	assert.Equal(t, 0, b.Flush(second.apply))

	b.Push(cand("b"))
	assert.Equal(t, []string{"a", "b"}, first.list())
	assert.Empty(t, second.list())
}

func TestICEBufferApplyErrorIsNotFatal(t *testing.T) {
	b := newICEBuffer("s1")
	a := applied{err: errors.New("bad candidate")}

	b.Push(cand("a"))
	b.Push(cand("b"))
	assert.Equal(t, 2, b.Flush(a.apply))
	assert.Equal(t, []string{"a", "b"}, a.list(), "a failing candidate does not stop the rest")
}

func TestICEBufferRetire(t *testing.T) {
	b := newICEBuffer("s1")
	var a applied

	b.Push(cand("a"))
	b.Retire()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Push(cand("b")))
	assert.Equal(t, 0, b.Flush(a.apply))
	assert.Empty(t, a.list())
}

func TestICEBufferConcurrentPushKeepsOrderPerSender(t *testing.T) {
	b := newICEBuffer("s1")
	var a applied

	for i := 0; i < 50; i++ {
		b.Push(cand("pre"))
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.Push(cand("post"))
		}
	}()
	b.Flush(a.apply)
	wg.Wait()

	got := a.list()
	assert.Len(t, got, 100)
	for i := 0; i < 50; i++ {
		assert.Equal(t, "pre", got[i], "buffered candidates go first")
	}
}
