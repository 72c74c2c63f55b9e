package comms_test

import (
	"sync"
	"testing"

	"github.com/pm3link/pm3link/command"
	"github.com/pm3link/pm3link/comms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(cmd uint64, seq uint64) command.Frame {
	return command.New(cmd, [3]uint64{seq}, nil)
}

func seqs(frames []command.Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.Args[0]
	}
	return out
}

func anyFrame(command.Frame) bool { return true }

func TestRingKeepsMostRecent(t *testing.T) {
	for _, k := range []int{1, 2, 49, 50, 51, 173} {
		r := comms.NewRing(comms.DefaultBufferSize)
		total := comms.DefaultBufferSize + k
		dropped := 0
		for i := 0; i < total; i++ {
			if !r.Push(frame(1, uint64(i))) {
				dropped++
			}
		}
		assert.Equal(t, k, dropped, "k=%d", k)
		require.Equal(t, comms.DefaultBufferSize, r.Len())

		var drained []uint64
		for {
			f, ok := r.Take(anyFrame)
			if !ok {
				break
			}
			drained = append(drained, f.Args[0])
		}
		want := make([]uint64, 0, comms.DefaultBufferSize)
		for i := k; i < total; i++ {
			want = append(want, uint64(i))
		}
		assert.Equal(t, want, drained, "k=%d", k)
		assert.Zero(t, r.Len())
	}
}

func TestRingPeekAndPop(t *testing.T) {
	r := comms.NewRing(8)
	for i, id := range []uint64{1, 2, 1, 3} {
		require.True(t, r.Push(frame(id, uint64(i))))
	}
	isOne := func(f command.Frame) bool { return f.Cmd == 1 }

	i, ok := r.PeekMatching(isOne)
	require.True(t, ok)
	assert.Equal(t, 0, i)
	assert.Equal(t, uint64(0), r.PopAt(i).Args[0])

	i, ok = r.PeekMatching(isOne)
	require.True(t, ok)
	assert.Equal(t, 1, i)
	assert.Equal(t, uint64(2), r.PopAt(i).Args[0])

	_, ok = r.PeekMatching(isOne)
	assert.False(t, ok)

	frames := r.Frames()
	assert.Equal(t, []uint64{1, 3}, seqs(frames))
	assert.Equal(t, uint64(2), frames[0].Cmd)
	assert.Equal(t, uint64(3), frames[1].Cmd)
}

func TestRingPopKeepsOrderAcrossWrap(t *testing.T) {
	r := comms.NewRing(4)
	for i := 0; i < 7; i++ {
		r.Push(frame(uint64(i%2), uint64(i)))
	}
	// ring now holds 3 4 5 6 with the slots wrapped
	require.Equal(t, []uint64{3, 4, 5, 6}, seqs(r.Frames()))

	f, ok := r.Take(func(f command.Frame) bool { return f.Args[0] == 5 })
	require.True(t, ok)
	assert.Equal(t, uint64(5), f.Args[0])
	assert.Equal(t, []uint64{3, 4, 6}, seqs(r.Frames()))

	r.Push(frame(0, 7))
	r.Push(frame(0, 8))
	assert.Equal(t, []uint64{4, 6, 7, 8}, seqs(r.Frames()))
}

func TestRingPopAtOutOfRange(t *testing.T) {
	r := comms.NewRing(2)
	r.Push(frame(1, 0))
	assert.Panics(t, func() { r.PopAt(1) })
	assert.Panics(t, func() { r.PopAt(-1) })
}

func TestRingClear(t *testing.T) {
	r := comms.NewRing(3)
	r.Push(frame(1, 0))
	r.Push(frame(1, 1))
	r.Clear()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Frames())
	_, ok := r.Take(anyFrame)
	assert.False(t, ok)

	r.Push(frame(1, 2))
	assert.Equal(t, []uint64{2}, seqs(r.Frames()))
}

func TestRingMinimumCapacity(t *testing.T) {
	r := comms.NewRing(0)
	assert.Equal(t, 1, r.Cap())
	assert.True(t, r.Push(frame(1, 0)))
	assert.False(t, r.Push(frame(1, 1)))
	assert.Equal(t, []uint64{1}, seqs(r.Frames()))
}

func TestRingConcurrentTakeDeliversOnce(t *testing.T) {
	const total = 2000
	r := comms.NewRing(total)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint64]int{}
		done = make(chan struct{})
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for {
				f, ok := r.Take(func(f command.Frame) bool { return f.Cmd == id })
				if ok {
					mu.Lock()
					seen[f.Args[0]]++
					mu.Unlock()
					continue
				}
				select {
				case <-done:
					if r.Len() == 0 {
						return
					}
				default:
				}
			}
		}(uint64(w))
	}
	for i := 0; i < total; i++ {
		require.True(t, r.Push(frame(uint64(i%4), uint64(i))))
	}
	close(done)
	wg.Wait()

	assert.Len(t, seen, total)
	for seq, n := range seen {
		assert.Equal(t, 1, n, "frame %d", seq)
	}
}
