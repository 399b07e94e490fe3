package headless

import (
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

func TestBackend_ManualCompletion(t *testing.T) {
	b := New(Options{ManualCompletion: true})
	table := gpu.NewResourceTable(gpu.DefaultTableConfig(), b)

	src, _ := table.CreateBuffer(gpu.BufferDesc{Name: "src", Size: 8, Memory: gpu.MemoryCPUToGPU})
	dst, _ := table.CreateBuffer(gpu.BufferDesc{Name: "dst", Size: 8})
	mapped, _ := table.MapBuffer(src)
	copy(mapped, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	cl, _ := b.NewCommandList(gpu.QueueTransfer, table)
	fence, _ := b.CreateFence(false)
	if err := cl.Begin(); err != nil {
		t.Fatal(err)
	}
	cl.Barrier(gpu.BufferBarrier(dst, gpu.StateUndefined, gpu.StateCopyDest))
	if err := cl.CopyBuffer(src, dst, 0, 0, 8); err != nil {
		t.Fatalf("CopyBuffer() error = %v", err)
	}
	if err := cl.End(); err != nil {
		t.Fatal(err)
	}
	if err := b.Submit(gpu.QueueTransfer, &gpu.SubmitInfo{Lists: []gpu.CommandList{cl}, Fence: fence}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if fence.Signaled() {
		t.Fatal("fence signaled before completion")
	}
	if err := fence.Wait(time.Millisecond); !errors.Is(err, core.ErrTimeout) {
		t.Errorf("Wait() error = %v, want ErrTimeout", err)
	}
	d, _ := table.Buffer(dst)
	if BufferData(d)[7] != 0 {
		t.Error("copy executed before completion")
	}

	if !b.Complete() {
		t.Fatal("Complete() found nothing pending")
	}
	if !fence.Signaled() {
		t.Error("fence not signaled after completion")
	}
	if BufferData(d)[7] != 8 {
		t.Errorf("dst[7] = %d, want 8", BufferData(d)[7])
	}

	subs := b.Submissions()
	if len(subs) != 1 || len(subs[0].Commands) != 2 || subs[0].Commands[0].Kind != CmdBarrier {
		t.Errorf("Submissions() = %+v", subs)
	}
}

func TestBackend_CopyBounds(t *testing.T) {
	b := New(Options{})
	table := gpu.NewResourceTable(gpu.DefaultTableConfig(), b)
	src, _ := table.CreateBuffer(gpu.BufferDesc{Name: "src", Size: 4, Memory: gpu.MemoryCPUToGPU})
	tex, _ := table.CreateTexture(gpu.TextureDesc{Name: "tex", Width: 2, Height: 2, Format: gpu.FormatRGBA8Unorm})

	cl, _ := b.NewCommandList(gpu.QueueTransfer, table)
	_ = cl.Begin()
	if err := cl.CopyBufferToTexture(src, 0, tex); !errors.Is(err, errCopyOutOfBounds) {
		t.Errorf("CopyBufferToTexture() error = %v, want out of bounds", err)
	}
}

func TestBackend_SubmitRecordingList(t *testing.T) {
	b := New(Options{})
	table := gpu.NewResourceTable(gpu.DefaultTableConfig(), b)
	cl, _ := b.NewCommandList(gpu.QueueGraphics, table)
	_ = cl.Begin()
	if err := b.Submit(gpu.QueueGraphics, &gpu.SubmitInfo{Lists: []gpu.CommandList{cl}}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Submit() of recording list error = %v, want ErrConfiguration", err)
	}
}

func TestBackend_HistoryLimit(t *testing.T) {
	b := New(Options{HistoryLimit: 2})
	table := gpu.NewResourceTable(gpu.DefaultTableConfig(), b)
	queues := []gpu.QueueType{gpu.QueueGraphics, gpu.QueueTransfer, gpu.QueueGraphics, gpu.QueueTransfer, gpu.QueueTransfer}
	for _, q := range queues {
		cl, _ := b.NewCommandList(q, table)
		_ = cl.Begin()
		_ = cl.End()
		if err := b.Submit(q, &gpu.SubmitInfo{Lists: []gpu.CommandList{cl}}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	subs := b.Submissions()
	if len(subs) != 2 || subs[0].Queue != gpu.QueueTransfer || subs[1].Queue != gpu.QueueTransfer {
		t.Errorf("Submissions() = %+v, want the last two transfer submits", subs)
	}
	b.ClearHistory()
	if n := len(b.Submissions()); n != 0 {
		t.Errorf("len(Submissions()) after ClearHistory = %d, want 0", n)
	}
}

func TestFence_ResetAndWait(t *testing.T) {
	f := newFence(true)
	if err := f.Wait(0); err != nil {
		t.Errorf("Wait() on signaled fence error = %v", err)
	}
	_ = f.Reset()
	if f.Signaled() {
		t.Error("Signaled() after Reset")
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.signal()
	}()
	if err := f.Wait(time.Second); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}
