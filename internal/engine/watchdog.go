package engine

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"stopgap-plts/internal/host"
	"stopgap-plts/internal/plerr"
)

// interruptSentinel is the value the watchdog passes to the runtime when it
// terminates an execution; the latch carries the actual reason.
const interruptSentinel = "plts:terminated"

// termination reasons, latched once per execution
const (
	reasonNone int32 = iota
	reasonTimeout
	reasonMemory
	reasonCancel
	reasonDie
)

const (
	watchdogTick    = 5 * time.Millisecond
	heapSampleEvery = 10 // ticks between heap samples
)

// watchdog supervises one execution from an auxiliary goroutine. The
// deadline and the termination latch are single atomic words; everything the
// executing goroutine needs to read after an interrupt comes from the latch.
type watchdog struct {
	deadlineNS atomic.Int64 // unix nanos, 0 means unbounded
	reason     atomic.Int32
	done       chan struct{}
}

func newWatchdog() *watchdog {
	return &watchdog{done: make(chan struct{})}
}

// arm sets the execution deadline. Zero timeout leaves it unbounded.
func (w *watchdog) arm(timeoutMS int64) {
	if timeoutMS > 0 {
		w.deadlineNS.Store(time.Now().Add(time.Duration(timeoutMS) * time.Millisecond).UnixNano())
	} else {
		w.deadlineNS.Store(0)
	}
}

// latch records the first termination reason; later causes lose.
func (w *watchdog) latch(reason int32) bool {
	return w.reason.CompareAndSwap(reasonNone, reason)
}

// run polls until stop is called. The heap is sampled on a coarser cadence
// than the clock and the interrupt flags; reading memory stats is not free.
func (w *watchdog) run(vm *goja.Runtime, interrupts host.Interrupts, heapLimitBytes, heapBaseline int64) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		}
		tick++

		if interrupts != nil {
			if interrupts.DiePending() {
				w.terminate(vm, reasonDie)
				return
			}
			if interrupts.CancelPending() {
				w.terminate(vm, reasonCancel)
				return
			}
		}

		if dl := w.deadlineNS.Load(); dl != 0 && time.Now().UnixNano() >= dl {
			w.terminate(vm, reasonTimeout)
			return
		}

		if heapLimitBytes > 0 && tick%heapSampleEvery == 0 {
			if heapInUse()-heapBaseline >= heapLimitBytes {
				w.terminate(vm, reasonMemory)
				return
			}
		}
	}
}

func (w *watchdog) terminate(vm *goja.Runtime, reason int32) {
	if w.latch(reason) {
		vm.Interrupt(interruptSentinel)
	}
}

// stop ends the polling goroutine.
func (w *watchdog) stop() {
	close(w.done)
}

// terminationError maps the latched reason to the surfaced error. Returns
// nil when the watchdog never fired.
func (w *watchdog) terminationError(limits Limits) error {
	switch w.reason.Load() {
	case reasonTimeout:
		return plerr.Limit(plerr.LimitRuntimeMS, plerr.StageExecute,
			"execution exceeded %d ms", limits.RuntimeMS)
	case reasonMemory:
		return plerr.Limit(plerr.LimitMemory, plerr.StageExecute,
			"execution exceeded the %d MiB heap limit", limits.MaxHeapBytes>>20)
	case reasonCancel:
		return plerr.New(plerr.KindCancelled, plerr.StageExecute, "query cancelled by the host")
	case reasonDie:
		return plerr.New(plerr.KindCancelled, plerr.StageExecute, "backend shutting down")
	default:
		return nil
	}
}

// heapInUse approximates the live heap of the process. The engine shares one
// heap with the host process, so the cap is enforced on growth relative to
// the baseline captured at execution start.
func heapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc)
}
