package tapasco

import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/behrlich/go-tapasco/internal/logging"
	"github.com/behrlich/go-tapasco/internal/pe"
	"github.com/behrlich/go-tapasco/internal/scheduler"
)

// uintptrOfSlice returns the address of a byte slice's backing array, for
// SVM-mode jobs that pass host pointers through to the device verbatim
// instead of allocating device address space.
func uintptrOfSlice(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Job drives one PE instance through a single invocation: argument
// lowering, register writes, start, completion and copy-back. A Job is
// obtained from Device.AcquirePE and must eventually be released with
// Close or Release; a finalizer releases it as a last resort if the
// caller forgets.
type Job struct {
	mu sync.Mutex

	pe        *pe.PE
	localMem  *OffchipMemory // non-nil iff pe has local memory
	scheduler *scheduler.Scheduler
	svmInUse  bool
	observer  Observer

	startedAt time.Time
	copyBack  []copyBackRecord
	released  bool
}

// NewJob wraps an acquired PE instance for execution. localMem is the
// OffchipMemory bound to the PE's own local memory region, or nil if the
// PE has none; svmInUse reflects the bitstream-wide shared-virtual-memory
// feature flag. observer receives job/DMA lifecycle events; a nil observer
// is treated as NoOpObserver.
func NewJob(p *pe.PE, localMem *OffchipMemory, sched *scheduler.Scheduler, svmInUse bool, observer Observer) *Job {
	if observer == nil {
		observer = NoOpObserver{}
	}
	j := &Job{pe: p, localMem: localMem, scheduler: sched, svmInUse: svmInUse, observer: observer}
	runtime.SetFinalizer(j, (*Job).finalize)
	return j
}

func (j *Job) finalize() {
	j.mu.Lock()
	released := j.released
	j.mu.Unlock()
	if released {
		return
	}
	if _, _, err := j.Release(true, false); err != nil {
		logging.Default().Errorf("job finalizer: release PE %d: %v", j.pe.Slot(), err)
	}
}

// lowerLocal rewrites every DataTransferLocal into a DataTransferAlloc
// bound to the PE's own local memory.
func (j *Job) lowerLocal(args []Arg) ([]Arg, error) {
	out := make([]Arg, len(args))
	for i, arg := range args {
		if arg.Kind != KindDataTransferLocal {
			out[i] = arg
			continue
		}
		if j.localMem == nil {
			return nil, NewDeviceError("Job.Start", j.pe.ID(), CodeNoLocalMemory, "PE has no local memory")
		}
		out[i] = Arg{
			Kind:        KindDataTransferAlloc,
			Data:        arg.Data,
			ToDevice:    arg.ToDevice,
			FromDevice:  arg.FromDevice,
			Free:        arg.Free,
			Memory:      j.localMem,
			FixedOffset: arg.FixedOffset,
		}
	}
	return out, nil
}

// allocate turns every DataTransferAlloc into a DataTransferPrealloc,
// reserving device address space unless the bitstream is in SVM mode, in
// which case the host pointer is carried through untouched.
func (j *Job) allocate(args []Arg) ([]Arg, error) {
	out := make([]Arg, len(args))
	for i, arg := range args {
		if arg.Kind != KindDataTransferAlloc {
			out[i] = arg
			continue
		}
		var addr uint64
		if j.svmInUse {
			addr = uint64(uintptrOfSlice(arg.Data))
		} else {
			a, err := arg.Memory.Allocate(uint64(len(arg.Data)), arg.FixedOffset)
			if err != nil {
				return nil, WrapError("Job.Start", CodeOutOfMemory, err)
			}
			addr = a
		}
		out[i] = Arg{
			Kind:       KindDataTransferPrealloc,
			Data:       arg.Data,
			DeviceAddr: addr,
			ToDevice:   arg.ToDevice,
			FromDevice: arg.FromDevice,
			Free:       arg.Free,
			Memory:     arg.Memory,
		}
	}
	return out, nil
}

// transferTo copies every to_device DataTransferPrealloc to the device,
// records the copy-back this job owes at release time, and rewrites the
// argument to its final DeviceAddress form. It returns the rewritten
// argument list plus any buffers the caller retains full ownership of
// (not subject to any copy-back) so Start can hand them back.
func (j *Job) transferTo(args []Arg) ([]Arg, [][]byte, error) {
	out := make([]Arg, 0, len(args))
	var unused [][]byte
	for _, arg := range args {
		if arg.Kind != KindDataTransferPrealloc {
			out = append(out, arg)
			continue
		}
		if arg.ToDevice {
			if err := arg.Memory.CopyTo(arg.Data, arg.DeviceAddr); err != nil {
				return nil, nil, WrapError("Job.Start", CodeDmaFailure, err)
			}
			j.observer.ObserveDMAOut(uint64(len(arg.Data)))
		}

		out = append(out, ArgDeviceAddress(arg.DeviceAddr))

		switch {
		case j.svmInUse && !arg.FromDevice:
			j.recordCopyBack(copyBackRecord{kind: copyBackReturn, transfer: arg})
		case arg.FromDevice:
			j.recordCopyBack(copyBackRecord{kind: copyBackTransfer, transfer: arg})
		case arg.Free:
			j.recordCopyBack(copyBackRecord{kind: copyBackFree, freeAddr: arg.DeviceAddr, freeMemory: arg.Memory})
			unused = append(unused, arg.Data)
		default:
			unused = append(unused, arg.Data)
		}
	}
	return out, unused, nil
}

func (j *Job) recordCopyBack(r copyBackRecord) {
	j.mu.Lock()
	j.copyBack = append(j.copyBack, r)
	j.mu.Unlock()
}

// Start rewrites args through local-memory resolution, allocation and
// host-to-device transfer, writes the resulting register values and
// starts the PE. It does not block for completion. The returned slice
// holds input-only buffers not subject to any copy-back, in the order
// they appeared in args.
func (j *Job) Start(args []Arg) ([][]byte, error) {
	allocArgs, err := j.lowerLocal(args)
	if err != nil {
		return nil, err
	}
	preallocArgs, err := j.allocate(allocArgs)
	if err != nil {
		return nil, err
	}
	regArgs, unused, err := j.transferTo(preallocArgs)
	if err != nil {
		return nil, err
	}

	for i, arg := range regArgs {
		switch arg.Kind {
		case KindScalar32:
			if err := j.pe.SetArg(i, 4, uint64(arg.Scalar32)); err != nil {
				return nil, WrapError("Job.Start", CodeDriverIO, err)
			}
		case KindScalar64:
			if err := j.pe.SetArg(i, 8, arg.Scalar64); err != nil {
				return nil, WrapError("Job.Start", CodeDriverIO, err)
			}
		case KindDeviceAddress:
			if err := j.pe.SetArg(i, 8, arg.DeviceAddr); err != nil {
				return nil, WrapError("Job.Start", CodeDriverIO, err)
			}
		case KindVirtualAddress:
			if !j.svmInUse {
				return nil, NewDeviceError("Job.Start", j.pe.ID(), CodeUnsupportedArgument, "VirtualAddress requires SVM")
			}
			if err := j.pe.SetArg(i, 8, uint64(arg.VirtualAddr)); err != nil {
				return nil, WrapError("Job.Start", CodeDriverIO, err)
			}
		default:
			return nil, NewDeviceError("Job.Start", j.pe.ID(), CodeUnsupportedArgument, arg.Kind.String()+" reached register-write stage")
		}
	}

	j.mu.Lock()
	j.startedAt = time.Now()
	j.mu.Unlock()

	if err := j.pe.Start(); err != nil {
		return nil, WrapError("Job.Start", CodeDriverIO, err)
	}
	j.observer.ObserveJobStart()
	return unused, nil
}

// WaitForCompletion blocks until the PE reports idle, without releasing
// it back to the scheduler or processing copy-backs. Useful for timing a
// run in isolation from teardown.
func (j *Job) WaitForCompletion() error {
	if err := j.pe.WaitForCompletion(); err != nil {
		return WrapError("Job.WaitForCompletion", CodeDriverIO, err)
	}
	return nil
}

// Release waits for completion, optionally reads the return value,
// processes the recorded copy-back list in order, and (if releasePE)
// returns the PE instance to the scheduler. It returns the return value
// (0 if not requested) and the buffers recovered via copy-back, in the
// order their arguments originally appeared.
func (j *Job) Release(releasePE bool, returnValue bool) (uint64, [][]byte, error) {
	j.mu.Lock()
	if j.released {
		j.mu.Unlock()
		return 0, nil, nil
	}
	j.mu.Unlock()

	j.mu.Lock()
	started := j.startedAt
	j.mu.Unlock()

	waitErr := j.pe.WaitForCompletion()
	if !started.IsZero() {
		j.observer.ObserveJobComplete(uint64(time.Since(started).Nanoseconds()), waitErr == nil)
	}
	if waitErr != nil {
		return 0, nil, WrapError("Job.Release", CodeDriverIO, waitErr)
	}

	var rv uint64
	if returnValue {
		rv = j.pe.ReturnValue()
	}

	j.mu.Lock()
	copyBack := j.copyBack
	j.copyBack = nil
	j.released = true
	j.mu.Unlock()

	if releasePE {
		if err := j.scheduler.ReleasePE(j.pe); err != nil {
			return rv, nil, WrapError("Job.Release", CodePEStillActive, err)
		}
	}

	var recovered [][]byte
	for _, rec := range copyBack {
		switch rec.kind {
		case copyBackTransfer:
			if err := rec.transfer.Memory.CopyFrom(rec.transfer.DeviceAddr, rec.transfer.Data); err != nil {
				return rv, recovered, WrapError("Job.Release", CodeDmaFailure, err)
			}
			j.observer.ObserveDMAIn(uint64(len(rec.transfer.Data)))
			if rec.transfer.Free {
				if err := rec.transfer.Memory.Free(rec.transfer.DeviceAddr); err != nil {
					return rv, recovered, WrapError("Job.Release", CodeUnknownMemory, err)
				}
			}
			recovered = append(recovered, rec.transfer.Data)
		case copyBackFree:
			if err := rec.freeMemory.Free(rec.freeAddr); err != nil {
				return rv, recovered, WrapError("Job.Release", CodeUnknownMemory, err)
			}
		case copyBackReturn:
			recovered = append(recovered, rec.transfer.Data)
		}
	}
	return rv, recovered, nil
}

// Close releases the PE (if not already released) without reading a
// return value, discarding the finalizer's safety net.
func (j *Job) Close() error {
	runtime.SetFinalizer(j, nil)
	_, _, err := j.Release(true, false)
	return err
}
