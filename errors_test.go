package tapasco

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("AcquirePE", CodePEUnavailable, "all counter PEs checked out")

	if err.Op != "AcquirePE" {
		t.Errorf("Expected Op=AcquirePE, got %s", err.Op)
	}
	if err.Code != CodePEUnavailable {
		t.Errorf("Expected Code=CodePEUnavailable, got %s", err.Code)
	}

	expected := "tapasco: all counter PEs checked out (op=AcquirePE)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("Open", CodeDriverIO, syscall.EACCES)

	if err.Errno != syscall.EACCES {
		t.Errorf("Expected Errno=EACCES, got %v", err.Errno)
	}
	if err.Code != CodeDriverIO {
		t.Errorf("Expected Code=CodeDriverIO, got %s", err.Code)
	}
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("ChangeAccess", 3, CodeDriverIO, "device already exclusive")

	if err.DevID != 3 {
		t.Errorf("Expected DevID=3, got %d", err.DevID)
	}

	expected := "tapasco: device already exclusive (op=ChangeAccess dev=3)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewError("Allocate", CodeOutOfMemory, "no segment large enough")
	wrapped := WrapError("Job.start", CodeDmaFailure, inner)

	if wrapped.Code != CodeOutOfMemory {
		t.Errorf("Expected wrapped Code to preserve inner Code=CodeOutOfMemory, got %s", wrapped.Code)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("Expected errors.Is(wrapped, inner) to hold via matching Code")
	}
}

func TestWrapErrorMapsErrno(t *testing.T) {
	wrapped := WrapError("Driver.ioctl", CodeDriverIO, syscall.ENOMEM)

	if wrapped.Code != CodeOutOfMemory {
		t.Errorf("Expected ENOMEM to map to CodeOutOfMemory, got %s", wrapped.Code)
	}
	if wrapped.Errno != syscall.ENOMEM {
		t.Errorf("Expected Errno=ENOMEM, got %v", wrapped.Errno)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("op", CodeDriverIO, nil) != nil {
		t.Error("Expected WrapError(nil) to return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("Free", CodeUnknownMemory, "address not allocated")
	if !IsCode(err, CodeUnknownMemory) {
		t.Error("Expected IsCode to match CodeUnknownMemory")
	}
	if IsCode(err, CodeOutOfMemory) {
		t.Error("Expected IsCode to not match CodeOutOfMemory")
	}
	if IsCode(errors.New("plain"), CodeUnknownMemory) {
		t.Error("Expected IsCode to return false for non-tapasco errors")
	}
}

func TestWithRecoverCatchesPanic(t *testing.T) {
	err := withRecover("Allocator.allocate", func() error {
		panic("simulated corruption")
	})
	if !IsCode(err, CodePoisonedLock) {
		t.Errorf("Expected recovered panic to surface as CodePoisonedLock, got %v", err)
	}
}

func TestWithRecoverPassesThroughResult(t *testing.T) {
	sentinel := NewError("Free", CodeUnknownMemory, "not allocated")
	err := withRecover("Allocator.free", func() error {
		return sentinel
	})
	if err != sentinel {
		t.Errorf("Expected withRecover to pass through the returned error unchanged")
	}
}
