/*
 *	Copyright 2025 The finetune Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package devices discovers and reserves an accelerator device for the
// current process, and records device-memory snapshots for postmortem
// analysis of failed training passes.
//
// Accelerator support is pluggable: an accelerator package (see the cuda
// sub-package) registers a Prober in its init() and is enabled with a blank
// import from the main program. Without a registered Prober the host is
// treated as CPU-only.
package devices

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

// CPUOrdinal is the device ordinal of the CPU sentinel, as opposed to
// accelerators which are numbered as non-negative ints.
const CPUOrdinal = -1

// Occupancy thresholds for automatic device selection: a device qualifies
// only when both its compute load and its memory use are at or under these
// fractions.
const (
	MaxLoad   = 0.5
	MaxMemory = 0.5
)

// Handle identifies the compute device this process is bound to.
type Handle struct {
	// Ordinal of the accelerator, or CPUOrdinal.
	Ordinal int

	// Name of the device, for logging.
	Name string
}

// IsCPU reports whether the handle is the CPU sentinel.
func (h Handle) IsCPU() bool { return h.Ordinal == CPUOrdinal }

// String implements fmt.Stringer.
func (h Handle) String() string {
	if h.IsCPU() {
		return fmt.Sprintf("cpu (%s)", h.Name)
	}
	return fmt.Sprintf("device %d (%s)", h.Ordinal, h.Name)
}

// Status is an instantaneous resource reading of one accelerator.
type Status struct {
	FreeBytes, UsedBytes, TotalBytes uint64

	// Load is the compute utilization fraction in [0, 1].
	Load float64
}

// MemoryFraction returns the fraction of device memory in use.
func (s Status) MemoryFraction() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes)
}

// Prober enumerates and reserves the host's accelerator devices.
// Implementations are registered by accelerator packages.
type Prober interface {
	// Name of the accelerator backend, e.g. "cuda".
	Name() string

	// Count returns the number of installed devices. Zero means none.
	Count() int

	// DeviceName returns a human-readable name for the device.
	DeviceName(ordinal int) string

	// Status reads the device's instantaneous load and memory use.
	Status(ordinal int) (Status, error)

	// Bind reserves the device for this process and makes it the default
	// compute context.
	Bind(ordinal int) error
}

var registeredProber Prober

// Register installs the accelerator prober. It is meant to be called from
// an accelerator package's init(); the last registration wins.
func Register(p Prober) {
	registeredProber = p
}

// Registered returns the installed Prober, or nil on a CPU-only build.
func Registered() Prober { return registeredProber }

// UnavailableError is returned when an explicitly requested device does not
// exist, or when no installed device meets the occupancy policy and strict
// selection was requested.
type UnavailableError struct {
	Reason string
}

// Error implements the error interface.
func (e *UnavailableError) Error() string { return e.Reason }

func cpuHandle() Handle {
	name := cpuid.CPU.BrandName
	if name == "" {
		name = "unknown cpu"
	}
	return Handle{Ordinal: CPUOrdinal, Name: name}
}

// Select discovers and reserves a device for this process.
//
// If requested >= 0 that exact device must exist: Select binds it or fails
// with *UnavailableError -- an explicit request never silently falls back to
// the CPU.
//
// If requested < 0 the first device at or under the occupancy thresholds
// (MaxLoad, MaxMemory) is bound. If none qualifies, Select fails with
// *UnavailableError when strict is set, and otherwise falls back to the CPU
// sentinel.
//
// Hosts without any accelerator always get the CPU sentinel.
func Select(requested int, strict bool) (Handle, error) {
	prober := Registered()
	if prober == nil || prober.Count() == 0 {
		return cpuHandle(), nil
	}

	numDevices := prober.Count()
	if requested >= 0 {
		if requested >= numDevices {
			return Handle{}, &UnavailableError{
				Reason: fmt.Sprintf("request to use device %d, but only %d available on this machine",
					requested, numDevices),
			}
		}
		if err := prober.Bind(requested); err != nil {
			return Handle{}, &UnavailableError{
				Reason: fmt.Sprintf("failed to bind device %d: %v", requested, err),
			}
		}
		return Handle{Ordinal: requested, Name: prober.DeviceName(requested)}, nil
	}

	for ordinal := 0; ordinal < numDevices; ordinal++ {
		status, err := prober.Status(ordinal)
		if err != nil {
			klog.Warningf("Skipping device %d: status query failed: %v", ordinal, err)
			continue
		}
		if status.Load > MaxLoad || status.MemoryFraction() > MaxMemory {
			continue
		}
		if err := prober.Bind(ordinal); err != nil {
			klog.Warningf("Skipping device %d: bind failed: %v", ordinal, err)
			continue
		}
		return Handle{Ordinal: ordinal, Name: prober.DeviceName(ordinal)}, nil
	}

	if strict {
		return Handle{}, &UnavailableError{
			Reason: fmt.Sprintf("all %d installed devices are already in use", numDevices),
		}
	}
	klog.Warningf("All %d installed devices busy, reverting to CPU", numDevices)
	return cpuHandle(), nil
}
