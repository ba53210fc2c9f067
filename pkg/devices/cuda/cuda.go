//go:build cgo

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

// Package cuda registers a devices.Prober backed by the CUDA driver API.
//
// Importing it (usually with a blank import from the main program) enables
// CUDA accelerators for device selection:
//
//	import _ "github.com/textkit/finetune/pkg/devices/cuda"
//
// Building requires the CUDA toolkit; CPU-only deployments simply leave the
// import out.
package cuda

import (
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/cu"

	"github.com/textkit/finetune/pkg/devices"
)

func init() {
	devices.Register(&prober{contexts: make(map[int]cu.CUContext)})
}

// prober implements devices.Prober over the CUDA driver API.
type prober struct {
	mu sync.Mutex

	// contexts caches one primary context per device ordinal; queries and
	// binding both need a current context.
	contexts map[int]cu.CUContext
}

func (p *prober) Name() string { return "cuda" }

func (p *prober) Count() int {
	n, err := cu.NumDevices()
	if err != nil {
		return 0
	}
	return n
}

func (p *prober) DeviceName(ordinal int) string {
	name, err := cu.Device(ordinal).Name()
	if err != nil {
		return "unknown CUDA device"
	}
	return name
}

// contextFor returns the cached context for the device, creating it on first
// use. Callers must hold p.mu.
func (p *prober) contextFor(ordinal int) (cu.CUContext, error) {
	if ctx, ok := p.contexts[ordinal]; ok {
		return ctx, nil
	}
	device, err := cu.GetDevice(ordinal)
	if err != nil {
		return cu.CUContext{}, errors.Wrapf(err, "failed to get CUDA device %d", ordinal)
	}
	ctx, err := device.MakeContext(cu.SchedAuto)
	if err != nil {
		return cu.CUContext{}, errors.Wrapf(err, "failed to create context on CUDA device %d", ordinal)
	}
	p.contexts[ordinal] = ctx
	return ctx, nil
}

// Status reads free/total memory of the device. The CUDA driver API exposes
// no utilization counter, so Load is reported as 0 and automatic selection
// effectively keys on the memory fraction.
func (p *prober) Status(ordinal int) (devices.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, err := p.contextFor(ordinal)
	if err != nil {
		return devices.Status{}, err
	}
	if err := cu.SetCurrentContext(ctx); err != nil {
		return devices.Status{}, errors.Wrapf(err, "failed to make CUDA device %d current", ordinal)
	}
	free, total, err := cu.MemGetInfo()
	if err != nil {
		return devices.Status{}, errors.Wrapf(err, "failed to query memory of CUDA device %d", ordinal)
	}
	return devices.Status{
		FreeBytes:  uint64(free),
		UsedBytes:  uint64(total - free),
		TotalBytes: uint64(total),
	}, nil
}

// Bind makes the device's context current for this process.
func (p *prober) Bind(ordinal int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, err := p.contextFor(ordinal)
	if err != nil {
		return err
	}
	return cu.SetCurrentContext(ctx)
}
