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

// Package workerpool bounds the parallelism of CPU-heavy batch work, like
// corpus tokenization.
package workerpool

import (
	"runtime"
	"sync"
)

// Pool runs submitted functions on at most limit goroutines at a time.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Pool. A limit at or below zero means runtime.NumCPU().
func New(limit int) *Pool {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Pool{sem: make(chan struct{}, limit)}
}

// Limit returns the maximum number of concurrently running functions.
func (p *Pool) Limit() int { return cap(p.sem) }

// Go schedules fn, blocking while the pool is at its limit.
func (p *Pool) Go(fn func()) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every scheduled function has returned.
func (p *Pool) Wait() { p.wg.Wait() }
