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

// Package distributed establishes this process's identity among cooperating
// training processes (rank, world size) and performs the blocking rendezvous
// that synchronizes all peers before collective work begins.
//
// Identity comes from the environment (NODE_RANK, WORLD_SIZE, MASTER_ADDR,
// MASTER_PORT), normally set by the process launcher. The rendezvous runtime
// follows MPI conventions: every rank calls Rendezvous once, the call
// returns only when the configured world size of peers has joined.
package distributed

import (
	"context"
	"encoding/gob"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables carrying the distributed identity.
const (
	EnvNodeRank   = "NODE_RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

// DefaultRendezvousTimeout applies when the caller's context carries no
// deadline. The collective handshake must never hang indefinitely waiting
// for peers that may never start.
const DefaultRendezvousTimeout = 5 * time.Minute

// ConfigurationError reports a missing identity value in the environment.
type ConfigurationError struct {
	// Missing is the name of the unset environment variable.
	Missing string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return "environment variable " + e.Missing + " not set: " +
		EnvNodeRank + ", " + EnvWorldSize + ", " + EnvMasterAddr + " and " +
		EnvMasterPort + " must all be set (maybe use a launcher to start this program?)"
}

// Config is the distributed identity of this process.
type Config struct {
	NodeRank   int
	WorldSize  int
	MasterAddr string
	MasterPort string
}

// FromEnv reads the identity from the environment. Any missing value yields
// a *ConfigurationError naming it.
func FromEnv() (Config, error) {
	var cfg Config
	for _, v := range []struct {
		name   string
		target *int
	}{
		{EnvNodeRank, &cfg.NodeRank},
		{EnvWorldSize, &cfg.WorldSize},
	} {
		raw := os.Getenv(v.name)
		if raw == "" {
			return Config{}, &ConfigurationError{Missing: v.name}
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, errors.Wrapf(err, "environment variable %s=%q is not an integer", v.name, raw)
		}
		*v.target = parsed
	}
	if cfg.MasterAddr = os.Getenv(EnvMasterAddr); cfg.MasterAddr == "" {
		return Config{}, &ConfigurationError{Missing: EnvMasterAddr}
	}
	if cfg.MasterPort = os.Getenv(EnvMasterPort); cfg.MasterPort == "" {
		return Config{}, &ConfigurationError{Missing: EnvMasterPort}
	}
	return cfg, nil
}

// Degrade applies the anti-hang safeguard: when this process was not started
// by a multi-process launcher but a world size greater than one was
// configured, the rendezvous would block forever for peers that will never
// start. In that case the world collapses to a single process: world size 1,
// rank 0, master on loopback.
func (cfg Config) Degrade(startedFromLaunch bool) Config {
	if startedFromLaunch || cfg.WorldSize <= 1 {
		return cfg
	}
	klog.Infof("Setting NODE_RANK to 0 and WORLD_SIZE to 1: process was not started by a launcher")
	cfg.NodeRank = 0
	cfg.WorldSize = 1
	cfg.MasterAddr = "127.0.0.1"
	return cfg
}

// masterEndpoint returns the address peers dial for the handshake.
func (cfg Config) masterEndpoint() string {
	return net.JoinHostPort(cfg.MasterAddr, cfg.MasterPort)
}

// Messages of the handshake, gob-encoded on the wire.

type helloMsg struct {
	Rank, WorldSize int
}

type releaseMsg struct {
	WorldSize int
}

// Coordinator performs the collective rendezvous for one process.
type Coordinator struct {
	cfg Config
}

// New creates a Coordinator with the given identity.
func New(cfg Config) *Coordinator { return &Coordinator{cfg: cfg} }

// Rank of this process.
func (c *Coordinator) Rank() int { return c.cfg.NodeRank }

// WorldSize is the total number of cooperating processes.
func (c *Coordinator) WorldSize() int { return c.cfg.WorldSize }

// Rendezvous blocks until all peers of the configured world size have
// joined, then returns. Rank 0 acts as the master: it collects one hello
// from every other rank and then releases them all. With a world size of one
// it returns immediately.
//
// The context bounds the wait; without a deadline on ctx,
// DefaultRendezvousTimeout applies.
func (c *Coordinator) Rendezvous(ctx context.Context) error {
	if c.cfg.WorldSize <= 1 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRendezvousTimeout)
		defer cancel()
	}

	var err error
	if c.cfg.NodeRank == 0 {
		klog.Infof("Awaiting %d nodes to run...", c.cfg.WorldSize)
		err = c.runMaster(ctx)
	} else {
		klog.Infof("Awaiting master node's response...")
		err = c.runPeer(ctx)
	}
	if err != nil {
		return errors.WithMessagef(err, "rendezvous of rank %d (world size %d)", c.cfg.NodeRank, c.cfg.WorldSize)
	}
	klog.Infof("And we're off!")
	return nil
}

// runMaster listens on the master endpoint, collects one hello per peer rank
// and then broadcasts the release.
func (c *Coordinator) runMaster(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", c.cfg.masterEndpoint())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", c.cfg.masterEndpoint())
	}
	defer func() { _ = listener.Close() }()

	// Unblock Accept when the context expires.
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	deadline, _ := ctx.Deadline()
	seen := make(map[int]net.Conn, c.cfg.WorldSize-1)
	for len(seen) < c.cfg.WorldSize-1 {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "gave up waiting for peers (%d of %d joined)",
					len(seen)+1, c.cfg.WorldSize)
			}
			return errors.Wrap(err, "failed to accept peer connection")
		}
		_ = conn.SetDeadline(deadline)
		var hello helloMsg
		if err := gob.NewDecoder(conn).Decode(&hello); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "failed to read peer hello")
		}
		if hello.Rank <= 0 || hello.Rank >= c.cfg.WorldSize {
			_ = conn.Close()
			return errors.Errorf("peer announced rank %d, out of range for world size %d",
				hello.Rank, c.cfg.WorldSize)
		}
		if hello.WorldSize != c.cfg.WorldSize {
			_ = conn.Close()
			return errors.Errorf("peer of rank %d configured world size %d, master has %d -- "+
				"all ranks must agree on launcher parameters", hello.Rank, hello.WorldSize, c.cfg.WorldSize)
		}
		if _, dup := seen[hello.Rank]; dup {
			_ = conn.Close()
			return errors.Errorf("two peers announced the same rank %d", hello.Rank)
		}
		seen[hello.Rank] = conn
	}

	// Everybody is here: release all peers.
	for rank, conn := range seen {
		err := gob.NewEncoder(conn).Encode(releaseMsg{WorldSize: c.cfg.WorldSize})
		_ = conn.Close()
		if err != nil {
			return errors.Wrapf(err, "failed to release peer of rank %d", rank)
		}
	}
	return nil
}

// runPeer dials the master, announces its rank and blocks until released.
// The dial retries while the master socket comes up, bounded by the context.
func (c *Coordinator) runPeer(ctx context.Context) error {
	var conn net.Conn
	dialer := &net.Dialer{}
	for {
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.masterEndpoint())
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "gave up dialing master at %s", c.cfg.masterEndpoint())
		case <-time.After(100 * time.Millisecond):
		}
	}
	defer func() { _ = conn.Close() }()
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	if err := gob.NewEncoder(conn).Encode(helloMsg{Rank: c.cfg.NodeRank, WorldSize: c.cfg.WorldSize}); err != nil {
		return errors.Wrap(err, "failed to send hello to master")
	}
	var release releaseMsg
	if err := gob.NewDecoder(conn).Decode(&release); err != nil {
		return errors.Wrap(err, "failed waiting for master's release")
	}
	return nil
}
