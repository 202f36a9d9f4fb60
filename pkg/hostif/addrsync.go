// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostif

import (
	"time"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sleep"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/swhost/pkg/swmbx"
)

// QueueMACRequest queues a MAC filter update for the drain worker. The
// request kind follows the address class. Queueing fails only when the
// sync queue is full.
//
// Callers composing a request group hold mbxMu across the Queue calls so
// the group stays contiguous in the queue.
func (i *Interface) QueueMACRequest(glort swmbx.Glort, addr tcpip.LinkAddress, vid uint16, set bool) error {
	kind := swmbx.RequestUnicastMAC
	if header.IsMulticastEthernetAddress(addr) {
		kind = swmbx.RequestMulticastMAC
	}
	return i.enqueue(&swmbx.Request{
		Kind:  kind,
		Glort: glort,
		Addr:  addr,
		VID:   vid,
		Set:   set,
	})
}

// QueueVLANRequest queues a VLAN filter update for the drain worker.
// Queueing fails only when the sync queue is full.
func (i *Interface) QueueVLANRequest(rng swmbx.VLANRange, set bool) error {
	return i.enqueue(&swmbx.Request{
		Kind: swmbx.RequestVLAN,
		VLAN: rng,
		Set:  set,
	})
}

func (i *Interface) enqueue(req *swmbx.Request) error {
	i.queueMu.Lock()
	defer i.queueMu.Unlock()

	if len(i.requests) >= i.queueLimit {
		return linuxerr.ENOMEM
	}
	i.requests = append(i.requests, req)

	if !i.drainScheduled {
		i.drainScheduled = true
		i.drainWaker.Assert()
	}
	return nil
}

// CancelRequests drops queued MAC requests targeting glort and, when
// vlans is set, all queued VLAN requests. Requests already handed to the
// mailbox are not recalled.
func (i *Interface) CancelRequests(glort swmbx.Glort, vlans bool) {
	i.queueMu.Lock()
	defer i.queueMu.Unlock()

	kept := i.requests[:0]
	for _, req := range i.requests {
		switch req.Kind {
		case swmbx.RequestVLAN:
			if vlans {
				continue
			}
		default:
			if req.Glort == glort {
				continue
			}
		}
		kept = append(kept, req)
	}
	for n := len(kept); n < len(i.requests); n++ {
		i.requests[n] = nil
	}
	i.requests = kept
}

// QueuedRequests returns the number of requests waiting for the drain
// worker.
func (i *Interface) QueuedRequests() int {
	i.queueMu.Lock()
	defer i.queueMu.Unlock()
	return len(i.requests)
}

// drainLoop is the drain worker. It runs from New until Close and is the
// only goroutine that forwards sync requests, so the switch manager sees
// them in queue order.
func (i *Interface) drainLoop() {
	defer i.drainWG.Done()

	s := sleep.Sleeper{}
	s.AddWaker(&i.drainWaker)
	s.AddWaker(&i.closeWaker)
	defer s.Done()

	for {
		switch w := s.Fetch(true); w {
		case &i.drainWaker:
			i.drainQueue()
		case &i.closeWaker:
			return
		}
	}
}

// drainQueue forwards queued requests one at a time until the queue is
// observed empty. The queue lock is dropped around each forward; the
// drain flag stays set so waiters and schedulers see the worker as busy
// until the queue really drains.
func (i *Interface) drainQueue() {
	for {
		i.queueMu.Lock()
		if len(i.requests) == 0 {
			i.drainScheduled = false
			i.drainCond.Broadcast()
			i.queueMu.Unlock()
			return
		}
		req := i.requests[0]
		i.requests[0] = nil
		i.requests = i.requests[1:]
		i.queueMu.Unlock()

		if d := i.limiter.Reserve().Delay(); d > 0 {
			time.Sleep(d)
		}

		i.mbxMu.Lock()
		err := i.sw.Forward(req)
		i.mbxMu.Unlock()
		if err != nil {
			log.Debugf("dropping %s: %v", req, err)
		}
	}
}

// waitDrainIdle blocks until the drain worker has observed an empty
// queue. Callers must not hold mbxMu; the worker takes it per request.
func (i *Interface) waitDrainIdle() {
	i.queueMu.Lock()
	for i.drainScheduled {
		i.drainCond.Wait()
	}
	i.queueMu.Unlock()
}
