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
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
)

// TunnelType selects which tunnel protocol a UDP port carries.
type TunnelType int

const (
	TunnelVXLAN TunnelType = iota
	TunnelGENEVE
)

// tunnelPort is one offloaded UDP tunnel port. The same port number may
// be tracked once per address family.
type tunnelPort struct {
	port uint16
	v6   bool
}

func removeTunnelPort(ports []tunnelPort, p tunnelPort) []tunnelPort {
	for n := range ports {
		if ports[n] == p {
			return append(ports[:n], ports[n+1:]...)
		}
	}
	return ports
}

// +checklocks:i.mu
func (i *Interface) tunnelPorts(t TunnelType) *[]tunnelPort {
	switch t {
	case TunnelVXLAN:
		return &i.vxlanPorts
	case TunnelGENEVE:
		return &i.genevePorts
	default:
		return nil
	}
}

// AddTunnelPort records an offloaded tunnel port and reprograms the
// device. The device can parse one port per protocol; the oldest
// recorded port wins, and a re-added port moves to the back of the line.
func (i *Interface) AddTunnelPort(t TunnelType, port uint16, v6 bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	ports := i.tunnelPorts(t)
	if ports == nil {
		return linuxerr.EINVAL
	}

	p := tunnelPort{port: port, v6: v6}
	*ports = append(removeTunnelPort(*ports, p), p)

	i.restoreTunnelPortsLocked()
	return nil
}

// DelTunnelPort drops a recorded tunnel port and reprograms the device,
// which may promote the next-oldest port for that protocol.
func (i *Interface) DelTunnelPort(t TunnelType, port uint16, v6 bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	ports := i.tunnelPorts(t)
	if ports == nil {
		return linuxerr.EINVAL
	}

	*ports = removeTunnelPort(*ports, tunnelPort{port: port, v6: v6})

	i.restoreTunnelPortsLocked()
	return nil
}

// TunnelPorts returns the recorded port numbers for one protocol, oldest
// first.
func (i *Interface) TunnelPorts(t TunnelType) []uint16 {
	i.mu.Lock()
	defer i.mu.Unlock()

	ports := i.tunnelPorts(t)
	if ports == nil {
		return nil
	}

	var out []uint16
	for _, p := range *ports {
		out = append(out, p.port)
	}
	return out
}

// restoreTunnelPortsLocked programs the oldest recorded port of each
// protocol into the device, or zero to disable parsing for it.
// +checklocks:i.mu
func (i *Interface) restoreTunnelPortsLocked() {
	var vxlan, geneve uint16
	if len(i.vxlanPorts) > 0 {
		vxlan = i.vxlanPorts[0].port
	}
	if len(i.genevePorts) > 0 {
		geneve = i.genevePorts[0].port
	}
	if err := i.sw.UpdateTunnelPorts(vxlan, geneve); err != nil {
		log.Debugf("tunnel ports: %v", err)
	}
}

// flushTunnelPortsLocked forgets all recorded tunnel ports. The host
// stack replays them after the interface comes back up.
// +checklocks:i.mu
func (i *Interface) flushTunnelPortsLocked() {
	i.vxlanPorts = nil
	i.genevePorts = nil
}
