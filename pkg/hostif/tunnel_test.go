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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

func TestTunnelPortPrecedence(t *testing.T) {
	e := newTestEnv(t, nil)

	if err := e.ifc.AddTunnelPort(TunnelVXLAN, 4789, false); err != nil {
		t.Fatalf("AddTunnelPort failed: %v", err)
	}
	if err := e.ifc.AddTunnelPort(TunnelVXLAN, 8472, false); err != nil {
		t.Fatalf("AddTunnelPort failed: %v", err)
	}

	if diff := cmp.Diff([]uint16{4789, 8472}, e.ifc.TunnelPorts(TunnelVXLAN)); diff != "" {
		t.Errorf("ports mismatch (-want +got):\n%s", diff)
	}
	// The device parses one port per protocol; the oldest wins.
	if vxlan, _ := e.sw.TunnelPorts(); vxlan != 4789 {
		t.Errorf("device VXLAN port = %d, want 4789", vxlan)
	}

	// Dropping the parsed port promotes the next-oldest.
	if err := e.ifc.DelTunnelPort(TunnelVXLAN, 4789, false); err != nil {
		t.Fatalf("DelTunnelPort failed: %v", err)
	}
	if vxlan, _ := e.sw.TunnelPorts(); vxlan != 8472 {
		t.Errorf("device VXLAN port = %d, want 8472", vxlan)
	}
}

func TestTunnelPortReaddMovesToTail(t *testing.T) {
	e := newTestEnv(t, nil)

	for _, port := range []uint16{4789, 8472, 4789} {
		if err := e.ifc.AddTunnelPort(TunnelVXLAN, port, false); err != nil {
			t.Fatalf("AddTunnelPort(%d) failed: %v", port, err)
		}
	}

	if diff := cmp.Diff([]uint16{8472, 4789}, e.ifc.TunnelPorts(TunnelVXLAN)); diff != "" {
		t.Errorf("ports mismatch (-want +got):\n%s", diff)
	}
	if vxlan, _ := e.sw.TunnelPorts(); vxlan != 8472 {
		t.Errorf("device VXLAN port = %d, want 8472", vxlan)
	}
}

func TestTunnelPortPerFamily(t *testing.T) {
	e := newTestEnv(t, nil)

	// The same port number is tracked once per address family.
	if err := e.ifc.AddTunnelPort(TunnelVXLAN, 4789, false); err != nil {
		t.Fatalf("AddTunnelPort failed: %v", err)
	}
	if err := e.ifc.AddTunnelPort(TunnelVXLAN, 4789, true); err != nil {
		t.Fatalf("AddTunnelPort failed: %v", err)
	}
	if diff := cmp.Diff([]uint16{4789, 4789}, e.ifc.TunnelPorts(TunnelVXLAN)); diff != "" {
		t.Errorf("ports mismatch (-want +got):\n%s", diff)
	}

	if err := e.ifc.DelTunnelPort(TunnelVXLAN, 4789, false); err != nil {
		t.Fatalf("DelTunnelPort failed: %v", err)
	}
	if diff := cmp.Diff([]uint16{4789}, e.ifc.TunnelPorts(TunnelVXLAN)); diff != "" {
		t.Errorf("ports mismatch (-want +got):\n%s", diff)
	}
	if vxlan, _ := e.sw.TunnelPorts(); vxlan != 4789 {
		t.Errorf("device VXLAN port = %d, want 4789", vxlan)
	}
}

func TestTunnelProtocolsIndependent(t *testing.T) {
	e := newTestEnv(t, nil)

	if err := e.ifc.AddTunnelPort(TunnelVXLAN, 4789, false); err != nil {
		t.Fatalf("AddTunnelPort failed: %v", err)
	}
	if err := e.ifc.AddTunnelPort(TunnelGENEVE, 6081, false); err != nil {
		t.Fatalf("AddTunnelPort failed: %v", err)
	}
	if vxlan, geneve := e.sw.TunnelPorts(); vxlan != 4789 || geneve != 6081 {
		t.Errorf("device ports = (%d, %d), want (4789, 6081)", vxlan, geneve)
	}

	if err := e.ifc.DelTunnelPort(TunnelVXLAN, 4789, false); err != nil {
		t.Fatalf("DelTunnelPort failed: %v", err)
	}
	if vxlan, geneve := e.sw.TunnelPorts(); vxlan != 0 || geneve != 6081 {
		t.Errorf("device ports = (%d, %d), want (0, 6081)", vxlan, geneve)
	}
}

func TestTunnelPortBadProtocol(t *testing.T) {
	e := newTestEnv(t, nil)

	if err := e.ifc.AddTunnelPort(TunnelType(99), 4789, false); err != linuxerr.EINVAL {
		t.Errorf("AddTunnelPort = %v, want %v", err, linuxerr.EINVAL)
	}
	if err := e.ifc.DelTunnelPort(TunnelType(99), 4789, false); err != linuxerr.EINVAL {
		t.Errorf("DelTunnelPort = %v, want %v", err, linuxerr.EINVAL)
	}
	if got := e.ifc.TunnelPorts(TunnelType(99)); got != nil {
		t.Errorf("TunnelPorts = %v, want nil", got)
	}
}

func TestDownFlushesTunnelPorts(t *testing.T) {
	e := newTestEnv(t, nil)
	e.up(t)

	if err := e.ifc.AddTunnelPort(TunnelVXLAN, 4789, false); err != nil {
		t.Fatalf("AddTunnelPort failed: %v", err)
	}
	e.ifc.Down()

	if got := e.ifc.TunnelPorts(TunnelVXLAN); len(got) != 0 {
		t.Errorf("TunnelPorts = %v after Down, want none", got)
	}

	// Coming back up reprograms the device from the now-empty lists; the
	// host stack is expected to replay its ports afterwards.
	if err := e.ifc.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if vxlan, geneve := e.sw.TunnelPorts(); vxlan != 0 || geneve != 0 {
		t.Errorf("device ports = (%d, %d) after Up, want (0, 0)", vxlan, geneve)
	}
}
