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
	"unsafe"
)

const (
	txDescSize = unsafe.Sizeof(txDesc{})
	rxDescSize = unsafe.Sizeof(rxDesc{})
)

func init() {
	// The layouts are fixed by the device interface.
	if txDescSize != 16 || rxDescSize != 32 {
		panic("descriptor layout size mismatch")
	}
}

// txDescView reinterprets a coherent descriptor block as n transmit
// descriptors. The block must be at least 8-byte aligned and n*16 bytes
// long.
func txDescView(raw []byte, n int) []txDesc {
	return unsafe.Slice((*txDesc)(unsafe.Pointer(&raw[0])), n)
}

// rxDescView reinterprets a coherent descriptor block as n receive
// descriptors. The block must be at least 8-byte aligned and n*32 bytes
// long.
func rxDescView(raw []byte, n int) []rxDesc {
	return unsafe.Slice((*rxDesc)(unsafe.Pointer(&raw[0])), n)
}
