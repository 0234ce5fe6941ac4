//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//
package probe

import "fmt"

const SP = 13 // SP is an alias for R13
const LR = 14 // LR is an alias for R14
const PC = 15 // PC is an alias for R15

// RegisterSet is the ARMv7-M core register file.
type RegisterSet struct {
	R    [16]uint32
	XPSR uint32
	MSP  uint32
	PSP  uint32
}

func (r *RegisterSet) PC() uint32 {
	return r.R[PC]
}

func (r *RegisterSet) SP() uint32 {
	return r.R[SP]
}

// ExceptionNumber returns the IPSR field of xPSR: 0 in thread mode,
// otherwise the number of the exception being handled.
func (r *RegisterSet) ExceptionNumber() uint32 {
	return r.XPSR & 0x1ff
}

func (r RegisterSet) String() string {
	return fmt.Sprintf(
		"[R0=0x%x R1=0x%x R2=0x%x R3=0x%x R4=0x%x R5=0x%x R6=0x%x R7=0x%x "+
			"R8=0x%x R9=0x%x R10=0x%x R11=0x%x R12=0x%x SP=0x%x LR=0x%x PC=0x%x xPSR=0x%x MSP=0x%x PSP=0x%x]",
		r.R[0], r.R[1], r.R[2], r.R[3], r.R[4], r.R[5], r.R[6], r.R[7], r.R[8], r.R[9], r.R[10], r.R[11], r.R[12],
		r.R[SP], r.R[LR], r.R[PC], r.XPSR, r.MSP, r.PSP)
}
