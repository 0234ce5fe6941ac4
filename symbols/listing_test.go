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
package symbols

import (
	"reflect"
	"strings"
	"testing"
)

const testListing = `
firmware.elf:     file format elf32-littlearm


Disassembly of section .text:

08000188 <main>:
 8000188:	b580      	push	{r7, lr}
 800018a:	af00      	add	r7, sp, #0
 800018c:	f000 f808 	bl	80001a0 <init>
 8000190:	f000 f80e 	bl	80001b0 <step>
 8000194:	f000 f808 	bl	80001a8 <init+0x8>
 8000198:	dd02      	ble.n	80001a0 <init>
 800019a:	f7ff fff9 	bl	8000190 <main+0x8>
 800019e:	e7f7      	b.n	8000190 <main+0x8>

080001a0 <init>:
 80001a0:	4770      	bx	lr
 80001a2:	bf00      	nop
	...
 80001a8:	4770      	bx	lr

080001b0 <step>:
 80001b0:	b508      	push	{r3, lr}
 80001b2:	f000 f803 	bl	80001bc <__aeabi_memcpy>
 80001b6:	bd08      	pop	{r3, pc}
`

func TestParseListing(t *testing.T) {
	l, err := ParseListing(strings.NewReader(testListing))
	if err != nil {
		t.Fatalf("ParseListing: %s", err)
	}
	var names []string
	for _, f := range l.Functions() {
		names = append(names, f.Name)
	}
	if want := []string{"main", "init", "step"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	main, _ := l.Function("main")
	if got, want := main.Start, uint32(0x08000188); got != want {
		t.Errorf("main start: got 0x%x, want 0x%x", got, want)
	}
	if got, want := main.End, uint32(0x080001a0); got != want {
		t.Errorf("main end: got 0x%x, want 0x%x", got, want)
	}
	if want := []string{"init", "step"}; !reflect.DeepEqual(main.Calls, want) {
		t.Errorf("main calls: got %v, want %v", main.Calls, want)
	}
	step, _ := l.Function("step")
	if want := []string{"__aeabi_memcpy"}; !reflect.DeepEqual(step.Calls, want) {
		t.Errorf("step calls: got %v, want %v", step.Calls, want)
	}
}

func TestListingFunctionAt(t *testing.T) {
	l, err := ParseListing(strings.NewReader(testListing))
	if err != nil {
		t.Fatalf("ParseListing: %s", err)
	}
	for _, c := range []struct {
		pc   uint32
		want string
	}{
		{0x08000188, "main"},
		{0x0800019f, "main"},
		{0x080001a0, "init"},
		{0x080001a9, "init"},
		{0x080001b6, "step"},
		{0x080001b8, ""},
		{0x08000100, ""},
	} {
		got, ok := l.FunctionAt(c.pc)
		if got != c.want || ok != (c.want != "") {
			t.Errorf("0x%x: got %q %t, want %q", c.pc, got, ok, c.want)
		}
	}
}

func TestCallees(t *testing.T) {
	l, err := ParseListing(strings.NewReader(testListing))
	if err != nil {
		t.Fatalf("ParseListing: %s", err)
	}
	callees, err := l.Callees("main")
	if err != nil {
		t.Fatalf("Callees: %s", err)
	}
	var names []string
	for _, f := range callees {
		names = append(names, f.Name)
	}
	if want := []string{"init", "step"}; !reflect.DeepEqual(names, want) {
		t.Errorf("got %v, want %v", names, want)
	}
	// Targets outside of the listing are skipped.
	callees, err = l.Callees("step")
	if err != nil || len(callees) != 0 {
		t.Errorf("got %v, %v", callees, err)
	}
	if _, err := l.Callees("nope"); err == nil {
		t.Errorf("expected to fail")
	}
}
