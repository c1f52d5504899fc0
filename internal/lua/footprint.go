package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// Estimated sizes, in bytes, of the engine's value representations. The
// absolute numbers only need to be stable: limits are compared against the
// same estimate on every run.
const (
	valueSize    = 16
	stringSize   = 16
	tableSize    = 64
	entrySize    = 2 * valueSize
	functionSize = 64
	upvalueSize  = 32
	protoSize    = 128
	userdataSize = 48

	// maxLocals bounds the local slots inspected per call frame.
	maxLocals = 256
)

// Footprint estimates the memory held by everything reachable from the
// globals, the registry and the active call frames of L.
//
// The walk is deterministic: the same program state always yields the same
// value, so memory quotas trip at the same point on every run.
func Footprint(L *lua.LState) uint64 {
	return measure(L).Bytes
}

// Sample is one footprint measurement.
type Sample struct {
	// Bytes is the estimated footprint.
	Bytes uint64

	// Objects is the number of values and table entries walked.
	Objects uint64
}

func measure(L *lua.LState) Sample {
	w := &footprintWalker{
		visited: make(map[any]struct{}),
		protos:  make(map[*lua.FunctionProto]struct{}),
	}
	w.push(L.G.Global)
	w.push(L.G.Registry)
	w.frames(L)
	w.run()
	return Sample{Bytes: w.total, Objects: w.objects}
}

// RegisterBytes sums the sizes of the strings held in the registers of the
// running call frame, temporaries included. It is cheap enough to run on
// every instruction.
func RegisterBytes(L *lua.LState) uint64 {
	var n uint64
	top := min(L.GetTop(), maxLocals)
	for i := 1; i <= top; i++ {
		if s, ok := L.Get(i).(lua.LString); ok {
			n += stringSize + uint64(len(s))
		}
	}
	return n
}

// frames queues the registers of the running frame and the named locals of
// every frame below it. gopher-lua can hand out a frameless Debug record
// after tail calls; the walk stops there.
func (w *footprintWalker) frames(L *lua.LState) {
	defer func() {
		_ = recover()
	}()
	if _, ok := L.GetStack(0); !ok {
		return
	}
	top := min(L.GetTop(), maxLocals)
	for i := 1; i <= top; i++ {
		w.push(L.Get(i))
	}
	for level := 1; ; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			return
		}
		for n := 1; n <= maxLocals; n++ {
			name, v := L.GetLocal(dbg, n)
			if name == "" {
				break
			}
			w.push(v)
		}
	}
}

type footprintWalker struct {
	visited map[any]struct{}
	protos  map[*lua.FunctionProto]struct{}
	pending []lua.LValue
	total   uint64
	objects uint64
}

func (w *footprintWalker) push(v lua.LValue) {
	if v == nil {
		return
	}
	w.objects++
	switch v := v.(type) {
	case lua.LString:
		w.total += stringSize + uint64(len(v))
	case *lua.LTable, *lua.LFunction, *lua.LUserData:
		if _, seen := w.visited[v]; seen {
			return
		}
		w.visited[v] = struct{}{}
		w.pending = append(w.pending, v)
	}
}

func (w *footprintWalker) run() {
	for len(w.pending) > 0 {
		v := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]

		switch v := v.(type) {
		case *lua.LTable:
			w.total += tableSize
			v.ForEach(func(key, value lua.LValue) {
				w.total += entrySize
				w.push(key)
				w.push(value)
			})
			w.push(v.Metatable)
		case *lua.LFunction:
			w.total += functionSize
			if v.Proto != nil {
				w.proto(v.Proto)
			}
			for _, uv := range v.Upvalues {
				if uv == nil {
					continue
				}
				w.total += upvalueSize
				w.push(uv.Value())
			}
			if v.Env != nil {
				w.push(v.Env)
			}
		case *lua.LUserData:
			w.total += userdataSize
			if v.Env != nil {
				w.push(v.Env)
			}
			w.push(v.Metatable)
		}
	}
}

func (w *footprintWalker) proto(p *lua.FunctionProto) {
	if _, seen := w.protos[p]; seen {
		return
	}
	w.protos[p] = struct{}{}
	w.total += protoSize + 4*uint64(len(p.Code)) + valueSize*uint64(len(p.Constants))
	for _, c := range p.Constants {
		if s, ok := c.(lua.LString); ok {
			w.total += uint64(len(s))
		}
	}
	for _, child := range p.FunctionPrototypes {
		w.proto(child)
	}
}
