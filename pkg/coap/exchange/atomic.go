package exchange

import "sync/atomic"

func atomicLoad(addr *int32) int32 {
	return atomic.LoadInt32(addr)
}

func atomicCAS(addr *int32, old, new int32) bool {
	return atomic.CompareAndSwapInt32(addr, old, new)
}
