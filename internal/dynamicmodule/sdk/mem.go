// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package sdk

import (
	"sync"
	"unsafe"
)

var memManager = memoryManager{
	httpFilterLists:      make([]*pinnedHTTPFilter, shardingSize),
	httpFilterListsMuxes: make([]sync.Mutex, shardingSize),
}

const (
	shardingSize = 1 << 8
	shardingMask = shardingSize - 1
)

type (
	// memoryManager keeps the objects handed to Envoy reachable, so that the Go
	// garbage collector does not free them while Envoy holds their address.
	//
	// Filters are created and destroyed on every worker thread, so they are kept in
	// lists sharded by address. Filter configs are only touched by the main thread.
	memoryManager struct {
		// httpFilterConfigs holds a linked list of HTTPFilterConfig.
		httpFilterConfigs    *pinnedHTTPFilterConfig
		httpFilterLists      []*pinnedHTTPFilter
		httpFilterListsMuxes []sync.Mutex
	}

	// pinnedHTTPFilterConfig holds a pinned HTTPFilterConfig managed by the memory manager.
	pinnedHTTPFilterConfig = linkedList[HTTPFilterConfig]

	// pinnedHTTPFilter holds a pinned HTTPFilter managed by the memory manager.
	pinnedHTTPFilter = linkedList[*pinnedHTTPFilterItem]

	linkedList[T any] struct {
		obj        T
		next, prev *linkedList[T]
	}

	// pinnedHTTPFilterItem is what Envoy knows as the module filter. filter is nil until the first event.
	pinnedHTTPFilterItem struct {
		filter HTTPFilter
		config HTTPFilterConfig
	}
)

// pinHTTPFilterConfig pins the HTTPFilterConfig to the memory manager.
func (m *memoryManager) pinHTTPFilterConfig(filterConfig HTTPFilterConfig) *pinnedHTTPFilterConfig {
	item := &pinnedHTTPFilterConfig{obj: filterConfig, next: m.httpFilterConfigs, prev: nil}
	if m.httpFilterConfigs != nil {
		m.httpFilterConfigs.prev = item
	}
	m.httpFilterConfigs = item
	return item
}

// unpinHTTPFilterConfig unpins the HTTPFilterConfig from the memory manager.
func (m *memoryManager) unpinHTTPFilterConfig(filterConfig *pinnedHTTPFilterConfig) {
	if filterConfig.prev != nil {
		filterConfig.prev.next = filterConfig.next
	} else {
		m.httpFilterConfigs = filterConfig.next
	}
	if filterConfig.next != nil {
		filterConfig.next.prev = filterConfig.prev
	}
}

// unwrapPinnedHTTPFilterConfig unwraps the pinned http filter config.
func unwrapPinnedHTTPFilterConfig(raw uintptr) *pinnedHTTPFilterConfig {
	return (*pinnedHTTPFilterConfig)(unsafe.Pointer(raw))
}

// pinHTTPFilter pins the http filter to the memory manager.
func (m *memoryManager) pinHTTPFilter(filter *pinnedHTTPFilterItem) *pinnedHTTPFilter {
	item := &pinnedHTTPFilter{obj: filter, next: nil, prev: nil}
	index := m.shardingKey(uintptr(unsafe.Pointer(item)))
	mux := &m.httpFilterListsMuxes[index]
	mux.Lock()
	defer mux.Unlock()
	item.next = m.httpFilterLists[index]
	if m.httpFilterLists[index] != nil {
		m.httpFilterLists[index].prev = item
	}
	m.httpFilterLists[index] = item
	return item
}

// unpinHTTPFilter unpins the http filter from the memory manager.
func (m *memoryManager) unpinHTTPFilter(filter *pinnedHTTPFilter) {
	index := m.shardingKey(uintptr(unsafe.Pointer(filter)))
	mux := &m.httpFilterListsMuxes[index]
	mux.Lock()
	defer mux.Unlock()

	if filter.prev != nil {
		filter.prev.next = filter.next
	} else {
		m.httpFilterLists[index] = filter.next
	}
	if filter.next != nil {
		filter.next.prev = filter.prev
	}
}

// unwrapPinnedHTTPFilter unwraps the raw pointer to the pinned http filter.
func unwrapPinnedHTTPFilter(raw uintptr) *pinnedHTTPFilter {
	return (*pinnedHTTPFilter)(unsafe.Pointer(raw))
}

func (m *memoryManager) shardingKey(key uintptr) uintptr {
	return splitmix64(key) & uintptr(len(m.httpFilterListsMuxes)-1)
}

func splitmix64(x uintptr) uintptr {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// pinnedHTTPFilterCount returns the number of pinned filters.
func (m *memoryManager) pinnedHTTPFilterCount() int {
	n := 0
	for i := range m.httpFilterLists {
		m.httpFilterListsMuxes[i].Lock()
		for item := m.httpFilterLists[i]; item != nil; item = item.next {
			n++
		}
		m.httpFilterListsMuxes[i].Unlock()
	}
	return n
}
