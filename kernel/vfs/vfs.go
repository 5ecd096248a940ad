// Package vfs provides the thread information view of the virtual file
// system: one node per thread below the directory of its process.
package vfs

import (
	"sort"
	"strconv"

	"github.com/Rohit12234/Escape/kernel"
	"github.com/Rohit12234/Escape/kernel/sync"
)

var (
	// ErrNoFreeNodes is returned when the node table is full.
	ErrNoFreeNodes = &kernel.Error{Module: "vfs", Message: "no free nodes", Kind: kernel.KindResourceExhausted}

	errNodeExists = &kernel.Error{Module: "vfs", Message: "node already exists", Kind: kernel.KindInvalidArgument}
)

// ThreadNode describes the node of a thread.
type ThreadNode struct {
	TID  kernel.TID
	PID  kernel.PID
	Path string
}

// ThreadView holds the thread nodes.
type ThreadView struct {
	lock sync.Spinlock

	maxNodes int
	nodes    map[kernel.TID]ThreadNode
}

// NewThreadView returns a view holding at most maxNodes nodes.
func NewThreadView(maxNodes int) *ThreadView {
	return &ThreadView{
		maxNodes: maxNodes,
		nodes:    make(map[kernel.TID]ThreadNode),
	}
}

// ThreadPath returns the path of the node of tid in process pid.
func ThreadPath(pid kernel.PID, tid kernel.TID) string {
	return "/system/processes/" + strconv.FormatUint(uint64(pid), 10) + "/threads/" + strconv.FormatUint(uint64(tid), 10)
}

// CreateThread creates the node of tid.
func (v *ThreadView) CreateThread(pid kernel.PID, tid kernel.TID) *kernel.Error {
	v.lock.Acquire()
	defer v.lock.Release()

	if _, exists := v.nodes[tid]; exists {
		return errNodeExists
	}
	if len(v.nodes) >= v.maxNodes {
		return ErrNoFreeNodes
	}

	v.nodes[tid] = ThreadNode{TID: tid, PID: pid, Path: ThreadPath(pid, tid)}
	return nil
}

// RemoveThread removes the node of tid.
func (v *ThreadView) RemoveThread(tid kernel.TID) {
	v.lock.Acquire()
	defer v.lock.Release()

	delete(v.nodes, tid)
}

// Lookup returns the node of tid.
func (v *ThreadView) Lookup(tid kernel.TID) (ThreadNode, bool) {
	v.lock.Acquire()
	defer v.lock.Release()

	node, ok := v.nodes[tid]
	return node, ok
}

// Threads returns the nodes ordered by thread id.
func (v *ThreadView) Threads() []ThreadNode {
	v.lock.Acquire()
	defer v.lock.Release()

	list := make([]ThreadNode, 0, len(v.nodes))
	for _, node := range v.nodes {
		list = append(list, node)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TID < list[j].TID })
	return list
}

// Reset removes every node.
func (v *ThreadView) Reset() {
	v.lock.Acquire()
	defer v.lock.Release()

	v.nodes = make(map[kernel.TID]ThreadNode)
}
