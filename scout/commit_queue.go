package scout

import (
	"container/heap"
)

// commitQueue orders locally committed transactions by client timestamp
// counter. The first entry is the next candidate for global commit.
// Callers synchronize externally (the scout lock).
type commitQueue struct {
	orderedTxns []*Txn
	// client counter -> txn
	counterTxns map[int64]*Txn
}

func newCommitQueue() *commitQueue {
	commitQueue := &commitQueue{
		orderedTxns: []*Txn{},
		counterTxns: map[int64]*Txn{},
	}
	heap.Init(commitQueue)
	return commitQueue
}

func (self *commitQueue) Add(txn *Txn) {
	self.counterTxns[txn.ClientTimestamp().Counter] = txn
	heap.Push(self, txn)
}

func (self *commitQueue) Remove(txn *Txn) {
	counter := txn.ClientTimestamp().Counter
	item, ok := self.counterTxns[counter]
	if !ok || item != txn {
		return
	}
	delete(self.counterTxns, counter)
	removed := heap.Remove(self, txn.heapIndex)
	if removed != txn {
		panic("Heap invariant broken.")
	}
}

func (self *commitQueue) PeekFirst() *Txn {
	if len(self.orderedTxns) == 0 {
		return nil
	}
	return self.orderedTxns[0]
}

// Ordered returns the queued transactions in commit order.
func (self *commitQueue) Ordered() []*Txn {
	ordered := make([]*Txn, len(self.orderedTxns))
	copy(ordered, self.orderedTxns)
	for i := range ordered {
		for j := i; 0 < j && ordered[j].ClientTimestamp().Counter < ordered[j-1].ClientTimestamp().Counter; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

// heap.Interface

func (self *commitQueue) Len() int {
	return len(self.orderedTxns)
}

func (self *commitQueue) Less(i int, j int) bool {
	return self.orderedTxns[i].ClientTimestamp().Counter < self.orderedTxns[j].ClientTimestamp().Counter
}

func (self *commitQueue) Swap(i int, j int) {
	a := self.orderedTxns[i]
	b := self.orderedTxns[j]
	b.heapIndex = i
	self.orderedTxns[i] = b
	a.heapIndex = j
	self.orderedTxns[j] = a
}

func (self *commitQueue) Push(x any) {
	txn := x.(*Txn)
	txn.heapIndex = len(self.orderedTxns)
	self.orderedTxns = append(self.orderedTxns, txn)
}

func (self *commitQueue) Pop() any {
	n := len(self.orderedTxns)
	txn := self.orderedTxns[n-1]
	self.orderedTxns[n-1] = nil
	self.orderedTxns = self.orderedTxns[:n-1]
	return txn
}
