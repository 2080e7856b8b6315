package packer

// batchControl sizes claim batches: additive increase on a clean batch,
// multiplicative decrease on fetch errors, bounded [1, max]. This is the only
// flow-control primitive; there are no in-memory queues to fill.
type batchControl struct {
	size int
	max  int
}

func newBatchControl(max int) *batchControl {
	return &batchControl{size: max, max: max}
}

func (b *batchControl) Size() int {
	return b.size
}

func (b *batchControl) Success() {
	if b.size < b.max {
		b.size++
	}
}

func (b *batchControl) Failure() {
	b.size /= 2
	if b.size < 1 {
		b.size = 1
	}
}
