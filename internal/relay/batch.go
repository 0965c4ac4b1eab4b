package relay

// MaxGroupSize is the largest number of items the platform accepts in a
// single grouped media message.
const MaxGroupSize = 10

// Batch splits items in to consecutive groups of at most size items,
// preserving order. A non-positive size uses MaxGroupSize.
func Batch[T any](items []T, size int) [][]T {
	if size <= 0 || size > MaxGroupSize {
		size = MaxGroupSize
	}

	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}

	return batches
}
