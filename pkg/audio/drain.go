package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine when a synthesis stream is no
// longer wanted.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// Collect reads ch until it is closed and returns the concatenated chunks.
func Collect(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}
