package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer goroutine when the remaining values of a
// stream, such as live session events after teardown, are no longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
