package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Callers that abandon a provider stream early use it so the producing
// goroutine can finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
