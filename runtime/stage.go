package runtime

// StageResult represents the outcome of a pipeline stage.
//
// Every stage returns an explicit result - no silent failures.
type StageResult[T any] struct {
	Item   T      // The item to continue with (only meaningful when Kept)
	Kept   bool   // False when the item was dropped or failed
	Error  error  // Set if stage failed
	Reason string // Human-readable reason for drop ("irrelevant", "duplicate_id")
}

// Continue indicates the item should proceed to the next stage.
func Continue[T any](item T) StageResult[T] {
	return StageResult[T]{Item: item, Kept: true}
}

// Drop indicates the item was intentionally filtered out.
// Use this for relevance filtering, deduplication, etc.
func Drop[T any](reason string) StageResult[T] {
	return StageResult[T]{Reason: reason}
}

// Fail indicates something went wrong.
func Fail[T any](err error) StageResult[T] {
	return StageResult[T]{Error: err}
}

// IsContinue returns true if the result indicates continuation.
func (r StageResult[T]) IsContinue() bool {
	return r.Kept && r.Error == nil
}

// IsDrop returns true if the result indicates an intentional drop.
func (r StageResult[T]) IsDrop() bool {
	return !r.Kept && r.Error == nil
}

// IsError returns true if the result indicates an error.
func (r StageResult[T]) IsError() bool {
	return r.Error != nil
}

// Stage processes an item and returns an explicit result.
//
// Stages are the building blocks of pipelines. They can:
//   - Transform the item (normalization, name resolution)
//   - Filter it (relevance, deduplication)
//   - Store it (timeline append)
//   - Drop it with a reason
//   - Fail with an error
type Stage[T any] interface {
	Process(item T) StageResult[T]
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc[T any] func(item T) StageResult[T]

// Process implements Stage.
func (f StageFunc[T]) Process(item T) StageResult[T] {
	return f(item)
}

// Pipeline chains multiple stages together.
//
// Items flow through stages sequentially. If any stage returns
// an error or drop, the pipeline stops and returns that result.
type Pipeline[T any] []Stage[T]

// Run executes the pipeline on an item.
func (p Pipeline[T]) Run(item T) StageResult[T] {
	for _, stage := range p {
		result := stage.Process(item)

		// Error - propagate up immediately
		if result.Error != nil {
			return result
		}

		// Dropped - stop processing
		if !result.Kept {
			return result
		}

		// Continue with (possibly modified) item
		item = result.Item
	}

	return Continue(item)
}
