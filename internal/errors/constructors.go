package errors

// Convenience constructors for the failure taxonomy used by the build pipeline.

// ExtractionFailure is fatal to the job; no version is written.
func ExtractionFailure(err error, message string) *EngineError {
	return Wrap(err, CategoryExtraction, SeverityFatal, message)
}

// GenerationFailure is per-unit and recoverable; the unit receives a placeholder.
func GenerationFailure(err error, message string) *EngineError {
	return Wrap(err, CategoryGeneration, SeverityWarning, message)
}

// UploadFailure is retryable up to the configured bound, fatal after exhaustion.
func UploadFailure(err error, message string) *EngineError {
	return WrapRetryable(err, CategoryUpload, SeverityError, message)
}

// ConcurrencyConflict is returned synchronously to the caller and never auto-retried.
func ConcurrencyConflict(message string) *EngineError {
	return New(CategoryConflict, SeverityWarning, message)
}

// CorruptLineage is fatal; the engine halts rather than guessing the correct head.
func CorruptLineage(message string) *EngineError {
	return New(CategoryLineage, SeverityFatal, message)
}

// Canceled marks a deterministic cancellation transition to Failed.
func Canceled(message string) *EngineError {
	return New(CategoryCanceled, SeverityError, message)
}

// StateError wraps persistence failures.
func StateError(err error, message string) *EngineError {
	return Wrap(err, CategoryState, SeverityError, message)
}
