package emit

// Emitter consumes execution events from the engine.
//
// Implementations must be safe for concurrent use: parallel branches emit
// from their own goroutines. Emit must never block the caller for long and
// must never panic; a misbehaving sink must not take the run down with it.
// Dropping events under pressure is acceptable, failing the workflow is not.
//
// The package ships several implementations:
//   - LogEmitter: human-readable or JSONL output to an io.Writer
//   - ZerologEmitter: structured logging through rs/zerolog
//   - OTelEmitter: OpenTelemetry spans per event
//   - BufferedEmitter: in-memory capture with query support (tests, debugging)
//   - NullEmitter: discard everything
type Emitter interface {
	Emit(e Event)
}
