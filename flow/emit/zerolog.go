package emit

import (
	"github.com/rs/zerolog"
)

// ZerologEmitter bridges engine events into a zerolog.Logger.
//
// Each event becomes one structured log record carrying run_id, step,
// node_id, and every Meta field. Events whose Meta contains an "error"
// entry are logged at error level; everything else at info.
//
// Example:
//
//	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	emitter := emit.NewZerologEmitter(logger)
type ZerologEmitter struct {
	logger zerolog.Logger
}

// NewZerologEmitter creates an emitter that logs through the given logger.
func NewZerologEmitter(logger zerolog.Logger) *ZerologEmitter {
	return &ZerologEmitter{logger: logger}
}

// Emit logs the event as a structured record.
func (z *ZerologEmitter) Emit(e Event) {
	var ev *zerolog.Event
	if _, failed := e.Meta["error"]; failed {
		ev = z.logger.Error()
	} else {
		ev = z.logger.Info()
	}

	ev = ev.Str("run_id", e.RunID).Int("step", e.Step)
	if e.NodeID != "" {
		ev = ev.Str("node_id", e.NodeID)
	}
	if len(e.Meta) > 0 {
		ev = ev.Fields(e.Meta)
	}
	ev.Msg(e.Msg)
}
