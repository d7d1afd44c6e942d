package sink

import (
	"context"
	"fmt"

	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/herrors"
)

// New builds the configured sink and, when backpressure is enabled, wraps it
// with the bounded-queue drain layer.
func New(ctx context.Context, global config.GlobalConfig) (Sink, error) {
	var base Sink
	var err error

	switch global.Output.Destination {
	case "", "stdout":
		base = NewStdout()
	case "file":
		if global.Output.File == nil {
			return nil, &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("output.file is required when destination=file")}
		}
		base, err = NewFile(global.Output.File.Path, fileRotationPolicy(*global.Output.File))
		if err != nil {
			return nil, err
		}
	case "pubsub":
		if global.Output.PubSub == nil {
			return nil, &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("output.pubsub is required when destination=pubsub")}
		}
		base, err = NewPubSub(ctx, global.Output.PubSub.ProjectID, global.Output.PubSub.TopicID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("unknown output.destination %q", global.Output.Destination)}
	}

	if !global.Backpressure.Enabled {
		return base, nil
	}
	return NewBackpressure(base, global.Backpressure)
}

func fileRotationPolicy(cfg config.FileOutputConfig) RotationPolicy {
	switch cfg.Rotation {
	case "size_bytes":
		return RotationPolicy{Kind: RotationSizeBytes, SizeBytes: cfg.SizeBytes}
	case "daily":
		return RotationPolicy{Kind: RotationDaily}
	default:
		return RotationPolicy{Kind: RotationNone}
	}
}
