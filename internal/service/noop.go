package service

import (
	"context"

	"github.com/septivank/counter-ingest-worker/internal/db"
)

// NopNotifier drops run events
type NopNotifier struct{}

func (NopNotifier) PublishRun(context.Context, *db.RunAttempt) error { return nil }

// NopRecorder drops run metrics
type NopRecorder struct{}

func (NopRecorder) ObserveRun(*db.RunAttempt)  {}
func (NopRecorder) Push(context.Context) error { return nil }
