// Package backend invokes the hosted generation models and classifies
// their failures.
package backend

import (
	"context"

	"github.com/vetrovp/genforge/internal/domain"
)

// MediaKind tells the delivery layer how to send the result.
type MediaKind string

const (
	// MediaImage is a still image result.
	MediaImage MediaKind = "image"
	// MediaVideo is a video clip result.
	MediaVideo MediaKind = "video"
)

// Result is one produced artifact.
type Result struct {
	Kind MediaKind
	Data []byte
}

// Invoker runs one generation job to completion. Implementations must
// honor ctx cancellation: the worker bounds every invocation with the
// generation timeout and aborts it on user cancellation.
type Invoker interface {
	Invoke(ctx context.Context, tariff string, job domain.Job) (*Result, error)
}
