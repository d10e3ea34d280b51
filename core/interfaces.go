// Package core defines the shared types and interfaces of the video
// production control plane: generation requests, provider jobs, provider
// descriptors, the error taxonomy, logging, and configuration.
//
// Every other package depends on core; core depends on nothing but the
// standard library. This keeps the dependency graph single-directional.
package core

import "context"

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger can attribute log lines to a named component.
// Components check for this interface and call WithComponent so that
// log output identifies which part of the pipeline emitted it.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Uploader is the external upload collaborator. The control plane hands
// finished artifacts to it and records the receipt; it does not specify
// how the upload is performed.
type Uploader interface {
	// Upload publishes an artifact to the named platform.
	// Returns an opaque receipt on success.
	Upload(ctx context.Context, platform string, artifactURI string, metadata map[string]string) (string, error)
}

// TopicSource is the external creative collaborator consulted by the
// scheduler. It converts a (platform, tier) slot into a concrete
// creative spec; topic selection strategy is not specified here.
type TopicSource interface {
	Next(platform string, tier Tier) (CreativeSpec, error)
}

// CreativeSpec is an already-expanded creative specification ready to
// become a GenerationRequest prompt.
type CreativeSpec struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	AspectRatio     string `json:"aspect_ratio"`
}
