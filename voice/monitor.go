// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice

// ThresholdKind tags which side of a threshold a warning crossed.
type ThresholdKind string

const (
	ThresholdMin ThresholdKind = "min"
	ThresholdMax ThresholdKind = "max"
)

// Metric names the call reacts to. A min-threshold warning on either of
// these means nothing is flowing on the media path.
const (
	StatBytesSent     = "bytesSent"
	StatBytesReceived = "bytesReceived"
)

// Warning is a raised or cleared quality alert from the monitor.
type Warning struct {
	Name      string
	Threshold ThresholdKind
	Data      map[string]interface{}
}

// QualityMonitor is the quality-sensing collaborator. The statistical
// engine that decides when a metric is bad lives outside this SDK; the call
// only consumes its warning stream.
type QualityMonitor interface {
	Enable(media MediaSession)
	Disable()
	// SetWarningHandlers registers the raised and cleared callbacks.
	SetWarningHandlers(onWarning, onWarningCleared func(Warning))
	// SetSampleHandler registers the periodic metrics callback.
	SetSampleHandler(func(map[string]interface{}))
}

// QualityMonitorFactory builds one monitor per call, or returns nil to run
// without quality sensing.
type QualityMonitorFactory func() QualityMonitor
