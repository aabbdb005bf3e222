// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice

// EventPublisher receives fire-and-forget lifecycle postings keyed by
// category and event name. Implementations must never block the caller and
// must swallow their own failures.
type EventPublisher interface {
	Publish(category, event string, data map[string]interface{})
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, string, map[string]interface{}) {}
