// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package analytics

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/voice-client-go/pkg/commons"
	"github.com/rapidaai/voice-client-go/pkg/utils"
)

// event is the wire shape of one posting.
type event struct {
	Category  string                 `json:"category"`
	Name      string                 `json:"name"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher posts lifecycle events to an HTTP collector, fire-and-forget:
// the caller is never blocked and failures are logged and dropped.
type Publisher struct {
	logger   commons.Logger
	client   *resty.Client
	endpoint string
	token    string
}

// NewPublisher builds a publisher against the given collector endpoint.
func NewPublisher(logger commons.Logger, endpoint, token string) *Publisher {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(1)
	return &Publisher{
		logger:   logger,
		client:   client,
		endpoint: endpoint,
		token:    token,
	}
}

// Publish posts one event in the background.
func (p *Publisher) Publish(category, name string, data map[string]interface{}) {
	ev := event{
		Category:  category,
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	utils.Go(context.Background(), func() {
		resp, err := p.client.R().
			SetHeader("Content-Type", "application/json").
			SetAuthToken(p.token).
			SetBody(ev).
			Post(p.endpoint)
		if err != nil {
			p.logger.Debugw("analytics posting failed", "event", name, "error", err)
			return
		}
		if resp.IsError() {
			p.logger.Debugw("analytics posting rejected",
				"event", name, "status", resp.StatusCode())
		}
	})
}
