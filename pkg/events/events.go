// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events publishes change-set summaries so downstream consumers can
// invalidate caches or notify users without polling the snapshot.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// ChangeEvent summarizes one (brand, branch) change-set of a run.
type ChangeEvent struct {
	RunID       string    `json:"run_id"`
	Brand       string    `json:"brand"`
	BranchID    string    `json:"branch_id,omitempty"`
	Kind        string    `json:"kind"` // "branches" or "products"
	Added       int       `json:"added"`
	Updated     int       `json:"updated"`
	Deactivated int       `json:"deactivated"`
	At          time.Time `json:"at"`
}

// Key partitions events so one branch's events stay ordered.
func (e ChangeEvent) Key() string {
	return e.Brand + "/" + e.BranchID
}

// Publisher delivers change events.
type Publisher interface {
	Publish(ctx context.Context, events []ChangeEvent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, []ChangeEvent) error { return nil }
func (Nop) Close() error                                  { return nil }

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages to a topic.
type KafkaPublisher struct {
	w       messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaPublisher creates a publisher for brokers (comma separated) and topic.
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, logger), nil
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{w: w, timeout: 10 * time.Second, logger: logger}
}

// Publish sends all events in one write call.
func (p *KafkaPublisher) Publish(ctx context.Context, events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.Key()), Value: payload})
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	p.logger.Info("events.published", "count", len(msgs))
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
