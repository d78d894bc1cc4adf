// Copyright 2025 Sophic Technical Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package msgbus carries user-facing daemon messages. Components publish
// free-form text with a severity flag; sinks decide how to surface it.
package msgbus

import (
	"log/slog"
	"sync"
)

// Flag is the severity of a published message.
type Flag int

// Message severity flags. Values match the wire representation used by
// external helpers reporting messages over the channel.
const (
	FlagDebug Flag = 1 << iota
	FlagInfo
	FlagError
	FlagAlert
	FlagFatal
)

// Bus accepts daemon messages for delivery to registered sinks.
type Bus interface {
	Publish(text string, flags Flag)
}

// Sink receives every message published on a Broker.
type Sink func(text string, flags Flag)

// Broker is the default Bus: it logs every message and fans out to sinks.
type Broker struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewBroker creates a message broker backed by the given logger.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{logger: logger}
}

// AddSink registers an additional delivery sink.
func (b *Broker) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish delivers a message to the log and all sinks.
func (b *Broker) Publish(text string, flags Flag) {
	switch {
	case flags&FlagFatal != 0 || flags&FlagError != 0:
		b.logger.Error(text)
	case flags&FlagAlert != 0:
		b.logger.Warn(text)
	case flags&FlagDebug != 0:
		b.logger.Debug(text)
	default:
		b.logger.Info(text)
	}

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		s(text, flags)
	}
}
