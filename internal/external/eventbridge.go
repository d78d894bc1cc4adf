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

package external

import (
	"github.com/Sophic-Technical-Solutions/kismet/internal/eventbus"
	"github.com/Sophic-Technical-Solutions/kismet/internal/extproto"
)

// handleEventbusRegister subscribes the worker to named bus events. A
// re-registration for a name replaces the prior listener.
func (e *Endpoint) handleEventbusRegister(seqno uint32, content []byte) {
	reg, err := extproto.UnmarshalEventbusRegisterListener(content)
	if err != nil {
		e.logger.Error("external interface got an unparseable EVENTBUSREGISTER")
		e.TriggerError("Invalid EVENTBUSREGISTER")
		return
	}

	if e.opts.EventBus == nil {
		e.logger.Error("external interface got EVENTBUSREGISTER but no event bus is attached")
		e.TriggerError("Invalid EVENTBUSREGISTER")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, name := range reg.Event {
		if prior, ok := e.ebListeners[name]; ok {
			e.opts.EventBus.RemoveListener(prior)
			ebListenerGauge.Dec()
		}

		id := e.opts.EventBus.RegisterListener(name, func(evt *eventbus.Event) {
			e.proxyEvent(evt)
		})

		e.ebListeners[name] = id
		ebListenerGauge.Inc()
	}
}

// handleEventbusPublish publishes a worker event on the daemon bus. The
// worker's JSON payload rides under the well-known content field.
func (e *Endpoint) handleEventbusPublish(seqno uint32, content []byte) {
	pub, err := extproto.UnmarshalEventbusPublishEvent(content)
	if err != nil {
		e.logger.Error("external interface got unparseable EVENTBUSPUBLISH")
		e.TriggerError("Invalid EVENTBUSPUBLISH")
		return
	}

	if e.opts.EventBus == nil {
		e.logger.Error("external interface got EVENTBUSPUBLISH but no event bus is attached")
		e.TriggerError("Invalid EVENTBUSPUBLISH")
		return
	}

	evt := e.opts.EventBus.NewEvent(pub.EventType)
	evt.Content[eventbus.ContentJSONField] = pub.EventContentJSON
	e.opts.EventBus.Publish(evt)
}

// proxyEvent forwards a bus event to the worker as an EVENT command
// carrying the event serialized to JSON.
func (e *Endpoint) proxyEvent(evt *eventbus.Event) {
	eventJSON, err := evt.MarshalJSONContent()
	if err != nil {
		e.logger.Error("external interface failed serializing event", "event", evt.Type, "error", err)
		return
	}

	e.SendCommand(&extproto.Command{
		Command: extproto.CmdEvent,
		Content: (&extproto.EventbusEvent{EventJSON: eventJSON}).Marshal(),
	})
}
