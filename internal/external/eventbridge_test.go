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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sophic-Technical-Solutions/kismet/internal/eventbus"
	"github.com/Sophic-Technical-Solutions/kismet/internal/extproto"
)

// registerEvents subscribes the worker to bus events and waits for the
// registration to land using a PING barrier.
func registerEvents(t *testing.T, peer *testPeer, names ...string) {
	t.Helper()

	peer.send(&extproto.Command{
		Command: extproto.CmdEventbusRegister,
		Seqno:   200,
		Content: (&extproto.EventbusRegisterListener{Event: names}).Marshal(),
	})
	peer.send(&extproto.Command{
		Command: extproto.CmdPing,
		Seqno:   201,
		Content: (&extproto.Ping{}).Marshal(),
	})
	peer.expect(extproto.CmdPong, 2*time.Second)
}

func TestEventbusRegisterAndForward(t *testing.T) {
	bus := eventbus.NewBroker()
	defer bus.Shutdown()

	_, peer := newTestEndpoint(t, Options{EventBus: bus})

	registerEvents(t, peer, "DOT11_NEW_SSID")
	require.Equal(t, 1, bus.ListenerCount())

	evt := bus.NewEvent("DOT11_NEW_SSID")
	evt.Content["ssid"] = "lab-net"
	bus.Publish(evt)

	evtCmd := peer.expect(extproto.CmdEvent, 2*time.Second)

	payload, err := extproto.UnmarshalEventbusEvent(evtCmd.Content)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload.EventJSON), &decoded))
	assert.Equal(t, "DOT11_NEW_SSID", decoded["event_type"])

	content, ok := decoded["content"].(map[string]any)
	require.True(t, ok, "event json missing content: %s", payload.EventJSON)
	assert.Equal(t, "lab-net", content["ssid"])
}

func TestEventbusReRegisterReplacesListener(t *testing.T) {
	bus := eventbus.NewBroker()
	defer bus.Shutdown()

	_, peer := newTestEndpoint(t, Options{EventBus: bus})

	registerEvents(t, peer, "GPS_LOCATION")
	registerEvents(t, peer, "GPS_LOCATION")

	assert.Equal(t, 1, bus.ListenerCount())
}

func TestEventbusListenerCleanupOnClose(t *testing.T) {
	bus := eventbus.NewBroker()
	defer bus.Shutdown()

	e, peer := newTestEndpoint(t, Options{EventBus: bus})

	registerEvents(t, peer, "DOT11_NEW_SSID", "GPS_LOCATION", "TIMESTAMP")
	require.Equal(t, 3, bus.ListenerCount())

	e.Close()

	assert.Equal(t, 0, bus.ListenerCount(), "broker must observe zero leftover listeners")
}

func TestEventbusPublishFromWorker(t *testing.T) {
	bus := eventbus.NewBroker()
	defer bus.Shutdown()

	received := make(chan *eventbus.Event, 1)
	bus.RegisterListener("HELPER_STATE", func(evt *eventbus.Event) {
		received <- evt
	})

	_, peer := newTestEndpoint(t, Options{EventBus: bus})

	peer.send(&extproto.Command{
		Command: extproto.CmdEventbusPublish,
		Seqno:   1,
		Content: (&extproto.EventbusPublishEvent{
			EventType:        "HELPER_STATE",
			EventContentJSON: `{"state":"running"}`,
		}).Marshal(),
	})

	select {
	case evt := <-received:
		assert.Equal(t, "HELPER_STATE", evt.Type)
		assert.Equal(t, `{"state":"running"}`, evt.Content[eventbus.ContentJSONField])
	case <-time.After(2 * time.Second):
		t.Fatal("published event never reached the bus")
	}
}

func TestEventbusInvalidRegisterFunnels(t *testing.T) {
	bus := eventbus.NewBroker()
	defer bus.Shutdown()

	rec := &errorRecorder{}
	_, peer := newTestEndpoint(t, Options{EventBus: bus, OnError: rec.hook})

	peer.send(&extproto.Command{
		Command: extproto.CmdEventbusRegister,
		Seqno:   1,
		Content: []byte{0xFF, 0xFF, 0xFF},
	})

	rec.waitFor(t, "Invalid EVENTBUSREGISTER", 2*time.Second)
}
