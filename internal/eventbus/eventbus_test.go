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

package eventbus

import (
	"encoding/json"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan *Event, timeout time.Duration) *Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(timeout):
		t.Fatal("event never delivered")
		return nil
	}
}

func TestPublishDeliversToListeners(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown()

	got := make(chan *Event, 4)
	b.RegisterListener("ALERT", func(evt *Event) { got <- evt })

	evt := b.NewEvent("ALERT")
	evt.Content["severity"] = "high"
	b.Publish(evt)

	delivered := collect(t, got, 2*time.Second)
	if delivered.Type != "ALERT" || delivered.Content["severity"] != "high" {
		t.Errorf("delivered = %+v", delivered)
	}
}

func TestListenersAreTypeScoped(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown()

	got := make(chan *Event, 4)
	b.RegisterListener("A", func(evt *Event) { got <- evt })

	b.Publish(b.NewEvent("B"))
	b.Publish(b.NewEvent("A"))

	delivered := collect(t, got, 2*time.Second)
	if delivered.Type != "A" {
		t.Errorf("delivered type = %q, want A", delivered.Type)
	}

	select {
	case extra := <-got:
		t.Errorf("unexpected delivery: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoveListener(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown()

	got := make(chan *Event, 4)
	id := b.RegisterListener("A", func(evt *Event) { got <- evt })

	if b.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d", b.ListenerCount())
	}

	b.RemoveListener(id)
	b.RemoveListener(id) // double remove is a no-op

	if b.ListenerCount() != 0 {
		t.Fatalf("ListenerCount() after remove = %d", b.ListenerCount())
	}

	b.Publish(b.NewEvent("A"))
	select {
	case evt := <-got:
		t.Errorf("removed listener still delivered: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliveryOrder(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown()

	got := make(chan *Event, 8)
	b.RegisterListener("SEQ", func(evt *Event) { got <- evt })

	for i := 0; i < 5; i++ {
		evt := b.NewEvent("SEQ")
		evt.Content["n"] = i
		b.Publish(evt)
	}

	for i := 0; i < 5; i++ {
		evt := collect(t, got, 2*time.Second)
		if evt.Content["n"] != i {
			t.Fatalf("delivery %d carried %v", i, evt.Content["n"])
		}
	}
}

func TestMarshalJSONContent(t *testing.T) {
	b := NewBroker()
	defer b.Shutdown()

	evt := b.NewEvent("GPS_LOCATION")
	evt.Content["lat"] = 51.5
	evt.Content[ContentJSONField] = `{"raw":true}`

	s, err := evt.MarshalJSONContent()
	if err != nil {
		t.Fatalf("MarshalJSONContent() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if decoded["event_type"] != "GPS_LOCATION" {
		t.Errorf("event_type = %v", decoded["event_type"])
	}
}
