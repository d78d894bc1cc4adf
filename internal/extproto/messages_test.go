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

package extproto

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestHTTPResponsePresence(t *testing.T) {
	// Omitted resultcode and close_response must stay absent, not zero.
	r := &HTTPResponse{ReqID: 5, Content: []byte("partial")}

	got, err := UnmarshalHTTPResponse(r.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHTTPResponse() error = %v", err)
	}

	if got.Resultcode != nil {
		t.Errorf("resultcode = %d, want absent", *got.Resultcode)
	}
	if got.CloseResponse != nil {
		t.Errorf("close_response = %v, want absent", *got.CloseResponse)
	}
	if string(got.Content) != "partial" {
		t.Errorf("content = %q, want %q", got.Content, "partial")
	}

	// And present zero values must survive.
	code := uint32(0)
	closed := false
	r = &HTTPResponse{ReqID: 5, Resultcode: &code, CloseResponse: &closed}

	got, err = UnmarshalHTTPResponse(r.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHTTPResponse() error = %v", err)
	}
	if got.Resultcode == nil || *got.Resultcode != 0 {
		t.Error("present zero resultcode lost")
	}
	if got.CloseResponse == nil || *got.CloseResponse {
		t.Error("present false close_response lost")
	}
}

func TestHTTPResponseHeaderOrderPreserved(t *testing.T) {
	r := &HTTPResponse{
		ReqID: 1,
		HeaderContent: []HTTPHeader{
			{Header: "Content-Type", Content: "application/json"},
			{Header: "X-First", Content: "1"},
			{Header: "X-Second", Content: "2"},
		},
	}

	got, err := UnmarshalHTTPResponse(r.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHTTPResponse() error = %v", err)
	}

	if len(got.HeaderContent) != 3 {
		t.Fatalf("got %d headers, want 3", len(got.HeaderContent))
	}
	for i, h := range r.HeaderContent {
		if got.HeaderContent[i] != h {
			t.Errorf("header %d = %+v, want %+v", i, got.HeaderContent[i], h)
		}
	}
}

func TestHTTPRequestVariables(t *testing.T) {
	r := &HTTPRequest{
		ReqID:  0,
		URI:    "/x",
		Method: "GET",
		VariableData: []HTTPVariableData{
			{Field: "a", Content: "1"},
			{Field: "b", Content: "two"},
		},
	}

	got, err := UnmarshalHTTPRequest(r.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHTTPRequest() error = %v", err)
	}

	if got.ReqID != 0 || got.URI != "/x" || got.Method != "GET" {
		t.Errorf("envelope = %+v", got)
	}
	if len(got.VariableData) != 2 || got.VariableData[0].Field != "a" || got.VariableData[1].Content != "two" {
		t.Errorf("variable_data = %+v", got.VariableData)
	}
}

func TestEventbusRegisterRepeated(t *testing.T) {
	l := &EventbusRegisterListener{Event: []string{"DOT11_NEW_SSID", "GPS_LOCATION"}}

	got, err := UnmarshalEventbusRegisterListener(l.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalEventbusRegisterListener() error = %v", err)
	}
	if len(got.Event) != 2 || got.Event[0] != "DOT11_NEW_SSID" || got.Event[1] != "GPS_LOCATION" {
		t.Errorf("event = %v", got.Event)
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	// A newer peer may append fields this build does not know about; they
	// must be skipped, not rejected.
	buf := (&Pong{PingSeqno: 11}).Marshal()
	buf = protowire.AppendTag(buf, 99, protowire.BytesType)
	buf = protowire.AppendString(buf, "future extension")

	got, err := UnmarshalPong(buf)
	if err != nil {
		t.Fatalf("UnmarshalPong() error = %v", err)
	}
	if got.PingSeqno != 11 {
		t.Errorf("ping_seqno = %d, want 11", got.PingSeqno)
	}
}

func TestUnmarshalCommandRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalCommand([]byte{0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatal("UnmarshalCommand() accepted garbage")
	}

	// A valid buffer with no command name is also rejected.
	var buf []byte
	buf = protowire.AppendTag(buf, cmdFieldSeqno, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 4)
	if _, err := UnmarshalCommand(buf); err == nil {
		t.Fatal("UnmarshalCommand() accepted command without a name")
	}
}
