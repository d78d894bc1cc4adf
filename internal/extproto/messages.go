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
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrInvalidPayload is returned when a sub-message cannot be parsed.
	ErrInvalidPayload = errors.New("extproto: invalid payload")
)

// walkFields iterates the protobuf fields of data, calling handle for each.
// handle returns the number of payload bytes it consumed, or a negative
// value to have the field skipped as unknown.
func walkFields(data []byte, handle func(num protowire.Number, typ protowire.Type, field []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrInvalidPayload)
		}
		data = data[n:]

		used := handle(num, typ, data)
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, data)
			if used < 0 {
				return fmt.Errorf("%w: bad field %d", ErrInvalidPayload, num)
			}
		}
		data = data[used:]
	}
	return nil
}

// MsgbusMessage is the MESSAGE payload: a textual message for the daemon
// message bus with a severity flag.
type MsgbusMessage struct {
	Msgtype int32
	Msgtext string
}

// Marshal serializes the message.
func (m *MsgbusMessage) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(uint32(m.Msgtype)))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, m.Msgtext)
	return buf
}

// UnmarshalMsgbusMessage parses a MESSAGE payload.
func UnmarshalMsgbusMessage(data []byte) (*MsgbusMessage, error) {
	m := &MsgbusMessage{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: msgtype", ErrInvalidPayload)
				return 0
			}
			m.Msgtype = int32(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: msgtext", ErrInvalidPayload)
				return 0
			}
			m.Msgtext = v
			return n
		}
		return -1
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Ping is the PING payload. It carries no fields.
type Ping struct{}

// Marshal serializes the message.
func (p *Ping) Marshal() []byte { return nil }

// UnmarshalPing parses a PING payload.
func UnmarshalPing(data []byte) (*Ping, error) {
	if err := walkFields(data, func(protowire.Number, protowire.Type, []byte) int { return -1 }); err != nil {
		return nil, err
	}
	return &Ping{}, nil
}

// Pong is the PONG payload, echoing the seqno of the PING it answers.
type Pong struct {
	PingSeqno uint32
}

// Marshal serializes the message.
func (p *Pong) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.PingSeqno))
	return buf
}

// UnmarshalPong parses a PONG payload.
func UnmarshalPong(data []byte) (*Pong, error) {
	p := &Pong{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: ping_seqno", ErrInvalidPayload)
				return 0
			}
			p.PingSeqno = uint32(v)
			return n
		}
		return -1
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ExternalShutdown is the SHUTDOWN payload.
type ExternalShutdown struct {
	Reason string
}

// Marshal serializes the message.
func (s *ExternalShutdown) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, s.Reason)
	return buf
}

// UnmarshalExternalShutdown parses a SHUTDOWN payload.
func UnmarshalExternalShutdown(data []byte) (*ExternalShutdown, error) {
	s := &ExternalShutdown{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: reason", ErrInvalidPayload)
				return 0
			}
			s.Reason = v
			return n
		}
		return -1
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// HTTPRegisterURI is the HTTPREGISTERURI payload: the worker asks the
// daemon to proxy a web route to it.
type HTTPRegisterURI struct {
	URI    string
	Method string
}

// Marshal serializes the message.
func (u *HTTPRegisterURI) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, u.URI)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, u.Method)
	return buf
}

// UnmarshalHTTPRegisterURI parses an HTTPREGISTERURI payload.
func UnmarshalHTTPRegisterURI(data []byte) (*HTTPRegisterURI, error) {
	u := &HTTPRegisterURI{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if typ != protowire.BytesType {
			return -1
		}
		v, n := protowire.ConsumeString(field)
		if n < 0 {
			parseErr = fmt.Errorf("%w: uri fields", ErrInvalidPayload)
			return 0
		}
		switch num {
		case 1:
			u.URI = v
		case 2:
			u.Method = v
		default:
			return -1
		}
		return n
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// HTTPVariableData is one query/form variable of a proxied request.
type HTTPVariableData struct {
	Field   string
	Content string
}

func (v *HTTPVariableData) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, v.Field)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, v.Content)
	return buf
}

func unmarshalHTTPVariableData(data []byte) (HTTPVariableData, error) {
	var v HTTPVariableData
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if typ != protowire.BytesType {
			return -1
		}
		s, n := protowire.ConsumeString(field)
		if n < 0 {
			parseErr = fmt.Errorf("%w: variable_data", ErrInvalidPayload)
			return 0
		}
		switch num {
		case 1:
			v.Field = s
		case 2:
			v.Content = s
		default:
			return -1
		}
		return n
	})
	if err == nil {
		err = parseErr
	}
	return v, err
}

// HTTPRequest is the HTTPREQUEST payload: a proxied inbound web request.
type HTTPRequest struct {
	ReqID        uint32
	URI          string
	Method       string
	VariableData []HTTPVariableData
}

// Marshal serializes the message.
func (r *HTTPRequest) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.ReqID))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, r.URI)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendString(buf, r.Method)
	for i := range r.VariableData {
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.VariableData[i].marshal())
	}
	return buf
}

// UnmarshalHTTPRequest parses an HTTPREQUEST payload.
func UnmarshalHTTPRequest(data []byte) (*HTTPRequest, error) {
	r := &HTTPRequest{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: req_id", ErrInvalidPayload)
				return 0
			}
			r.ReqID = uint32(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: uri", ErrInvalidPayload)
				return 0
			}
			r.URI = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: method", ErrInvalidPayload)
				return 0
			}
			r.Method = v
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: variable_data", ErrInvalidPayload)
				return 0
			}
			vd, err := unmarshalHTTPVariableData(v)
			if err != nil {
				parseErr = err
				return 0
			}
			r.VariableData = append(r.VariableData, vd)
			return n
		}
		return -1
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// HTTPHeader is one response header supplied by the worker.
type HTTPHeader struct {
	Header  string
	Content string
}

func (h *HTTPHeader) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, h.Header)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, h.Content)
	return buf
}

func unmarshalHTTPHeader(data []byte) (HTTPHeader, error) {
	var h HTTPHeader
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if typ != protowire.BytesType {
			return -1
		}
		s, n := protowire.ConsumeString(field)
		if n < 0 {
			parseErr = fmt.Errorf("%w: header_content", ErrInvalidPayload)
			return 0
		}
		switch num {
		case 1:
			h.Header = s
		case 2:
			h.Content = s
		default:
			return -1
		}
		return n
	})
	if err == nil {
		err = parseErr
	}
	return h, err
}

// HTTPResponse is the HTTPRESPONSE payload: the worker's (possibly
// partial) answer to a proxied request. Resultcode and CloseResponse are
// pointers to preserve field presence.
type HTTPResponse struct {
	ReqID         uint32
	HeaderContent []HTTPHeader
	Resultcode    *uint32
	Content       []byte
	CloseResponse *bool
}

// Marshal serializes the message.
func (r *HTTPResponse) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.ReqID))
	for i := range r.HeaderContent {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.HeaderContent[i].marshal())
	}
	if r.Resultcode != nil {
		buf = protowire.AppendTag(buf, 3, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(*r.Resultcode))
	}
	if len(r.Content) > 0 {
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Content)
	}
	if r.CloseResponse != nil {
		buf = protowire.AppendTag(buf, 5, protowire.VarintType)
		v := uint64(0)
		if *r.CloseResponse {
			v = 1
		}
		buf = protowire.AppendVarint(buf, v)
	}
	return buf
}

// UnmarshalHTTPResponse parses an HTTPRESPONSE payload.
func UnmarshalHTTPResponse(data []byte) (*HTTPResponse, error) {
	r := &HTTPResponse{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: req_id", ErrInvalidPayload)
				return 0
			}
			r.ReqID = uint32(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: header_content", ErrInvalidPayload)
				return 0
			}
			h, err := unmarshalHTTPHeader(v)
			if err != nil {
				parseErr = err
				return 0
			}
			r.HeaderContent = append(r.HeaderContent, h)
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: resultcode", ErrInvalidPayload)
				return 0
			}
			code := uint32(v)
			r.Resultcode = &code
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: content", ErrInvalidPayload)
				return 0
			}
			r.Content = append([]byte(nil), v...)
			return n
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: close_response", ErrInvalidPayload)
				return 0
			}
			closed := v != 0
			r.CloseResponse = &closed
			return n
		}
		return -1
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// HTTPAuthTokenRequest is the HTTPAUTHREQ payload. It carries no fields.
type HTTPAuthTokenRequest struct{}

// Marshal serializes the message.
func (r *HTTPAuthTokenRequest) Marshal() []byte { return nil }

// UnmarshalHTTPAuthTokenRequest parses an HTTPAUTHREQ payload.
func UnmarshalHTTPAuthTokenRequest(data []byte) (*HTTPAuthTokenRequest, error) {
	if err := walkFields(data, func(protowire.Number, protowire.Type, []byte) int { return -1 }); err != nil {
		return nil, err
	}
	return &HTTPAuthTokenRequest{}, nil
}

// HTTPAuthToken is the HTTPAUTH payload: a minted session token.
type HTTPAuthToken struct {
	Token string
}

// Marshal serializes the message.
func (t *HTTPAuthToken) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, t.Token)
	return buf
}

// UnmarshalHTTPAuthToken parses an HTTPAUTH payload.
func UnmarshalHTTPAuthToken(data []byte) (*HTTPAuthToken, error) {
	t := &HTTPAuthToken{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: token", ErrInvalidPayload)
				return 0
			}
			t.Token = v
			return n
		}
		return -1
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// EventbusRegisterListener is the EVENTBUSREGISTER payload: event type
// names the worker wants forwarded.
type EventbusRegisterListener struct {
	Event []string
}

// Marshal serializes the message.
func (l *EventbusRegisterListener) Marshal() []byte {
	var buf []byte
	for _, e := range l.Event {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, e)
	}
	return buf
}

// UnmarshalEventbusRegisterListener parses an EVENTBUSREGISTER payload.
func UnmarshalEventbusRegisterListener(data []byte) (*EventbusRegisterListener, error) {
	l := &EventbusRegisterListener{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: event", ErrInvalidPayload)
				return 0
			}
			l.Event = append(l.Event, v)
			return n
		}
		return -1
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// EventbusPublishEvent is the EVENTBUSPUBLISH payload: an event the worker
// publishes onto the daemon bus as a JSON document.
type EventbusPublishEvent struct {
	EventType        string
	EventContentJSON string
}

// Marshal serializes the message.
func (p *EventbusPublishEvent) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, p.EventType)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, p.EventContentJSON)
	return buf
}

// UnmarshalEventbusPublishEvent parses an EVENTBUSPUBLISH payload.
func UnmarshalEventbusPublishEvent(data []byte) (*EventbusPublishEvent, error) {
	p := &EventbusPublishEvent{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if typ != protowire.BytesType {
			return -1
		}
		v, n := protowire.ConsumeString(field)
		if n < 0 {
			parseErr = fmt.Errorf("%w: publish fields", ErrInvalidPayload)
			return 0
		}
		switch num {
		case 1:
			p.EventType = v
		case 2:
			p.EventContentJSON = v
		default:
			return -1
		}
		return n
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// EventbusEvent is the EVENT payload: a bus event serialized to JSON for
// the worker.
type EventbusEvent struct {
	EventJSON string
}

// Marshal serializes the message.
func (e *EventbusEvent) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, e.EventJSON)
	return buf
}

// UnmarshalEventbusEvent parses an EVENT payload.
func UnmarshalEventbusEvent(data []byte) (*EventbusEvent, error) {
	e := &EventbusEvent{}
	var parseErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, field []byte) int {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(field)
			if n < 0 {
				parseErr = fmt.Errorf("%w: event_json", ErrInvalidPayload)
				return 0
			}
			e.EventJSON = v
			return n
		}
		return -1
	})
	if err == nil {
		err = parseErr
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
