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
	// ErrInvalidCommand is returned when a Command payload cannot be parsed.
	ErrInvalidCommand = errors.New("extproto: invalid command payload")
)

// Built-in command names understood by the endpoint core.
const (
	CmdMessage          = "MESSAGE"
	CmdPing             = "PING"
	CmdPong             = "PONG"
	CmdShutdown         = "SHUTDOWN"
	CmdHTTPRegisterURI  = "HTTPREGISTERURI"
	CmdHTTPRequest      = "HTTPREQUEST"
	CmdHTTPResponse     = "HTTPRESPONSE"
	CmdHTTPAuthReq      = "HTTPAUTHREQ"
	CmdHTTPAuth         = "HTTPAUTH"
	CmdEventbusRegister = "EVENTBUSREGISTER"
	CmdEventbusPublish  = "EVENTBUSPUBLISH"
	CmdEvent            = "EVENT"
)

// Command is the top-level protocol message. Every frame carries exactly
// one Command; Content is the serialized per-command sub-message.
type Command struct {
	Command string
	Seqno   uint32
	Content []byte
}

// Command field numbers.
const (
	cmdFieldCommand = 1
	cmdFieldSeqno   = 2
	cmdFieldContent = 3
)

// Marshal serializes the Command to protobuf bytes.
func (c *Command) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, cmdFieldCommand, protowire.BytesType)
	buf = protowire.AppendString(buf, c.Command)
	buf = protowire.AppendTag(buf, cmdFieldSeqno, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(c.Seqno))
	buf = protowire.AppendTag(buf, cmdFieldContent, protowire.BytesType)
	buf = protowire.AppendBytes(buf, c.Content)
	return buf
}

// UnmarshalCommand parses a Command from protobuf bytes.
func UnmarshalCommand(data []byte) (*Command, error) {
	c := &Command{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrInvalidCommand)
		}
		data = data[n:]

		switch {
		case num == cmdFieldCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad command field", ErrInvalidCommand)
			}
			c.Command = v
			data = data[n:]
		case num == cmdFieldSeqno && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad seqno field", ErrInvalidCommand)
			}
			c.Seqno = uint32(v)
			data = data[n:]
		case num == cmdFieldContent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad content field", ErrInvalidCommand)
			}
			c.Content = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d", ErrInvalidCommand, num)
			}
			data = data[n:]
		}
	}

	if c.Command == "" {
		return nil, fmt.Errorf("%w: missing command name", ErrInvalidCommand)
	}

	return c, nil
}
