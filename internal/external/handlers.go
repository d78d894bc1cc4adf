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
	"time"

	"github.com/Sophic-Technical-Solutions/kismet/internal/extproto"
	"github.com/Sophic-Technical-Solutions/kismet/internal/msgbus"
)

// handleMessage forwards a worker MESSAGE onto the daemon message bus.
func (e *Endpoint) handleMessage(seqno uint32, content []byte) {
	m, err := extproto.UnmarshalMsgbusMessage(content)
	if err != nil {
		e.logger.Error("external interface got an unparsable MESSAGE")
		e.TriggerError("Invalid MESSAGE")
		return
	}

	e.proxyMessage(m.Msgtext, msgbus.Flag(m.Msgtype))
}

// proxyMessage delivers worker message traffic. Extensions may override
// delivery by supplying their own Msgbus.
func (e *Endpoint) proxyMessage(text string, flags msgbus.Flag) {
	if e.opts.Msgbus != nil {
		e.opts.Msgbus.Publish(text, flags)
		return
	}
	e.logger.Info(text)
}

// handlePing answers with a PONG echoing the sender's seqno.
func (e *Endpoint) handlePing(seqno uint32, content []byte) {
	e.SendPong(seqno)
}

// handlePong records the peer's liveness.
func (e *Endpoint) handlePong(seqno uint32, content []byte) {
	if _, err := extproto.UnmarshalPong(content); err != nil {
		e.logger.Error("external interface got an unparsable PONG packet")
		e.TriggerError("Invalid PONG")
		return
	}

	e.mu.Lock()
	e.lastPong = time.Now()
	e.mu.Unlock()
}

// handleShutdown tears down the endpoint at the worker's request.
func (e *Endpoint) handleShutdown(seqno uint32, content []byte) {
	s, err := extproto.UnmarshalExternalShutdown(content)
	if err != nil {
		e.logger.Error("external interface got an unparsable SHUTDOWN")
		e.TriggerError("Invalid SHUTDOWN")
		return
	}

	e.logger.Info("external interface shutting down", "reason", s.Reason)
	e.errorf("Remote connection requesting shutdown: %s", s.Reason)
}

// SendPing emits a PING with an auto-assigned seqno.
func (e *Endpoint) SendPing() uint32 {
	return e.SendCommand(&extproto.Command{
		Command: extproto.CmdPing,
		Content: (&extproto.Ping{}).Marshal(),
	})
}

// SendPong answers a PING, echoing its seqno in the payload.
func (e *Endpoint) SendPong(pingSeqno uint32) uint32 {
	return e.SendCommand(&extproto.Command{
		Command: extproto.CmdPong,
		Content: (&extproto.Pong{PingSeqno: pingSeqno}).Marshal(),
	})
}

// SendShutdown asks the peer to shut down.
func (e *Endpoint) SendShutdown(reason string) uint32 {
	return e.SendCommand(&extproto.Command{
		Command: extproto.CmdShutdown,
		Content: (&extproto.ExternalShutdown{Reason: reason}).Marshal(),
	})
}

// SendMessage forwards a daemon message to the worker.
func (e *Endpoint) SendMessage(text string, flags msgbus.Flag) uint32 {
	return e.SendCommand(&extproto.Command{
		Command: extproto.CmdMessage,
		Content: (&extproto.MsgbusMessage{Msgtype: int32(flags), Msgtext: text}).Marshal(),
	})
}
