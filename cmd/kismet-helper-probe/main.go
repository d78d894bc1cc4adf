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

// kismet-helper-probe is a reference worker speaking the external helper
// protocol. It answers pings, optionally registers a proxied web route and
// eventbus listeners, and reports messages. Used for manual end-to-end
// validation of the daemon's helper channel.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Sophic-Technical-Solutions/kismet/internal/extproto"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		inFD     int
		outFD    int
		tcpAddr  string
		uri      string
		events   []string
		wantAuth bool
	)

	cmd := &cobra.Command{
		Use:   "kismet-helper-probe",
		Short: "Reference external helper for protocol validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			probe := &probe{
				uri:      uri,
				events:   events,
				wantAuth: wantAuth,
			}

			switch {
			case tcpAddr != "":
				conn, err := net.Dial("tcp", tcpAddr)
				if err != nil {
					return err
				}
				probe.r = conn
				probe.w = conn
			case inFD > 0 && outFD > 0:
				probe.r = os.NewFile(uintptr(inFD), "in")
				probe.w = os.NewFile(uintptr(outFD), "out")
				if probe.r == nil || probe.w == nil {
					return fmt.Errorf("bad --in-fd/--out-fd pair")
				}
			default:
				return fmt.Errorf("either --tcp or --in-fd/--out-fd is required")
			}

			return probe.run()
		},
	}

	cmd.Flags().IntVar(&inFD, "in-fd", 0, "Inbound pipe fd (injected by the daemon)")
	cmd.Flags().IntVar(&outFD, "out-fd", 0, "Outbound pipe fd (injected by the daemon)")
	cmd.Flags().StringVar(&tcpAddr, "tcp", "", "Connect to a daemon over TCP instead of pipes")
	cmd.Flags().StringVar(&uri, "register-uri", "", "Register a proxied GET route at this URI")
	cmd.Flags().StringArrayVar(&events, "subscribe", nil, "Eventbus event type to subscribe to (repeatable)")
	cmd.Flags().BoolVar(&wantAuth, "request-auth", false, "Request a web session token on start")

	return cmd
}

// probe is the worker-side protocol loop.
type probe struct {
	r io.Reader
	w io.Writer

	uri      string
	events   []string
	wantAuth bool

	seqno uint32
}

func (p *probe) send(command string, content []byte) error {
	p.seqno++
	frame := extproto.EncodeFrame(&extproto.Command{
		Command: command,
		Seqno:   p.seqno,
		Content: content,
	})
	_, err := p.w.Write(frame)
	return err
}

func (p *probe) run() error {
	// Announce ourselves and set up the requested bridges.
	if err := p.send(extproto.CmdMessage,
		(&extproto.MsgbusMessage{Msgtype: 2, Msgtext: "helper probe connected"}).Marshal()); err != nil {
		return err
	}

	if p.uri != "" {
		if err := p.send(extproto.CmdHTTPRegisterURI,
			(&extproto.HTTPRegisterURI{URI: p.uri, Method: "GET"}).Marshal()); err != nil {
			return err
		}
	}

	if len(p.events) > 0 {
		if err := p.send(extproto.CmdEventbusRegister,
			(&extproto.EventbusRegisterListener{Event: p.events}).Marshal()); err != nil {
			return err
		}
	}

	if p.wantAuth {
		if err := p.send(extproto.CmdHTTPAuthReq,
			(&extproto.HTTPAuthTokenRequest{}).Marshal()); err != nil {
			return err
		}
	}

	// A signal sends a clean SHUTDOWN before exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = p.send(extproto.CmdShutdown,
			(&extproto.ExternalShutdown{Reason: "helper probe interrupted"}).Marshal())
		os.Exit(0)
	}()

	dec := extproto.NewDecoder(0)
	buf := make([]byte, 16*1024)

	for {
		n, err := p.r.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				cmd, derr := dec.Next()
				if derr != nil {
					return derr
				}
				if cmd == nil {
					break
				}
				if err := p.handle(cmd); err != nil {
					return err
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (p *probe) handle(cmd *extproto.Command) error {
	switch cmd.Command {
	case extproto.CmdPing:
		return p.send(extproto.CmdPong,
			(&extproto.Pong{PingSeqno: cmd.Seqno}).Marshal())

	case extproto.CmdPong:
		return nil

	case extproto.CmdHTTPRequest:
		req, err := extproto.UnmarshalHTTPRequest(cmd.Content)
		if err != nil {
			return err
		}

		body := fmt.Sprintf("probe response for %s %s (%d variables)\n",
			req.Method, req.URI, len(req.VariableData))

		code := uint32(200)
		closeResp := true
		return p.send(extproto.CmdHTTPResponse, (&extproto.HTTPResponse{
			ReqID: req.ReqID,
			HeaderContent: []extproto.HTTPHeader{
				{Header: "Content-Type", Content: "text/plain"},
			},
			Resultcode:    &code,
			Content:       []byte(body),
			CloseResponse: &closeResp,
		}).Marshal())

	case extproto.CmdHTTPAuth:
		tok, err := extproto.UnmarshalHTTPAuthToken(cmd.Content)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "received auth token (%d bytes)\n", len(tok.Token))
		return nil

	case extproto.CmdEvent:
		evt, err := extproto.UnmarshalEventbusEvent(cmd.Content)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "event: %s\n", evt.EventJSON)
		return nil

	case extproto.CmdMessage:
		m, err := extproto.UnmarshalMsgbusMessage(cmd.Content)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "daemon message: %s\n", m.Msgtext)
		return nil

	case extproto.CmdShutdown:
		s, err := extproto.UnmarshalExternalShutdown(cmd.Content)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "daemon requested shutdown: %s\n", s.Reason)
		os.Exit(0)
	}

	// Unknown commands are ignored for forward compatibility.
	return nil
}
