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

// Package extproto implements the external helper wire protocol: a
// length-prefixed, checksummed frame envelope carrying protobuf-encoded
// Command messages.
//
// Frame layout, all fields big-endian:
//
//	u32 signature    fixed magic 0xDECAFBAD
//	u32 checksum     Adler-32 over the payload bytes
//	u32 size         payload length
//	[]  payload      serialized Command
//
// The Command payload and its per-command sub-messages are protobuf
// messages. They are marshaled with encoding/protowire against fixed field
// numbers so the bytes match the schema helpers compiled from the canonical
// .proto descriptors, without a protoc step in this repository.
package extproto
