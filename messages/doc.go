// Package messages contains every event payload emitted by the chat ledger.
//
// This is the single source of truth for the shapes that arrive from both
// the historical query endpoint and the live feed. Both paths decode into the
// same RawEvent, so history and live updates are normalized by one function.
//
// # Structure
//
//   - events.go: the RawEvent envelope and EventKind
//   - chat.go: direct and group message payloads (text and attachment)
//   - directory.go: friend and group membership payloads
//
// # Adding New Events
//
// When the contract grows a new event:
//
//  1. Add an EventKind constant whose String() matches the contract's event name
//     exactly (it doubles as the live-feed topic suffix)
//
//  2. Add the payload struct with godoc comments:
//     - Which contract operation emits it
//     - Which fields are indexed (usable in a historical Filter)
//
//  3. Add a pointer field on RawEvent and a Validate() method
//
//  4. Teach RawEvent.Payload() about it
package messages
