// Package dchat shows ledger-backed chat conversations.
//
// A chat ledger is the only source of truth: messages exist once the ledger
// emits their event. A View opens one conversation at a time. Opening arms
// the live subscriptions first, then rebuilds the conversation from history
// (Reconciler), then replays whatever the live feed delivered meanwhile
// through the MergeEngine. From then on every live event runs through the
// same relevance, normalize, dedupe, name and append pipeline, so overlap
// between history and the live feed is harmless.
//
// # Lifecycle
//
//	Opening --reconciled--> Active --switch/close--> Closed
//	   \----failure---------------------------------/
//
// Every session carries a generation number. Subscriptions are cancelled
// before the next session starts, and any callback or reconciliation result
// that carries an older generation is dropped, so one conversation can never
// leak into another.
//
// # Sending
//
// SendCoordinator submits operations and waits for confirmation, but never
// writes to a timeline. A sent message appears when its event comes back
// through the live feed, exactly like a message from anyone else.
//
// # Collaborators
//
// The ledger is reached through small interfaces (HistorySource, LiveFeed,
// Submitter, Reader). ledger.Client plus ledger.MQTTFeed implement them
// against a real node; ledger.MemoryLedger implements all of them in process.
package dchat
