// Package model defines the records shared by every labeliq component:
// jobs and their lifecycle, ledger rows, queue messages, handler outcomes,
// and the facts/report documents.
//
// Documents are explicit tagged records rather than free-form maps. Fields
// that ingestion boundaries must see are marked with validate tags and are
// checked by Validate before a message enters the engine.
package model
