// Package device holds the canonical model of every Shelly device the bridge
// knows about and the reconciliation engine that keeps it current.
//
// A Device is one physical appliance, identified by its normalised hardware
// ID. It owns an ordered list of Units (relay channel, roller, sensor block,
// input...). Each unit carries a fieldmap.Map describing where every
// attribute lives in CoIoT telemetry, the HTTP /status document and the
// MQTT topic tree.
//
// # Architecture
//
//	┌───────────┐  ┌───────────┐  ┌───────────┐
//	│   CoIoT   │  │   MQTT    │  │ HTTP poll │
//	└─────┬─────┘  └─────┬─────┘  └─────┬─────┘
//	      │ fieldmap.Facts (one batch, one transport)
//	      ▼              ▼              ▼
//	┌────────────────────────────────────────────┐
//	│                  Engine                    │
//	│  • per-source snapshots (Unit.Sources)     │
//	│  • canonical value replaced only on change │
//	│  • one Change per batch to subscribers     │
//	│  • auto-reset expiry, availability window  │
//	└───────┬───────────────────────────┬────────┘
//	        ▼                           ▼
//	  Repository (SQLite)         StateHistory (SQLite)
//
// Canonical state is never persisted; it is rebuilt from live traffic after
// a restart. Only identity (type, address, mode, MQTT name) is stored.
//
// Commands are built by SetState, SetLevel and Move, which return a Request
// in HTTP and MQTT shape so the caller can pick whichever transport is
// reachable.
package device
