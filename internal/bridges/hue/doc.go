// Package hue implements the Hue and deCONZ gateway bridge for Gray Logic.
//
// This package keeps a local, device-oriented view of one or more Zigbee
// gateways that speak the Hue REST dialect (Philips/Signify Hue bridges,
// deCONZ, HA-Bridge and Tasmota emulations) and relays it to Gray Logic
// Core over MQTT.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   REST (poll)
//	│   Gray Logic    │   MQTT   │   Hue Bridge    │◄──────────────► Gateway
//	│      Core       │◄────────►│   (this pkg)    │◄──────────────
//	└─────────────────┘          └─────────────────┘   websocket (deCONZ push)
//
// # Components
//
//   - Client: REST transport with a write gate, bounded parallelism,
//     resends and certificate pinning
//   - Classify/Classifier: gateway model and capability detection
//   - Resolver: maps resources to stable device identities, honouring
//     resourcelink directives
//   - StateCache: last known payload per resource
//   - Pacemaker and Gateway.Beat: the 1 second heartbeat driving polls
//   - EventMonitor: the deCONZ push channel
//   - Gateway and Engine: per-host ownership and lifecycle
//   - DeviceLink and HealthReporter: the MQTT side
//
// # Serials
//
// Devices are keyed by serial. Zigbee resources use the 16 hex digit EUI-64
// from their unique id; everything else falls back to the bridge id plus a
// kind letter and the resource id, e.g. "00212EFFFF001234-G5".
//
// # MQTT Topics
//
//	graylogic/discovery/hue/{bridge_id}   retained device list
//	graylogic/state/hue/{serial}          retained per-device changes
//	graylogic/command/hue/{serial}        writes from Core
//	graylogic/ack/hue/{serial}            write results
//	graylogic/health/hue/{bridge_id}      retained health, every 30s
//
// # Thread Safety
//
// All exported types are safe for concurrent use unless noted otherwise.
package hue
