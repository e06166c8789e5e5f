// Package dsb is the core of a device system bridge: it exposes
// devices provided by adapters as objects on a message bus.
//
// An [Adapter] provides [Device] values, each with properties,
// methods and signals. Device data is carried in tagged [Value]s,
// which encode to and decode from the bus wire format with
// [EncodeValue] and [DecodeValue], using the signatures reported by
// [SignatureFor].
//
// Adapter operations are asynchronous, and report their outcome
// through a [Request]. Callers may block on a request with a
// timeout, or register a continuation that runs when it settles.
//
// Adapters deliver signals to listeners through a [Registry], which
// matches signals by name.
//
// A [Graph] is the bus-facing shape of one device: the object paths,
// interfaces and member names synthesized from the device's adapter
// objects. Names are derived from adapter-supplied strings by the
// Encode* functions, whose output is visible on the bus and must stay
// stable.
//
// The bridge itself, which exports graphs on a bus and routes calls
// to adapters, lives in package bridge.
package dsb
