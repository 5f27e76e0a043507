// Package relay implements the websocket relay that carries bus changes
// between terminals that share nothing but the network.
//
// A client opens a websocket with subprotocol proserve.bus.v1, sends hello
// with a scope and receives hello_ack. Every storage_change it sends
// afterwards is validated and fanned out to every member of the scope,
// the sender included. Buses drop their own origin on receipt.
package relay
