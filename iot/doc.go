/*Package iot provides the hardware-facing ingestion tier of the data hub

Physical devices connect over TCP and speak a compact binary protocol (see package
wire). The ingestion server authenticates each device against the persistence
gateway, keeps the last known value of every pin in the state cache and relays
every change to dashboard clients subscribed over WebSocket.

The package itself holds the types shared by all components: the update events
that flow from a device session to the publishers, the Publisher interface and
the error taxonomy.

Data flow

	device -> TCP -> wire.Decoder -> ingest.Session -> cache + gateway.Writer
	       -> Publisher (realtime, mqtt, stream) -> subscribers

Every failure is scoped to a single connection. A protocol, authentication or
timeout error terminates the device session, a delivery error terminates the
subscriber connection and a persistence error is logged and otherwise ignored.
*/
package iot
