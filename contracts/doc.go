// Package contracts provides the integration event exchanged over the bus and the
// broker envelope it arrives in.
//
//   - IntegrationEvent: a named fact with a unique ID, creation time and JSON data
//   - Envelope: read-only delivery metadata (attempt, redelivered flag, headers)
//
// Events are encoded as {"id", "createdDate", "name", "data"} so services written
// in other languages can exchange them.
package contracts
