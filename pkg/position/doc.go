// Package position defines the Position value shared by the server and the
// client agent, together with its validation rules and JSON wire envelopes.
//
// A Position is a timestamped coordinate report. Timestamp is epoch
// milliseconds and doubles as the storage key inside one retention window.
//
// Wire messages:
//
//	client -> server  {"type":"position","data":{"lat":..,"lng":..,"timestamp":..}}
//	                  {"lat":..,"lng":..,"timestamp":..}
//	                  {"type":"addPosition","position":{...}}
//	server -> client  {"type":"positions","data":[...]}   newest first
//	                  {"type":"error","error":"invalid_coordinate","detail":"..."}
package position
