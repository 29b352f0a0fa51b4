package redis

// Redis key naming conventions for queue data.
// All keys are prefixed with "atq:" to avoid collisions.

const keyPrefix = "atq:"

// itemKey returns the Hash key for an item: atq:item:{id}
func itemKey(rid string) string { return keyPrefix + "item:" + rid }

// zoneKey returns the Sorted Set key holding a zone's non-terminal item
// IDs, scored by priority and eligibility time: atq:zone:{zone}
func zoneKey(zone string) string { return keyPrefix + "zone:" + zone }

// zonesKey is the Set tracking all zone names for enumeration.
const zonesKey = keyPrefix + "zones"

// statusKey returns the Set tracking item IDs in a status: atq:status:{status}
func statusKey(status string) string { return keyPrefix + "status:" + status }
