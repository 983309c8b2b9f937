package kafka

import "time"

// ZoneRegistered announces a zone whose membership was written by another
// process.
type ZoneRegistered struct {
	ZoneName string    `json:"zone_name"`
	TS       time.Time `json:"ts"`
}
