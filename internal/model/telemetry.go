package model

import "time"

// Sample is one numeric datapoint stored for the SQL datasource.
type Sample struct {
	Timestamp time.Time         `json:"ts"`
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}
