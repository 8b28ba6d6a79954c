package types

import "time"

// Observation is one vehicle position report flattened with its line metadata.
type Observation struct {
	LineSign         string    `json:"line_sign"`
	RouteCode        string    `json:"route_code"`
	RouteDirection   string    `json:"route_direction"`
	RouteDestination string    `json:"route_destination"`
	RouteOrigin      string    `json:"route_origin"`
	VehicleID        string    `json:"vehicle_id"`
	Accessible       bool      `json:"accessible"`
	ObservedAt       time.Time `json:"observed_at"`
	Latitude         *float64  `json:"latitude"`
	Longitude        *float64  `json:"longitude"`

	// SnapshotID identifies the raw snapshot the observation came from
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// HasPosition reports whether both coordinates were present in the source.
func (o Observation) HasPosition() bool {
	return o.Latitude != nil && o.Longitude != nil
}

// Route groups the route identifying fields shared by every output table.
type Route struct {
	LineSign         string `json:"line_sign"`
	RouteCode        string `json:"route_code"`
	RouteDirection   string `json:"route_direction"`
	RouteDestination string `json:"route_destination"`
	RouteOrigin      string `json:"route_origin"`
}

// Route returns the route fields of the observation.
func (o Observation) Route() Route {
	return Route{
		LineSign:         o.LineSign,
		RouteCode:        o.RouteCode,
		RouteDirection:   o.RouteDirection,
		RouteDestination: o.RouteDestination,
		RouteOrigin:      o.RouteOrigin,
	}
}

// SegmentMetric is the travel between two consecutive observations of one
// vehicle that passed every validity filter.
type SegmentMetric struct {
	Previous       Observation `json:"previous"`
	Current        Observation `json:"current"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	DistanceMeters float64     `json:"distance_meters"`
	SpeedMPS       float64     `json:"speed_mps"`
}

// Exclusion names the filter that rejected a segment candidate.
type Exclusion string

const (
	ExclusionNone               Exclusion = ""
	ExclusionNonPositiveElapsed Exclusion = "non_positive_elapsed"
	ExclusionGap                Exclusion = "gap"
	ExclusionMissingCoordinates Exclusion = "missing_coordinates"
	ExclusionImplausibleSpeed   Exclusion = "implausible_speed"
)

// SegmentCandidate is any consecutive pair, kept or not. Distance and speed
// are nil when they could not be derived.
type SegmentCandidate struct {
	Previous       Observation `json:"previous"`
	Current        Observation `json:"current"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	DistanceMeters *float64    `json:"distance_meters"`
	SpeedMPS       *float64    `json:"speed_mps"`
	Exclusion      Exclusion   `json:"exclusion,omitempty"`
}

// Valid reports whether no filter rejected the candidate.
func (c SegmentCandidate) Valid() bool {
	return c.Exclusion == ExclusionNone
}

// AggregateBucket summarises the segments of one vehicle on one route
// within one time interval.
type AggregateBucket struct {
	Date       string `json:"date"`
	Interval   string `json:"interval"`
	Route
	VehicleID string `json:"vehicle_id"`
	// Accessible is only meaningful when accessibility is part of the key
	Accessible *bool `json:"accessible,omitempty"`

	MeanLongitude       float64 `json:"mean_longitude"`
	MeanLatitude        float64 `json:"mean_latitude"`
	TotalDistanceMeters float64 `json:"total_distance_meters"`
	TotalElapsedSeconds float64 `json:"total_elapsed_seconds"`
	SpeedMPS            float64 `json:"speed_mps"`
	Segments            int     `json:"segments"`
}

// SlowSegment is congestion evidence: a segment or bucket whose speed fell
// below the slow-speed threshold.
type SlowSegment struct {
	Date     string `json:"date"`
	Interval string `json:"interval"`
	Route
	VehicleID      string  `json:"vehicle_id"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	SpeedMPS       float64 `json:"speed_mps"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	DistanceMeters float64 `json:"distance_meters"`
}

// LocationRecord is the accessibility/location projection of an observation.
type LocationRecord struct {
	Route
	VehicleID  string    `json:"vehicle_id"`
	Accessible bool      `json:"accessible"`
	ObservedAt time.Time `json:"observed_at"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
}

// RawSnapshot is one stored poll of the upstream positions endpoint.
type RawSnapshot struct {
	ID        string    `json:"id"`
	Period    string    `json:"period"`
	FetchedAt time.Time `json:"fetched_at"`
	Body      []byte    `json:"-"`
}
