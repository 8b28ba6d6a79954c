package speed

import (
	"time"

	"olhovivo2speeds/pkg/types"
)

func ptr(v float64) *float64 { return &v }

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func obs(vehicle, ts string, lat, lon float64) types.Observation {
	return types.Observation{
		LineSign:         "8000-10",
		RouteCode:        "1234",
		RouteDirection:   "1",
		RouteDestination: "Terminal Lapa",
		RouteOrigin:      "Praça Ramos",
		VehicleID:        vehicle,
		ObservedAt:       at(ts),
		Latitude:         ptr(lat),
		Longitude:        ptr(lon),
	}
}
