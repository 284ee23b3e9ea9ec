// Package model holds the persisted entities shared by the pass and mission
// subsystems.
package model

import "time"

// GroundStation is a receiving site on the network.
type GroundStation struct {
	ID           string    `json:"id"`
	OwnerID      *string   `json:"owner_id,omitempty"` // nil means network-owned
	Name         string    `json:"name"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	MinElevation float64   `json:"min_elevation"`
	CreatedAt    time.Time `json:"created_at"`

	// AutoAddPasses allows reconciliation to create passes nobody asked for.
	// Network-owned stations default to true, owner-scoped stations to false.
	AutoAddPasses bool `json:"auto_add_passes"`
}

// NetworkOwned reports whether the station belongs to the network itself.
func (g GroundStation) NetworkOwned() bool {
	return g.OwnerID == nil
}

// Point is a timestamped inertial position (km).
type Point struct {
	T time.Time `json:"t"`
	X float64   `json:"x"`
	Y float64   `json:"y"`
	Z float64   `json:"z"`
}

// RiseSet is one prediction of a pass's rise and set. Re-predicting a pass
// creates a new RiseSet for the same PassID; the previous ones stay as history.
type RiseSet struct {
	ID      string `json:"id"`
	PassID  string `json:"pass_id"`
	Rise    Point  `json:"rise"`
	Set     Point  `json:"set"`
	StateID string `json:"state_id"`

	// PreviousPassID links to the station's preceding pass in time order.
	PreviousPassID *string   `json:"previous_pass_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Pass is a physical pass of the spacecraft over one ground station. RiseSet
// is the current (latest) prediction.
type Pass struct {
	ID              string  `json:"id"`
	GroundStationID string  `json:"ground_station_id"`
	RiseSet         RiseSet `json:"rise_set"`
}
