package models

import "time"

type Queue struct {
	QueueID         string     `json:"queue_id"`
	Department      string     `json:"department"`
	Day             string     `json:"day"`
	SpecialistID    *string    `json:"specialist_id,omitempty"`
	Active          bool       `json:"active"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	StartNumber     int        `json:"start_number"`
	MaxEntries      *int       `json:"max_entries,omitempty"`
	CabinetNumber   string     `json:"cabinet_number,omitempty"`
	CabinetFloor    *int       `json:"cabinet_floor,omitempty"`
	CabinetBuilding string     `json:"cabinet_building,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Snapshot is a computed view of a queue's current counts. It is rebuilt from
// entry rows on demand and is never a source of truth.
type Snapshot struct {
	Department       string `json:"department"`
	Date             string `json:"date"`
	IsOpen           bool   `json:"is_open"`
	StartNumber      int    `json:"start_number"`
	LastTicketNumber int    `json:"last_ticket_number"`
	WaitingCount     int    `json:"waiting_count"`
	ServingCount     int    `json:"serving_count"`
	DoneCount        int    `json:"done_count"`
	SpecialistID     string `json:"specialist_id,omitempty"`
	SpecialistName   string `json:"specialist_name,omitempty"`
}

// DayFormat is the wire format for queue dates.
const DayFormat = "2006-01-02"

// RoomKey is the broadcast room for a queue: "{department}::{date}".
func RoomKey(department, day string) string {
	return department + "::" + day
}
