package planner

import "strings"

// Vann is a water body that receives lime by helicopter.
type Vann struct {
	ID        int64   `db:"id" json:"id"`
	Name      string  `db:"name" json:"name" validate:"required,max=200"`
	Fylke     string  `db:"fylke" json:"fylke" validate:"max=100"`
	Kommune   string  `db:"kommune" json:"kommune" validate:"max=100"`
	Latitude  float64 `db:"latitude" json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `db:"longitude" json:"longitude" validate:"gte=-180,lte=180"`
	Tonn      float64 `db:"tonn" json:"tonn" validate:"gte=0"`
	Done      bool    `db:"done" json:"done"`
	DoneAt    int64   `db:"done_at" json:"doneAt,omitempty"` // UNIX seconds, 0 while pending
	DoneBy    string  `db:"done_by" json:"doneBy,omitempty"`
	Comment   string  `db:"comment" json:"comment" validate:"max=2000"`
}

// Landingsplass is a helicopter landing site where lime is loaded.
type Landingsplass struct {
	ID        int64   `db:"id" json:"id"`
	Code      string  `db:"code" json:"code" validate:"required,max=40"`
	Name      string  `db:"name" json:"name" validate:"max=200"`
	Fylke     string  `db:"fylke" json:"fylke" validate:"max=100"`
	Kommune   string  `db:"kommune" json:"kommune" validate:"max=100"`
	Latitude  float64 `db:"latitude" json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `db:"longitude" json:"longitude" validate:"gte=-180,lte=180"`
	Priority  int     `db:"priority" json:"priority" validate:"gte=0"`
	Done      bool    `db:"done" json:"done"`
	DoneAt    int64   `db:"done_at" json:"doneAt,omitempty"`
	DoneBy    string  `db:"done_by" json:"doneBy,omitempty"`
	Comment   string  `db:"comment" json:"comment" validate:"max=2000"`
}

// Association links a landing site to a water body it serves.
// DistanceKM is nil when neither the caller nor the coordinates gave one.
type Association struct {
	ID              int64    `db:"id" json:"id"`
	LandingsplassID int64    `db:"landingsplass_id" json:"landingsplassId" validate:"required,gt=0"`
	VannID          int64    `db:"vann_id" json:"vannId" validate:"required,gt=0"`
	DistanceKM      *float64 `db:"distance_km" json:"distanceKm,omitempty"`
}

// TableSet describes one yearly set of planning tables.
type TableSet struct {
	Prefix             string `json:"prefix"`
	Year               int    `json:"year,omitempty"`
	Active             bool   `json:"active"`
	VannCount          int    `json:"vannCount"`
	LandingsplassCount int    `json:"landingsplassCount"`
	AssociationCount   int    `json:"associationCount"`
}

// Tables returns the physical table names that belong to a prefix.
func Tables(prefix string) (vann, landingsplass, associations string) {
	return prefix + "_vann", prefix + "_lasteplass", prefix + "_associations"
}

// DefaultPrefix is the table set created on first start.
const DefaultPrefix = "vass"

func normalizeFylke(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
