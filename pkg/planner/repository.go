package planner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned when a row id does not exist in the table set.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateAssociation rejects a second link between the same pair.
	ErrDuplicateAssociation = errors.New("association already exists")
	// ErrInvalidPrefix rejects table set names that are not safe identifiers.
	ErrInvalidPrefix = errors.New("invalid table set prefix")
	// ErrActiveTableSet protects the live table set from destructive calls.
	ErrActiveTableSet = errors.New("table set is active")
)

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,39}$`)

// ValidatePrefix makes sure a prefix can be spliced into SQL identifiers.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	return nil
}

// Repository is the storage contract for one planning table set.
// The local SQL database and the hosted PostgREST backend both implement it.
type Repository interface {
	ListVann(ctx context.Context, prefix string) ([]Vann, error)
	GetVann(ctx context.Context, prefix string, id int64) (Vann, error)
	CreateVann(ctx context.Context, prefix string, v Vann) (Vann, error)
	UpdateVann(ctx context.Context, prefix string, v Vann) (Vann, error)
	DeleteVann(ctx context.Context, prefix string, id int64) error
	SetVannDone(ctx context.Context, prefix string, id int64, done bool, by string, at int64) (Vann, error)
	ImportVann(ctx context.Context, prefix string, rows []Vann) (int, error)

	ListLandingsplasser(ctx context.Context, prefix string) ([]Landingsplass, error)
	GetLandingsplass(ctx context.Context, prefix string, id int64) (Landingsplass, error)
	CreateLandingsplass(ctx context.Context, prefix string, lp Landingsplass) (Landingsplass, error)
	UpdateLandingsplass(ctx context.Context, prefix string, lp Landingsplass) (Landingsplass, error)
	DeleteLandingsplass(ctx context.Context, prefix string, id int64) error
	SetLandingsplassDone(ctx context.Context, prefix string, id int64, done bool, by string, at int64) (Landingsplass, error)

	ListAssociations(ctx context.Context, prefix string) ([]Association, error)
	AddAssociation(ctx context.Context, prefix string, a Association) (Association, error)
	RemoveAssociation(ctx context.Context, prefix string, landingsplassID, vannID int64) error
}

// TableSets manages the yearly table sets behind the archive feature.
type TableSets interface {
	ListTableSets(ctx context.Context) ([]TableSet, error)
	CreateTableSet(ctx context.Context, prefix, copyFrom string, resetProgress bool) error
}
