package scheduling

import "time"

// State is the tagged union of scheduling states a view can be in.
// Each variant is a distinct Go struct; Label returns the kebab-case
// wire name for that variant, and ViewOf returns the common view identity
// every variant carries.
type State interface {
	Label() string
	ViewOf() View
}

// CreatedFromScratch means no metadata is known about this view yet.
type CreatedFromScratch struct{ View View }

func (s CreatedFromScratch) Label() string { return "created" }
func (s CreatedFromScratch) ViewOf() View  { return s.View }

// ReadFromSchemaManager means the view's version/timestamp were loaded
// from metadata at bootstrap.
type ReadFromSchemaManager struct {
	View               View
	Version            string
	LastTransformedAt  time.Time
}

func (s ReadFromSchemaManager) Label() string { return "read-from-schema-manager" }
func (s ReadFromSchemaManager) ViewOf() View  { return s.View }

// Invalidated means the view was explicitly invalidated and requires a
// fresh materialize to leave this state.
type Invalidated struct{ View View }

func (s Invalidated) Label() string { return "invalidated" }
func (s Invalidated) ViewOf() View  { return s.View }

// NoData means dependencies produced no data, or the view's own source
// was empty.
type NoData struct{ View View }

func (s NoData) Label() string { return "no-data" }
func (s NoData) ViewOf() View  { return s.View }

// Waiting means the view is waiting for dependency fan-in to complete.
type Waiting struct {
	View                       View
	Listeners                  []Listener
	DependenciesMaterializing  map[string]struct{}
	OneDependencyReturnedData  bool
	WithErrors                 bool
	Incomplete                 bool
	Mode                       MaterializationMode
}

func (s Waiting) Label() string { return "waiting" }
func (s Waiting) ViewOf() View  { return s.View }

// Transforming means a transformation request is in flight for this view.
type Transforming struct {
	View       View
	Listeners  []Listener
	Retry      int
	WithErrors bool
	Incomplete bool
	Mode       MaterializationMode
}

func (s Transforming) Label() string { return "transforming" }
func (s Transforming) ViewOf() View  { return s.View }

// Retrying means a transformation failed and a backoff timer is armed.
type Retrying struct {
	View       View
	Listeners  []Listener
	Retry      int
	WithErrors bool
	Incomplete bool
	Mode       MaterializationMode
}

func (s Retrying) Label() string { return "retrying" }
func (s Retrying) ViewOf() View  { return s.View }

// Materialized means the view is up to date.
type Materialized struct {
	View                    View
	TransformationTimestamp time.Time
	WithErrors              bool
	Incomplete              bool
}

func (s Materialized) Label() string { return "materialized" }
func (s Materialized) ViewOf() View  { return s.View }

// Failed means the view reached a non-recoverable failure.
type Failed struct{ View View }

func (s Failed) Label() string { return "failed" }
func (s Failed) ViewOf() View  { return s.View }
