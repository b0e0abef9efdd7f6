package model

import (
	"time"
)

// ContentType is the content category assigned to a zone by detection.
type ContentType string

const (
	ContentText    ContentType = "text"
	ContentTable   ContentType = "table"
	ContentImage   ContentType = "image"
	ContentDiagram ContentType = "diagram"
	ContentHeader  ContentType = "header"
	ContentFooter  ContentType = "footer"
	ContentUnknown ContentType = "unknown"
)

// Zone is one unit of extractable content within a document. The scheduler
// reads it but never mutates it.
type Zone struct {
	ID           string         `json:"id" yaml:"id"`
	DocumentID   string         `json:"document_id,omitempty" yaml:"document_id"`
	PageNumber   int            `json:"page_number" yaml:"page"`
	ReadingOrder int            `json:"reading_order" yaml:"reading_order"`
	ContentType  ContentType    `json:"content_type" yaml:"type"`
	Bounds       Bounds         `json:"bounds" yaml:"bounds"`
	Confidence   float64        `json:"confidence" yaml:"confidence"`
	UserPriority int            `json:"user_priority,omitempty" yaml:"user_priority"`
	DependsOn    []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// Bounds is the zone's rectangle on its page.
type Bounds struct {
	X          float64 `json:"x" yaml:"x"`
	Y          float64 `json:"y" yaml:"y"`
	Width      float64 `json:"width" yaml:"width"`
	Height     float64 `json:"height" yaml:"height"`
	PageWidth  float64 `json:"page_width" yaml:"page_width"`
	PageHeight float64 `json:"page_height" yaml:"page_height"`
}

// AreaFraction returns the share of the page covered by the zone, in [0,1].
func (b Bounds) AreaFraction() float64 {
	page := b.PageWidth * b.PageHeight
	if page <= 0 || b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	f := (b.Width * b.Height) / page
	if f > 1 {
		return 1
	}
	return f
}

// ToolAssignment is the collaborator's decision of how to process one zone.
type ToolAssignment struct {
	ZoneID           string                `json:"zone_id" yaml:"zone_id"`
	PrimaryTool      string                `json:"primary_tool" yaml:"tool"`
	FallbackTools    []string              `json:"fallback_tools,omitempty" yaml:"fallbacks"`
	Confidence       float64               `json:"confidence" yaml:"confidence"`
	ExpectedDuration time.Duration         `json:"expected_duration_ns" yaml:"expected_duration"`
	Requirements     []ResourceRequirement `json:"requirements,omitempty" yaml:"requirements"`
}

// ResourceType names one budgeted resource.
type ResourceType string

const (
	ResourceMemory  ResourceType = "memory"  // MiB
	ResourceCPU     ResourceType = "cpu"     // cores
	ResourceDisk    ResourceType = "disk"    // MiB
	ResourceNetwork ResourceType = "network" // Mbit/s
)

// ResourceTypes lists every budgeted resource in reporting order.
var ResourceTypes = []ResourceType{ResourceMemory, ResourceCPU, ResourceDisk, ResourceNetwork}

// RequirementPriority tags a requirement for admission against headroom.
type RequirementPriority string

const (
	RequirementLow      RequirementPriority = "low"
	RequirementNormal   RequirementPriority = "normal"
	RequirementHigh     RequirementPriority = "high"
	RequirementCritical RequirementPriority = "critical"
)

// ResourceRequirement is the amount of one resource a zone needs while it runs.
type ResourceRequirement struct {
	Type     ResourceType        `json:"type" yaml:"type"`
	Amount   float64             `json:"amount" yaml:"amount"`
	Duration time.Duration       `json:"duration_ns" yaml:"duration"`
	Priority RequirementPriority `json:"priority,omitempty" yaml:"priority"`
	Flexible bool                `json:"flexible,omitempty" yaml:"flexible"`

	// MinAmount is the lowest acceptable grant for a flexible requirement.
	MinAmount float64 `json:"min_amount,omitempty" yaml:"min_amount"`
}

func (r ResourceRequirement) minimum() float64 {
	if r.Flexible && r.MinAmount > 0 && r.MinAmount < r.Amount {
		return r.MinAmount
	}
	return r.Amount
}

// Minimum returns the smallest amount that satisfies the requirement.
func (r ResourceRequirement) Minimum() float64 {
	return r.minimum()
}

// Result is the output of one successful extraction attempt.
type Result struct {
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Attempt is one execution try of a zone. Attempts are append-only.
type Attempt struct {
	Number        int                      `json:"number"`
	WorkerID      string                   `json:"worker_id"`
	Tool          string                   `json:"tool"`
	StartedAt     time.Time                `json:"started_at"`
	EndedAt       *time.Time               `json:"ended_at,omitempty"`
	Status        ZoneStatus               `json:"status"`
	Result        *Result                  `json:"result,omitempty"`
	Error         *ExecutionError          `json:"error,omitempty"`
	ResourceUsage map[ResourceType]float64 `json:"resource_usage,omitempty"`
}

// Duration returns how long the attempt ran, or 0 while it is still running.
func (a Attempt) Duration() time.Duration {
	if a.EndedAt == nil {
		return 0
	}
	return a.EndedAt.Sub(a.StartedAt)
}

// QueuedZone wraps a Zone with its scheduling state.
type QueuedZone struct {
	ID               string                `json:"id"`
	BatchID          string                `json:"batch_id"`
	Zone             Zone                  `json:"zone"`
	Assignment       ToolAssignment        `json:"assignment"`
	Priority         float64               `json:"priority"`
	PriorityOverride *float64              `json:"priority_override,omitempty"`
	Status           ZoneStatus            `json:"status"`
	WorkerID         string                `json:"worker_id,omitempty"`
	AllocationID     string                `json:"allocation_id,omitempty"`
	Dependencies     []string              `json:"dependencies,omitempty"`
	Dependents       []string              `json:"dependents,omitempty"`
	Attempts         []Attempt             `json:"attempts"`
	Requirements     []ResourceRequirement `json:"requirements,omitempty"`
	QueuedAt         time.Time             `json:"queued_at"`
	StartedAt        *time.Time            `json:"started_at,omitempty"` // current attempt; cleared on requeue
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	NextRetryAt      *time.Time            `json:"next_retry_at,omitempty"`
	RetryCount       int                   `json:"retry_count"`
	MaxRetries       int                   `json:"max_retries"`
	CancelReason     string                `json:"cancel_reason,omitempty"`
	LastError        *ExecutionError       `json:"last_error,omitempty"`
	Result           *Result               `json:"result,omitempty"`
}

// LastAttempt returns a pointer to the most recent attempt, or nil.
func (z *QueuedZone) LastAttempt() *Attempt {
	if len(z.Attempts) == 0 {
		return nil
	}
	return &z.Attempts[len(z.Attempts)-1]
}

// Clone returns a deep copy safe to hand to callers.
func (z *QueuedZone) Clone() QueuedZone {
	c := *z
	c.Dependencies = append([]string(nil), z.Dependencies...)
	c.Dependents = append([]string(nil), z.Dependents...)
	c.Requirements = append([]ResourceRequirement(nil), z.Requirements...)
	c.Attempts = make([]Attempt, len(z.Attempts))
	for i, a := range z.Attempts {
		if a.ResourceUsage != nil {
			usage := make(map[ResourceType]float64, len(a.ResourceUsage))
			for k, v := range a.ResourceUsage {
				usage[k] = v
			}
			a.ResourceUsage = usage
		}
		c.Attempts[i] = a
	}
	if z.PriorityOverride != nil {
		v := *z.PriorityOverride
		c.PriorityOverride = &v
	}
	return c
}
