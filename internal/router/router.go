// Package router decides, per detection, whether it goes to the query path,
// the update path or is dropped before any matching happens.
package router

import (
	"fmt"

	"github.com/kozaktomas/reid-catalog/internal/constants"
)

// Unknown is the provisional id of a detection the tracker could not label.
const Unknown = -1

// BBox is a pixel bounding box with its top-left corner at X, Y.
type BBox struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
	W int `json:"w" msgpack:"w"`
	H int `json:"h" msgpack:"h"`
}

// AspectRatio returns H/W. ok is false for a box without width.
func (b BBox) AspectRatio() (ratio float64, ok bool) {
	if b.W <= 0 {
		return 0, false
	}
	return float64(b.H) / float64(b.W), true
}

func (b BBox) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", b.W, b.H, b.X, b.Y)
}

// Detection is one tracked box of a processing cycle.
type Detection struct {
	ProvisionalID int
	BBox          BBox
}

// DropReason explains why a detection skipped matching.
type DropReason string

const (
	DropAspect     DropReason = "aspect_ratio"
	DropDegenerate DropReason = "degenerate_box"
	DropBankFull   DropReason = "bank_full"
	DropUnknownID  DropReason = "unknown_identity"
	DropInvalidID  DropReason = "invalid_identity"
)

// Drop records a detection that was filtered out.
type Drop struct {
	Index  int        `json:"index" msgpack:"index"`
	Reason DropReason `json:"reason" msgpack:"reason"`
}

// Plan lists detection indices per path, each in input order.
type Plan struct {
	Query   []int
	Update  []int
	Dropped []Drop
}

// BankInspector answers capacity questions about catalog identities.
type BankInspector interface {
	// IsFull reports whether id has reached bank capacity; ok is false for unknown ids.
	IsFull(id int) (full, ok bool)
}

// Router holds the geometry gate for the update path.
type Router struct {
	AspectMin float64
	AspectMax float64
}

// New returns a router accepting update-path boxes with aspect in [1, 3].
func New() Router {
	return Router{AspectMin: constants.DefaultAspectMin, AspectMax: constants.DefaultAspectMax}
}

// Route classifies detections. Unknown detections always go to the query path.
// Known detections go to the update path only when the box is person-shaped
// and the target bank has room; everything else is dropped without error.
func (r Router) Route(detections []Detection, banks BankInspector) Plan {
	var p Plan
	for i, d := range detections {
		if d.ProvisionalID == Unknown {
			p.Query = append(p.Query, i)
			continue
		}
		if reason, ok := r.gate(d, banks); !ok {
			p.Dropped = append(p.Dropped, Drop{Index: i, Reason: reason})
			continue
		}
		p.Update = append(p.Update, i)
	}
	return p
}

func (r Router) gate(d Detection, banks BankInspector) (DropReason, bool) {
	if d.ProvisionalID < 0 {
		return DropInvalidID, false
	}
	ratio, ok := d.BBox.AspectRatio()
	if !ok {
		return DropDegenerate, false
	}
	if ratio < r.AspectMin || ratio > r.AspectMax {
		return DropAspect, false
	}
	full, exists := banks.IsFull(d.ProvisionalID)
	if !exists {
		return DropUnknownID, false
	}
	if full {
		return DropBankFull, false
	}
	return "", true
}
