package wire

// Frame is one snapshot of tracked-subject state at a single instant,
// as produced by the capture side. Positions are in millimeters on the wire.
type Frame struct {
	Timestamp    float64   `json:"timestamp"`
	FrameNumber  int64     `json:"frame_number"`
	LatencyMS    float64   `json:"latency_ms,omitempty"`
	SubjectCount int       `json:"subject_count,omitempty"`
	Subjects     []Subject `json:"subjects"`
}

// Subject is a tracked rigid body with its named sub-parts.
type Subject struct {
	Name     string    `json:"name"`
	Quality  float64   `json:"quality,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
	Markers  []Marker  `json:"markers,omitempty"`
}

// Segment is a named rigid sub-part of a subject carrying pose data.
type Segment struct {
	Name        string      `json:"name"`
	Position    Position    `json:"position"`
	Orientation *Quaternion `json:"orientation,omitempty"`
	EulerXYZ    *EulerXYZ   `json:"euler_xyz,omitempty"`
}

// Position is a global translation in millimeters. Occluded means the
// capture system had no valid estimate this frame; the coordinates must
// then be treated as absent, not zero.
type Position struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Occluded bool    `json:"occluded"`
}

// Quaternion is a global rotation.
type Quaternion struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	W        float64 `json:"w"`
	Occluded bool    `json:"occluded"`
}

// EulerXYZ is the same rotation as Euler angles in degrees.
type EulerXYZ struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Occluded bool    `json:"occluded"`
}

// Marker is a single labeled optical marker.
type Marker struct {
	Name          string   `json:"name"`
	ParentSegment string   `json:"parent_segment,omitempty"`
	Position      Position `json:"position"`
	Occluded      bool     `json:"occluded"`
}
