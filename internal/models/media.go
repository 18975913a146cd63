package models

import "fmt"

// Resolution describes the primary video stream of an input file.
// Width and Height are always set; the rest are best effort.
type Resolution struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Duration float64 `json:"duration,omitempty"`
	Codec    string  `json:"codec,omitempty"`
	FPS      float64 `json:"fps,omitempty"`
	NbFrames int     `json:"nb_frames,omitempty"`
	HasAudio bool    `json:"has_audio"`
	// FieldOrder is ffprobe's field_order, empty when unreported.
	FieldOrder string `json:"field_order,omitempty"`
}

// Interlaced reports whether the stream carries interlaced fields.
// Missing or unknown field order counts as progressive.
func (r Resolution) Interlaced() bool {
	switch r.FieldOrder {
	case "", "progressive", "unknown":
		return false
	}
	return true
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d@%.2f", r.Width, r.Height, r.FPS)
}

// Template is a ComfyUI workflow graph loaded from disk. Graph is shared
// and must not be mutated.
type Template struct {
	Name  string
	Path  string
	Graph map[string]interface{}
}

// Artifact is the file ComfyUI produced for a job. Remote artifacts were
// downloaded into the work directory and belong to the run.
type Artifact struct {
	Path   string
	Source string
	Remote bool
}
