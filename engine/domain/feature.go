package domain

// FeatureDim is the fixed dimensionality of a feature vector: a 6x6 HSV
// downscale flattened to 36 hue + 36 saturation + 36 value floats.
const FeatureDim = 108

// FeatureVector is one extracted frame descriptor. Images have exactly one
// (ID 0); videos get one per extracted keyframe. PostType is denormalized
// from the owning Post for the partial ANN index predicate.
type FeatureVector struct {
	PostID   uint64
	ID       int32
	PostType PostType
	Vec      []float32
}

// Tag is an upstream-assigned label on a post. Read-only after insert.
type Tag struct {
	ID         uint64
	PostID     uint64
	Tag        string
	Up         int32
	Down       int32
	Confidence float32
}
