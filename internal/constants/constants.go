// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Catalog constants
const (
	// DefaultMaxBankSize is the number of features retained per identity
	DefaultMaxBankSize = 10

	// DefaultFeatureDim is the embedding width of the default extractor
	DefaultFeatureDim = 2048
)

// Matching constants
const (
	// DefaultMergeThreshold is the re-ranking distance below which a feature
	// joins an existing identity. Lower values = stricter matching
	DefaultMergeThreshold = 0.2

	// DefaultK1, DefaultK2 and DefaultLambda are the re-ranking hyperparameters
	DefaultK1     = 20
	DefaultK2     = 6
	DefaultLambda = 0.5
)

// Routing constants
const (
	// DefaultAspectMin and DefaultAspectMax bound the height/width ratio of
	// a box accepted on the update path
	DefaultAspectMin = 1.0
	DefaultAspectMax = 3.0
)

// Image processing constants
const (
	// CropWidth and CropHeight are the extractor input size
	CropWidth  = 128
	CropHeight = 256

	// DefaultBlurThreshold is the minimum Laplacian variance of a usable frame
	DefaultBlurThreshold = 100.0

	// CropJPEGQuality is the JPEG quality used when uploading crops
	CropJPEGQuality = 90
)
