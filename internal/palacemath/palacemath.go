// Package palacemath implements the quantized position identity used for all
// trap/hoard deduplication. Deep-dungeon floors regenerate a location's exact
// floating-point coordinates by a few hundredths of a unit between visits, so
// positions are compared by scaling each axis by a fixed factor and truncating
// to an integer, giving ~0.2-unit buckets.
package palacemath

// Vector3 is a position inside a floor, in game units.
type Vector3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

const scaleFactor = 5

// Bucket is the quantized form of a Vector3. Two positions are considered the
// same location iff their buckets are equal; Bucket is comparable and can be
// used as a map key, which keeps hashing consistent with equality.
type Bucket struct {
	X, Y, Z int32
}

func BucketOf(v Vector3) Bucket {
	// int32 conversion truncates toward zero, matching the bucket boundaries
	// the rest of the data set was built with.
	return Bucket{
		X: int32(v.X * scaleFactor),
		Y: int32(v.Y * scaleFactor),
		Z: int32(v.Z * scaleFactor),
	}
}

// IsNearlySamePosition reports whether a and b fall into the same bucket.
func IsNearlySamePosition(a, b Vector3) bool {
	return BucketOf(a) == BucketOf(b)
}
