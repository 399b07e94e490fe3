package math

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 represents a 4D vector
type Vec4 struct {
	X, Y, Z, W float32
}

// Quaternion represents a rotational orientation.
type Quaternion Vec4

// Mat4 is a 4x4 matrix laid out for row vectors: a point p is transformed as
// p * M and the translation lives in Data[12..14].
type Mat4 struct {
	Data [16]float32
}

// Sphere is a bounding sphere.
type Sphere struct {
	Center Vec3
	Radius float32
}

// Plane is the set of points p with Normal.Dot(p) + D == 0.
type Plane struct {
	Normal Vec3
	D      float32
}

// Frustum holds the six inward-facing clip planes: left, right, bottom, top, near, far.
type Frustum struct {
	Planes [6]Plane
}
