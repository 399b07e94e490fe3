package math

// NewFrustum extracts the clip planes of a combined view-projection matrix.
func NewFrustum(viewProjection Mat4) Frustum {
	m := viewProjection.Data
	col := func(j int) Vec4 {
		return Vec4{m[j], m[4+j], m[8+j], m[12+j]}
	}
	c0, c1, c2, c3 := col(0), col(1), col(2), col(3)

	var f Frustum
	raw := [6]Vec4{
		add4(c3, c0), sub4(c3, c0),
		add4(c3, c1), sub4(c3, c1),
		add4(c3, c2), sub4(c3, c2),
	}
	for i, p := range raw {
		n := Vec3{p.X, p.Y, p.Z}
		l := n.Length()
		if l == 0 {
			continue
		}
		f.Planes[i] = Plane{Normal: n.MulScalar(1 / l), D: p.W / l}
	}
	return f
}

func add4(a, b Vec4) Vec4 {
	return Vec4{a.X + b.X, a.Y + b.Y, a.Z + b.Z, a.W + b.W}
}

func sub4(a, b Vec4) Vec4 {
	return Vec4{a.X - b.X, a.Y - b.Y, a.Z - b.Z, a.W - b.W}
}

// Distance is the signed distance of p from the plane.
func (p Plane) Distance(point Vec3) float32 {
	return p.Normal.Dot(point) + p.D
}

// IntersectsSphere reports whether s is at least partly inside f.
func (f *Frustum) IntersectsSphere(s Sphere) bool {
	for _, p := range f.Planes {
		if p.Distance(s.Center) < -s.Radius {
			return false
		}
	}
	return true
}
