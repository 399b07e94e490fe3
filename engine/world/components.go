package world

import (
	"github.com/spaghettifunk/crude/engine/math"
)

type Transform struct {
	Position math.Vec3
	Rotation math.Quaternion
	Scale    math.Vec3
}

func NewTransform(position math.Vec3) Transform {
	return Transform{Position: position, Rotation: math.NewQuatIdentity(), Scale: math.NewVec3One()}
}

// Matrix is scale, then rotation, then translation.
func (t Transform) Matrix() math.Mat4 {
	return math.NewMat4Scale(t.Scale).Mul(t.Rotation.ToMat4()).Mul(math.NewMat4Translation(t.Position))
}

// Bounds is a local-space bounding sphere.
type Bounds struct {
	Center math.Vec3
	Radius float32
}

// WorldSphere moves the sphere into world space. The radius grows with the
// largest scale axis.
func (b Bounds) WorldSphere(t Transform) math.Sphere {
	scale := t.Scale.X
	if t.Scale.Y > scale {
		scale = t.Scale.Y
	}
	if t.Scale.Z > scale {
		scale = t.Scale.Z
	}
	return math.Sphere{Center: b.Center.Transform(t.Matrix()), Radius: b.Radius * scale}
}

// Camera is a perspective camera. EulerRotation holds pitch, yaw and roll in radians.
type Camera struct {
	Position      math.Vec3
	EulerRotation math.Vec3
	FovRadians    float32
	Near          float32
	Far           float32
}

func NewCamera() Camera {
	return Camera{FovRadians: math.DegToRad(60), Near: 0.1, Far: 1000}
}

func (c Camera) View() math.Mat4 {
	rotation := math.NewMat4EulerXYZ(c.EulerRotation.X, c.EulerRotation.Y, c.EulerRotation.Z)
	return rotation.Mul(math.NewMat4Translation(c.Position)).Inverse()
}

func (c Camera) Projection(aspect float32) math.Mat4 {
	return math.NewMat4Perspective(c.FovRadians, aspect, c.Near, c.Far)
}

func (c Camera) Frustum(aspect float32) math.Frustum {
	return math.NewFrustum(c.View().Mul(c.Projection(aspect)))
}

// Pitch adds amount, clamped short of straight up or down.
func (c *Camera) Pitch(amount float32) {
	limit := math.DegToRad(89)
	c.EulerRotation.X = math.Clamp(c.EulerRotation.X+amount, -limit, limit)
}

func (c *Camera) Yaw(amount float32) {
	c.EulerRotation.Y += amount
}
