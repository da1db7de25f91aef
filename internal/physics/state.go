package physics

import "github.com/nKvs-you/roller-coaster-builder/internal/geom"

// State is a snapshot of the train's motion at the end of a step. Callers
// receive it by value; mutating a snapshot never touches the engine.
type State struct {
	Position geom.Vec3 `json:"position"`
	Velocity geom.Vec3 `json:"velocity"`

	Speed          float64 `json:"speed"`
	GForceVertical float64 `json:"g_force_vertical"`
	GForceLateral  float64 `json:"g_force_lateral"`
	GForceTotal    float64 `json:"g_force_total"`

	Progress  float64 `json:"progress"`
	Height    float64 `json:"height"`
	BankAngle float64 `json:"bank_angle"`

	OnChainLift bool `json:"on_chain_lift"`
	InLoop      bool `json:"in_loop"`

	SimulatedSeconds float64 `json:"simulated_seconds"`
}

// Sample describes the track at a single parameter value: the pose frame,
// banking, slope and turn tightness the physics step works from.
type Sample struct {
	Point   geom.Vec3 `json:"point"`
	Tangent geom.Vec3 `json:"tangent"`
	Up      geom.Vec3 `json:"up"`
	Right   geom.Vec3 `json:"right"`

	Tilt      float64 `json:"tilt"`
	Curvature float64 `json:"curvature"`
	Grade     float64 `json:"grade"`
	InLoop    bool    `json:"in_loop"`
}
