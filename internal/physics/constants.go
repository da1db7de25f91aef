package physics

// Physical constants for the simulation. Distances are meters, speeds are
// meters per second and forces are expressed in multiples of gravity.
const (
	Gravity         = 9.81
	AirResistance   = 0.02
	RollingFriction = 0.015
	ChainLiftSpeed  = 3.0
	MinSpeed        = 0.5

	MaxSafeGForce   = 5.0
	MinSafeGForce   = -1.5
	ComfortLateralG = 1.5
)

const (
	gForceWindowSize  = 10
	loopWindow        = 0.05
	maxSampleProgress = 0.9999
)
