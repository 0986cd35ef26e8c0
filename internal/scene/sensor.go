package scene

import (
	"fmt"
	"strings"
)

// SensorKind is the closed set of sensors an ego vehicle can carry.
type SensorKind int

const (
	ColorCamera SensorKind = iota
	DepthCamera
	SemanticCamera
	SegmentationCamera
	Lidar
	IMU
	GPS
	Radar
	CANBus
)

var sensorKindNames = map[SensorKind]string{
	ColorCamera:        "color_camera",
	DepthCamera:        "depth_camera",
	SemanticCamera:     "semantic_camera",
	SegmentationCamera: "segmentation_camera",
	Lidar:              "lidar",
	IMU:                "imu",
	GPS:                "gps",
	Radar:              "radar",
	CANBus:             "canbus",
}

func (k SensorKind) String() string {
	if n, ok := sensorKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("sensor_kind(%d)", int(k))
}

// ParseSensorKind parses the catalog name of a sensor kind.
func ParseSensorKind(s string) (SensorKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range sensorKindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown sensor type %q", s)
}

// SensorParams holds the configuration of every sensor kind; each kind
// reads only its own fields.
type SensorParams struct {
	Frequency    float64 `json:"frequency,omitempty"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	FOV          float64 `json:"fov,omitempty"`
	NearPlane    float64 `json:"near_plane,omitempty"`
	FarPlane     float64 `json:"far_plane,omitempty"`
	MinDistance  float64 `json:"min_distance,omitempty"`
	MaxDistance  float64 `json:"max_distance,omitempty"`
	Rays         int     `json:"rays,omitempty"`
	Rotations    float64 `json:"rotations,omitempty"`
	Measurements int     `json:"measurements,omitempty"`
	Angle        float64 `json:"angle,omitempty"`
	Compensated  bool    `json:"compensated,omitempty"`
}

// Sensor is attached to exactly one agent.
type Sensor struct {
	Name    string
	Kind    SensorKind
	Params  SensorParams
	Enabled bool
	Agent   *Agent
}

// Describe returns the client-visible description of the sensor. The uid is
// added by the caller.
func (s *Sensor) Describe() map[string]any {
	p := s.Params
	camera := func(format string) map[string]any {
		return map[string]any{
			"type":       "camera",
			"name":       s.Name,
			"frequency":  p.Frequency,
			"width":      p.Width,
			"height":     p.Height,
			"fov":        p.FOV,
			"near_plane": p.NearPlane,
			"far_plane":  p.FarPlane,
			"format":     format,
		}
	}

	switch s.Kind {
	case ColorCamera:
		return camera("RGB")
	case DepthCamera:
		return camera("DEPTH")
	case SemanticCamera:
		return camera("SEMANTIC")
	case SegmentationCamera:
		return camera("INSTANCESEGMENTATION")
	case Lidar:
		return map[string]any{
			"type":         "lidar",
			"name":         s.Name,
			"min_distance": p.MinDistance,
			"max_distance": p.MaxDistance,
			"rays":         p.Rays,
			"rotations":    p.Rotations,
			"measurements": p.Measurements,
			"fov":          p.FOV,
			"angle":        p.Angle,
			"compensated":  p.Compensated,
		}
	case IMU:
		return map[string]any{"type": "imu", "name": s.Name}
	case GPS:
		return map[string]any{"type": "gps", "name": s.Name, "frequency": p.Frequency}
	case Radar:
		return map[string]any{"type": "radar", "name": s.Name}
	case CANBus:
		return map[string]any{"type": "canbus", "name": s.Name, "frequency": p.Frequency}
	default:
		return map[string]any{"type": "unknown", "name": s.Name}
	}
}
