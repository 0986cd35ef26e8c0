package scene

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

//go:embed default_catalog.jsonc
var defaultCatalog []byte

// DefaultRadius is used for models that do not declare one.
const DefaultRadius = 1.0

// Catalog lists the assets a client may load or spawn by name.
type Catalog struct {
	Scenes      []string       `json:"scenes"`
	Vehicles    []VehicleModel `json:"vehicles"`
	NPCs        []Model        `json:"npcs"`
	Pedestrians []Model        `json:"pedestrians"`
}

// Model is a spawnable asset without sensors.
type Model struct {
	Name   string  `json:"name"`
	Radius float64 `json:"radius"`
}

// VehicleModel is an ego vehicle and the sensors it is built with.
type VehicleModel struct {
	Model
	Sensors []SensorModel `json:"sensors"`
}

// SensorModel configures one sensor of an ego vehicle.
type SensorModel struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Enabled *bool        `json:"enabled,omitempty"`
	Params  SensorParams `json:"params"`
}

// Parse strips JSONC comments and trailing commas from data and decodes a
// Catalog.
func Parse(data []byte) (*Catalog, error) {
	stripped := jsonc.ToJSON(data)

	var c Catalog
	if err := json.Unmarshal(stripped, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ReadCatalog reads and parses a JSONC catalog file.
func ReadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("scene: built-in catalog: %v", err))
	}
	return c
}

// Validate checks names are present and unique per section and that every
// sensor type is known.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool)
	for _, s := range c.Scenes {
		if s == "" {
			return fmt.Errorf("catalog: empty scene name")
		}
		if seen[s] {
			return fmt.Errorf("catalog: duplicate scene %q", s)
		}
		seen[s] = true
	}

	check := func(section string, models []Model) error {
		names := make(map[string]bool)
		for _, m := range models {
			if m.Name == "" {
				return fmt.Errorf("catalog: %s: empty name", section)
			}
			if names[m.Name] {
				return fmt.Errorf("catalog: %s: duplicate %q", section, m.Name)
			}
			if m.Radius < 0 {
				return fmt.Errorf("catalog: %s %q: negative radius", section, m.Name)
			}
			names[m.Name] = true
		}
		return nil
	}

	vehicles := make([]Model, 0, len(c.Vehicles))
	for _, v := range c.Vehicles {
		vehicles = append(vehicles, v.Model)
		sensors := make(map[string]bool)
		for _, s := range v.Sensors {
			if s.Name == "" {
				return fmt.Errorf("catalog: vehicle %q: sensor without a name", v.Name)
			}
			if sensors[s.Name] {
				return fmt.Errorf("catalog: vehicle %q: duplicate sensor %q", v.Name, s.Name)
			}
			sensors[s.Name] = true
			if _, err := ParseSensorKind(s.Type); err != nil {
				return fmt.Errorf("catalog: vehicle %q: %w", v.Name, err)
			}
		}
	}
	if err := check("vehicles", vehicles); err != nil {
		return err
	}
	if err := check("npcs", c.NPCs); err != nil {
		return err
	}
	return check("pedestrians", c.Pedestrians)
}

// HasScene reports whether name is a known scene.
func (c *Catalog) HasScene(name string) bool {
	for _, s := range c.Scenes {
		if s == name {
			return true
		}
	}
	return false
}

// Vehicle looks up an ego vehicle model.
func (c *Catalog) Vehicle(name string) (VehicleModel, bool) {
	for _, v := range c.Vehicles {
		if v.Name == name {
			return v, true
		}
	}
	return VehicleModel{}, false
}

// NPC looks up an NPC model.
func (c *Catalog) NPC(name string) (Model, bool) { return findModel(c.NPCs, name) }

// Pedestrian looks up a pedestrian model.
func (c *Catalog) Pedestrian(name string) (Model, bool) { return findModel(c.Pedestrians, name) }

func findModel(models []Model, name string) (Model, bool) {
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}
