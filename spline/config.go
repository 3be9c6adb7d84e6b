package spline

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// WeightingConfig supplies the knot spacings, the per-residual
// inverse-variance weights for the inertial terms, and the camera frame rate
// used to seed the rolling-shutter line delay. Loaded once before trajectory
// construction and immutable afterwards.
type WeightingConfig struct {
	DtSO3  float64 `json:"dt_so3"`  // rotation knot spacing, seconds
	DtR3   float64 `json:"dt_r3"`   // translation knot spacing, seconds
	VarSO3 float64 `json:"var_so3"` // gyroscope measurement variance
	VarR3  float64 `json:"var_r3"`  // accelerometer measurement variance
	CamFPS float64 `json:"cam_fps"` // camera frame rate, Hz
}

// CheckValid checks if the fields for WeightingConfig have valid inputs.
func (c *WeightingConfig) CheckValid() error {
	if c == nil {
		return errors.New("weighting config does not exist")
	}
	if c.DtSO3 <= 0 || c.DtR3 <= 0 {
		return errors.Errorf("invalid knot spacing dt_so3 = %v, dt_r3 = %v", c.DtSO3, c.DtR3)
	}
	if c.VarSO3 <= 0 || c.VarR3 <= 0 {
		return errors.Errorf("invalid variance var_so3 = %v, var_r3 = %v", c.VarSO3, c.VarR3)
	}
	if c.CamFPS <= 0 {
		return errors.Errorf("invalid camera frame rate cam_fps = %v", c.CamFPS)
	}
	return nil
}

// NewWeightingConfigFromJSONFile takes in a file path to a JSON and turns it
// into a WeightingConfig.
func NewWeightingConfigFromJSONFile(jsonPath string) (*WeightingConfig, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	cfg := &WeightingConfig{}
	if err := json.Unmarshal(byteValue, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	return cfg, nil
}
