package viewer

import (
	"encoding/json"
	"strconv"
	"strings"

	"dicomview/internal/logging"
	"dicomview/internal/orthanc"

	"go.uber.org/zap"
)

// InstanceInformation carries the spatial information of one instance:
// the normal of its slice plane, its position, and its rank within the
// series. Either part may be missing.
type InstanceInformation struct {
	Normal   []float64 `json:"Normal,omitempty"`
	Position []float64 `json:"Position,omitempty"`
	Index    *int      `json:"Index,omitempty"`
}

// HasPosition reports whether the instance carries spatial information.
func (i *InstanceInformation) HasPosition() bool {
	return len(i.Normal) == 3 && len(i.Position) == 3
}

// HasIndex reports whether the instance carries its rank in the series.
func (i *InstanceInformation) HasIndex() bool {
	return i.Index != nil
}

// Serialize encodes the information for storage in the cache.
func (i *InstanceInformation) Serialize() ([]byte, error) {
	return json.Marshal(i)
}

// DeserializeInstanceInformation decodes a cached payload.
func DeserializeInstanceInformation(data []byte) (InstanceInformation, error) {
	var info InstanceInformation
	if err := json.Unmarshal(data, &info); err != nil {
		return InstanceInformation{}, err
	}
	return info, nil
}

// tokenizeVector parses a backslash-separated DICOM multi-value into
// exactly expected floats.
func tokenizeVector(value string, expected int) ([]float64, bool) {
	parts := strings.Split(value, "\\")
	if len(parts) != expected {
		return nil, false
	}
	result := make([]float64, expected)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, false
		}
		result[i] = f
	}
	return result, true
}

// InstanceInformationAdapter produces the spatial information of one
// instance from its DICOM tags.
type InstanceInformationAdapter struct {
	client *orthanc.Client
}

// NewInstanceInformationAdapter builds the factory of the instance-info
// bundle.
func NewInstanceInformationAdapter(client *orthanc.Client) *InstanceInformationAdapter {
	return &InstanceInformationAdapter{client: client}
}

// Create implements scheduler.Factory for instance identifiers.
func (a *InstanceInformationAdapter) Create(instanceID string) ([]byte, bool, error) {
	logging.Component("viewer").Info("Creating spatial information for instance",
		zap.String("instance", instanceID))

	var instance struct {
		IndexInSeries *int `json:"IndexInSeries"`
	}
	if ok, err := a.client.GetJSON("/instances/"+instanceID, &instance); err != nil || !ok {
		return nil, false, err
	}

	var tags struct {
		ImageOrientationPatient string `json:"ImageOrientationPatient"`
		ImagePositionPatient    string `json:"ImagePositionPatient"`
	}
	if ok, err := a.client.GetJSON("/instances/"+instanceID+"/tags?simplify", &tags); err != nil || !ok {
		return nil, false, err
	}

	var info InstanceInformation

	if cosines, ok := tokenizeVector(tags.ImageOrientationPatient, 6); ok {
		if position, ok := tokenizeVector(tags.ImagePositionPatient, 3); ok {
			// The normal of the slice plane is the cross product of the
			// direction cosines of its rows and columns.
			info.Normal = []float64{
				cosines[1]*cosines[5] - cosines[2]*cosines[4],
				cosines[2]*cosines[3] - cosines[0]*cosines[5],
				cosines[0]*cosines[4] - cosines[1]*cosines[3],
			}
			info.Position = position
		}
	}

	info.Index = instance.IndexInSeries

	content, err := info.Serialize()
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}
