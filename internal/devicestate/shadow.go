// Package devicestate reads the firmware state devices report in their
// LwM2M shadow.
package devicestate

import (
	"encoding/json"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/firmware"
	"strings"
)

// LwM2M object and resource IDs carrying firmware state.
const (
	objectDeviceInformation = "14204"
	resourceModemVersion    = "2"
	resourceAppVersion      = "3"

	objectFOTA                 = "14401"
	resourceSupportedFOTATypes = "0"
)

// shadow is a reported LwM2M document: object ID (optionally with a
// ":<version>" suffix) -> instance ID -> resource ID -> value.
type shadow map[string]map[string]map[string]any

func (s shadow) resource(object, instance, resource string) (any, bool) {
	for id, instances := range s {
		if id != object && !strings.HasPrefix(id, object+":") {
			continue
		}
		inst, ok := instances[instance]
		if !ok {
			return nil, false
		}
		v, ok := inst[resource]
		return v, ok
	}
	return nil, false
}

func (s shadow) str(object, resource string) string {
	v, ok := s.resource(object, "0", resource)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

func (s shadow) strList(object, resource string) []string {
	v, ok := s.resource(object, "0", resource)
	if !ok {
		return nil
	}
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// ParseShadow extracts firmware details from a reported shadow document.
func ParseShadow(data []byte) (firmware.Details, error) {
	var s shadow
	if err := json.Unmarshal(data, &s); err != nil {
		return firmware.Details{}, apperrors.Domain(apperrors.ErrValidation, apperrors.DeviceStateUnavailable,
			fmt.Sprintf("Device state is not readable: %v", err))
	}
	targets := firmware.ParseFOTATypes(s.strList(objectFOTA, resourceSupportedFOTATypes))
	if len(targets) == 0 {
		return firmware.Details{}, apperrors.Domain(apperrors.ErrValidation, apperrors.UnsupportedTarget,
			"This device does not support FOTA!")
	}
	return firmware.Details{
		AppVersion:       s.str(objectDeviceInformation, resourceAppVersion),
		ModemVersion:     s.str(objectDeviceInformation, resourceModemVersion),
		SupportedTargets: targets,
	}, nil
}
