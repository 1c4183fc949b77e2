package manifest

import (
	"encoding/json"
	"strconv"
	"time"
)

// ExpiresAfterLabel marks an image for time-based tag expiration.
const ExpiresAfterLabel = "quay.expires-after"

type imageConfig struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Created      string `json:"created"`
	Config       struct {
		Labels map[string]string `json:"Labels"`
		Cmd    []string          `json:"Cmd"`
	} `json:"config"`
	History []configHistory `json:"history"`
}

type configHistory struct {
	Created    string `json:"created"`
	CreatedBy  string `json:"created_by"`
	EmptyLayer bool   `json:"empty_layer"`
	Comment    string `json:"comment"`
	Author     string `json:"author"`
}

// ConfigLabels extracts the label map from an image config blob.
// Best effort: a config that does not parse yields no labels, not an
// error, since label extraction never blocks a push.
func ConfigLabels(configRaw []byte) map[string]string {
	var cfg imageConfig
	if err := json.Unmarshal(configRaw, &cfg); err != nil {
		return nil
	}
	return cfg.Config.Labels
}

// ParseExpiresAfter parses an expires-after label value. The value is a
// number followed by an optional unit suffix (s, m, h, d, w); a bare
// number means seconds. Returns false for empty or malformed values and
// for non-positive durations.
func ParseExpiresAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}

	unit := time.Second
	switch value[len(value)-1] {
	case 's':
		value = value[:len(value)-1]
	case 'm':
		unit = time.Minute
		value = value[:len(value)-1]
	case 'h':
		unit = time.Hour
		value = value[:len(value)-1]
	case 'd':
		unit = 24 * time.Hour
		value = value[:len(value)-1]
	case 'w':
		unit = 7 * 24 * time.Hour
		value = value[:len(value)-1]
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}
