package broker

import (
	"strings"
	"testing"
)

func TestTopicValidation(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		isFilter  bool
		wantError bool
	}{
		// Valid subscription filters
		{"Valid simple topic", "sensors/temp", true, false},
		{"Valid single-level wildcard", "sensors/+/temp", true, false},
		{"Valid multi-level wildcard", "sensors/#", true, false},
		{"Valid lone multi-level wildcard", "#", true, false},
		{"Valid complex filter", "home/+/living/+/temp", true, false},
		{"Valid leading slash", "/sensors/temp", true, false},
		{"Valid trailing slash", "sensors/temp/", true, false},
		{"Valid empty middle segment", "sensors//temp", true, false},

		// Invalid subscription filters
		{"Empty topic", "", true, true},
		{"Invalid + wildcard", "sensors/+temp/value", true, true},
		{"Invalid # wildcard", "sensors/temp#", true, true},
		{"Mid-topic #", "sensors/#/temp", true, true},
		{"NUL character", "sensors/\x00", true, true},
		{"Too long", strings.Repeat("a", maxTopicLength+1), true, true},

		// Valid publish topics
		{"Valid publish topic", "sensors/temp", false, false},
		{"Valid multi-segment", "home/floor1/living/temp", false, false},
		{"Valid publish leading slash", "/sensors/temp", false, false},
		{"Valid publish trailing slash", "sensors/temp/", false, false},

		// Invalid publish topics
		{"Empty publish topic", "", false, true},
		{"Publish with +", "sensors/+/temp", false, true},
		{"Publish with #", "sensors/#", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.isFilter {
				err = ValidateTopicFilter(tt.topic)
			} else {
				err = ValidateTopicName(tt.topic)
			}

			if (err != nil) != tt.wantError {
				t.Errorf("validation error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}
