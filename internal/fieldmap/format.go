package fieldmap

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// versionPattern matches firmware strings such as "20210115-103659/v1.9.5@e7b9c3d9".
var versionPattern = regexp.MustCompile(`^(\d{8}-\d{6})/(v?\d+\.\d+\.\d+(?:-[0-9A-Za-z]+)?)@`)

// Apply runs value through the formatting pipeline. Steps:
//
//	bool      number > 0, or the boolean/on/off word
//	round     round to an integer; round:n keeps n decimals
//	float     convert to float64
//	/N        divide by N
//	ver       extract the semantic version from a firmware build string
//	eq:word   true when a text value equals word; numbers and booleans as bool
func Apply(value any, steps []string) (any, error) {
	for _, step := range steps {
		var err error
		value, err = applyStep(value, step)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

// ValidateSteps checks every step name without applying it.
func ValidateSteps(steps []string) error {
	for _, step := range steps {
		name, arg, _ := strings.Cut(step, ":")
		switch {
		case name == "bool", name == "float", name == "ver":
		case name == "eq":
			if arg == "" {
				return fmt.Errorf("%w: %q", ErrBadStep, step)
			}
		case name == "round":
			if arg != "" {
				if _, err := strconv.Atoi(arg); err != nil {
					return fmt.Errorf("%w: %q", ErrBadStep, step)
				}
			}
		case strings.HasPrefix(step, "/"):
			if n, err := strconv.Atoi(step[1:]); err != nil || n == 0 {
				return fmt.Errorf("%w: %q", ErrBadStep, step)
			}
		default:
			return fmt.Errorf("%w: %q", ErrBadStep, step)
		}
	}
	return nil
}

func applyStep(value any, step string) (any, error) {
	name, arg, _ := strings.Cut(step, ":")

	switch {
	case name == "bool":
		if b, ok := toBool(value); ok {
			return b, nil
		}

	case name == "round":
		f, ok := toFloat(value)
		if !ok {
			break
		}
		digits := 0
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil {
				break
			}
			digits = n
		}
		scale := math.Pow(10, float64(digits)) //nolint:mnd // decimal places
		return math.Round(f*scale) / scale, nil

	case name == "float":
		if f, ok := toFloat(value); ok {
			return f, nil
		}

	case strings.HasPrefix(step, "/"):
		div, err := strconv.Atoi(step[1:])
		if err != nil || div == 0 {
			break
		}
		if f, ok := toFloat(value); ok {
			return f / float64(div), nil
		}

	case name == "eq" && arg != "":
		if s, ok := value.(string); ok {
			return strings.EqualFold(strings.TrimSpace(s), arg), nil
		}
		if b, ok := toBool(value); ok {
			return b, nil
		}

	case name == "ver":
		s, ok := value.(string)
		if !ok {
			break
		}
		if m := versionPattern.FindStringSubmatch(s); m != nil {
			return m[2], nil
		}
		return s, nil
	}

	return nil, fmt.Errorf("%w: %q on %T", ErrBadStep, step, value)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "true":
			return true, true
		case "off", "false":
			return false, true
		}
	}
	if f, ok := toFloat(v); ok {
		return f > 0, true
	}
	return false, false
}
