package rma

import (
	"strconv"
	"strings"

	"github.com/nmxmxh/asp-go/internal/config"
	"github.com/nmxmxh/asp-go/internal/runtime"
)

// EnableAsync is a tri-state for the enable_async info key: unset defers to
// the auto-async scheduler's decision, the two explicit values force
// the layer on or bypass it entirely (spec.md §4.1, info table).
type EnableAsync int

const (
	EnableAsyncUnset EnableAsync = iota
	EnableAsyncOff
	EnableAsyncForceOn
)

// Info is the parsed form of the allocate info map, spec.md §4.1's table
// plus the async_config key added to resolve spec.md §9's open question.
type Info struct {
	EnableAsync      EnableAsync
	NoLocalLoadStore bool
	EpochType        runtime.EpochMask
	AsyncConfig      config.AutoAsyncMode
}

// ParseInfo parses the string-keyed info map allocate() receives. Unknown
// keys are ignored (matching the underlying runtime's info semantics:
// unrecognized keys are not errors); malformed values for recognized keys
// are InfoParseError.
func ParseInfo(raw map[string]string) (*Info, error) {
	info := &Info{AsyncConfig: config.AsyncAuto}

	if v, ok := raw["enable_async"]; ok {
		switch strings.ToLower(v) {
		case "false":
			info.EnableAsync = EnableAsyncOff
		case "true":
			info.EnableAsync = EnableAsyncForceOn
		default:
			return nil, NewError(CodeInfoParseError, "enable_async must be true or false").WithContext("value", v)
		}
	}

	if v, ok := raw["no_local_load_store"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, Wrap(CodeInfoParseError, "no_local_load_store must be a bool", err).WithContext("value", v)
		}
		info.NoLocalLoadStore = b
	}

	if v, ok := raw["epoch_type"]; ok {
		mask, err := parseEpochType(v)
		if err != nil {
			return nil, err
		}
		info.EpochType = mask
	}

	if v, ok := raw["async_config"]; ok {
		switch config.AutoAsyncMode(strings.ToLower(v)) {
		case config.AsyncAuto, config.AsyncAllOn:
			info.AsyncConfig = config.AutoAsyncMode(strings.ToLower(v))
		default:
			return nil, NewError(CodeInfoParseError, "async_config must be auto or all_on").WithContext("value", v)
		}
	}

	return info, nil
}

func parseEpochType(v string) (runtime.EpochMask, error) {
	var mask runtime.EpochMask
	for _, tok := range strings.Split(v, "|") {
		switch strings.TrimSpace(strings.ToLower(tok)) {
		case "lockall":
			mask |= runtime.EpochLockAll
		case "lock":
			mask |= runtime.EpochLock
		case "pscw":
			mask |= runtime.EpochPSCW
		case "fence":
			mask |= runtime.EpochFence
		case "":
			// tolerate trailing/leading separators
		default:
			return 0, NewError(CodeInfoParseError, "unrecognized epoch_type token").WithContext("token", tok)
		}
	}
	return mask, nil
}
