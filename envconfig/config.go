package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// Set via FMS_DEBUG in the environment
	Debug bool
	// Set via FMS_MODELS in the environment
	Models string
	// Set via FMS_NUM_PARALLEL in the environment
	NumParallel int
	// Set via LOCAL_RANK in the environment
	LocalRank int
	// Set via WORLD_SIZE in the environment
	WorldSize int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"FMS_DEBUG":        {"FMS_DEBUG", Debug, "Show additional debug information (e.g. FMS_DEBUG=1)"},
		"FMS_MODELS":       {"FMS_MODELS", Models, "The path to the models directory (default \"~/.fms/models\")"},
		"FMS_NUM_PARALLEL": {"FMS_NUM_PARALLEL", NumParallel, "Maximum number of sequences generated in parallel (default 1)"},
		"LOCAL_RANK":       {"LOCAL_RANK", LocalRank, "Rank of this process; only rank 0 prints results"},
		"WORLD_SIZE":       {"WORLD_SIZE", WorldSize, "Number of cooperating processes (default 1)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := clean("FMS_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Models = clean("FMS_MODELS")
	if Models == "" {
		if home, err := os.UserHomeDir(); err == nil {
			Models = filepath.Join(home, ".fms", "models")
		}
	}

	NumParallel = 1
	if onp := clean("FMS_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "FMS_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	LocalRank = 0
	if rank := clean("LOCAL_RANK"); rank != "" {
		val, err := strconv.Atoi(rank)
		if err != nil || val < 0 {
			slog.Error("invalid setting", "LOCAL_RANK", rank, "error", err)
		} else {
			LocalRank = val
		}
	}

	WorldSize = 1
	if size := clean("WORLD_SIZE"); size != "" {
		val, err := strconv.Atoi(size)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "WORLD_SIZE", size, "error", err)
		} else {
			WorldSize = val
		}
	}
}

// LogLevel returns the slog level implied by FMS_DEBUG.
func LogLevel() slog.Level {
	if Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
