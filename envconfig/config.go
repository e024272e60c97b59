package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/ollama/tokenizer/logutil"
)

// Var returns the cleaned value of the environment variable key, falling back
// to the config file when it is unset.
func Var(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.Trim(strings.TrimSpace(v), "\"'")
	}

	return strings.Trim(strings.TrimSpace(GetConfigValue(key)), "\"'")
}

// LogLevel maps TOKENIZER_DEBUG to a slog level. 1 or true is DEBUG, 2 and
// above is TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("TOKENIZER_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.LevelInfo - slog.Level(i*4)
		}
	}

	if level < logutil.LevelTrace {
		level = logutil.LevelTrace
	}

	return level
}

// Vocab is the default vocabulary directory. Configured via TOKENIZER_VOCAB.
func Vocab() string {
	return Var("TOKENIZER_VOCAB")
}

// Escape is the default whitespace escape mode. Configured via
// TOKENIZER_ESCAPE.
func Escape() string {
	if s := Var("TOKENIZER_ESCAPE"); s != "" {
		return strings.ToLower(s)
	}

	return "prefix"
}

// NumParallel bounds concurrent batch tokenization. Configured via
// TOKENIZER_NUM_PARALLEL; defaults to GOMAXPROCS.
func NumParallel() int {
	if s := Var("TOKENIZER_NUM_PARALLEL"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			slog.Warn("invalid setting, ignoring", "TOKENIZER_NUM_PARALLEL", s, "error", err)
		} else {
			return n
		}
	}

	return runtime.GOMAXPROCS(0)
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"TOKENIZER_DEBUG":        {"TOKENIZER_DEBUG", LogLevel(), "Show additional debug information (e.g. TOKENIZER_DEBUG=1)"},
		"TOKENIZER_VOCAB":        {"TOKENIZER_VOCAB", Vocab(), "Directory holding tokenizer.json or vocab.json and merges.txt"},
		"TOKENIZER_ESCAPE":       {"TOKENIZER_ESCAPE", Escape(), "Whitespace escape mode: prefix, replace or none (default \"prefix\")"},
		"TOKENIZER_NUM_PARALLEL": {"TOKENIZER_NUM_PARALLEL", NumParallel(), "Maximum number of texts tokenized in parallel (default GOMAXPROCS)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
