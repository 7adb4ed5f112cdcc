package writer

import (
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/dls-controls/odin-data/errors"
)

// Recognized configuration keys.
const (
	KeyDirectory           = "directory"
	KeyFilePrefix          = "file_prefix"
	KeyFlushFrameFrequency = "flush_frame_frequency"
	KeyFlushTimeout        = "flush_timeout"
)

// Config holds the runtime settings of an acquisition writer.
type Config struct {
	// Directory is where the meta file is created.
	Directory string
	// FilePrefix overrides the writer name in the file name when set.
	FilePrefix string
	// FlushFrameFrequency flushes every Nth write frame message. Zero
	// disables the count-based trigger.
	FlushFrameFrequency int64
	// FlushTimeout flushes when this long has passed since the last flush,
	// checked on each write frame message. Zero disables the time-based
	// trigger.
	FlushTimeout time.Duration
}

// DefaultConfig returns the standard writer settings for a directory.
func DefaultConfig(directory string) Config {
	return Config{
		Directory:           directory,
		FlushFrameFrequency: 100,
		FlushTimeout:        time.Second,
	}
}

// Configure applies a settings mapping. Unknown keys and bad values produce
// per-key errors; recognized keys in the same call still apply. The returned
// error joins every per-key failure.
func (c *Config) Configure(settings map[string]any) error {
	var errs []error
	for key, value := range settings {
		if err := c.apply(key, value); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (c *Config) apply(key string, value any) error {
	switch key {
	case KeyDirectory:
		s, ok := value.(string)
		if !ok {
			return errors.WrapInvalid(errors.ErrInvalidData, "Config", "apply",
				fmt.Sprintf("%s: want string, have %T", key, value))
		}
		c.Directory = s
	case KeyFilePrefix:
		s, ok := value.(string)
		if !ok {
			return errors.WrapInvalid(errors.ErrInvalidData, "Config", "apply",
				fmt.Sprintf("%s: want string, have %T", key, value))
		}
		c.FilePrefix = s
	case KeyFlushFrameFrequency:
		n, ok := toInt64(value)
		if !ok || n < 0 {
			return errors.WrapInvalid(errors.ErrInvalidData, "Config", "apply",
				fmt.Sprintf("%s: want non-negative integer, have %v", key, value))
		}
		c.FlushFrameFrequency = n
	case KeyFlushTimeout:
		seconds, ok := toFloat64(value)
		if !ok || seconds < 0 {
			return errors.WrapInvalid(errors.ErrInvalidData, "Config", "apply",
				fmt.Sprintf("%s: want non-negative seconds, have %v", key, value))
		}
		c.FlushTimeout = time.Duration(seconds * float64(time.Second))
	default:
		return errors.WrapInvalid(errors.ErrUnknownKey, "Config", "apply", key)
	}
	return nil
}

// Current returns the value of every recognized key.
func (c Config) Current() map[string]any {
	return map[string]any{
		KeyDirectory:           c.Directory,
		KeyFilePrefix:          c.FilePrefix,
		KeyFlushFrameFrequency: c.FlushFrameFrequency,
		KeyFlushTimeout:        c.FlushTimeout.Seconds(),
	}
}

func toInt64(value any) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	}
	return 0, false
}

func toFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
