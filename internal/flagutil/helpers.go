// Package flagutil builds urfave/cli flags that fall back to environment
// variables named after the flag.
package flagutil

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

var unsafeFlagName = regexp.MustCompile(`[^a-zA-Z0-9_]`)
var dedupUnder = regexp.MustCompile(`__+`)

// EnvVar returns the variable backing flag name, e.g. UTM_LOG_LEVEL for
// log-level under prefix UTM. An empty prefix means no variable.
func EnvVar(envPrefix, name string) []string {
	if envPrefix == "" {
		return nil
	}
	return []string{fmt.Sprintf("%v_%v", envPrefix, strings.ToUpper(
		dedupUnder.ReplaceAllString(
			unsafeFlagName.ReplaceAllString(name, "_"),
			"_")))}
}

func String(dest *string, longName string, alias []string, envPrefix string, usage string, required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		Required:    required,
		EnvVars:     EnvVar(envPrefix, longName),
	}
}

func StringSlice(dest *cli.StringSlice, longName string, alias []string, envPrefix string, usage string, required bool) *cli.StringSliceFlag {
	return &cli.StringSliceFlag{
		Name:        longName,
		Aliases:     alias,
		EnvVars:     EnvVar(envPrefix, longName),
		Usage:       usage,
		Required:    required,
		Destination: dest,
	}
}

func Int(dest *int, longName string, alias []string, envPrefix string, usage string, required bool) *cli.IntFlag {
	return &cli.IntFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		Required:    required,
		EnvVars:     EnvVar(envPrefix, longName),
	}
}

func Float64(dest *float64, longName string, alias []string, envPrefix string, usage string, required bool) *cli.Float64Flag {
	return &cli.Float64Flag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		Required:    required,
		EnvVars:     EnvVar(envPrefix, longName),
	}
}

func Duration(dest *time.Duration, longName string, alias []string, envPrefix string, usage string, required bool) *cli.DurationFlag {
	return &cli.DurationFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		Required:    required,
		EnvVars:     EnvVar(envPrefix, longName),
	}
}

func Bool(dest *bool, longName string, alias []string, envPrefix string, usage string, required bool) *cli.BoolFlag {
	return &cli.BoolFlag{
		Destination: dest,
		Value:       *dest,
		Name:        longName,
		Aliases:     alias,
		Usage:       usage,
		Required:    required,
		EnvVars:     EnvVar(envPrefix, longName),
	}
}
